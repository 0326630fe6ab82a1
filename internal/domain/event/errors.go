package event

import (
	"errors"
	"fmt"
)

// Sentinel kinds for event errors.
var (
	ErrValidation = errors.New("event validation failed")
)

// NewValidation wraps ErrValidation with a reason. Validation failures are
// rejected synchronously at the ingestion boundary and never enter the log.
func NewValidation(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}
