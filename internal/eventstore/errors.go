package eventstore

import (
	"errors"
	"fmt"
)

// Sentinel kinds for event store errors.
var (
	// ErrConcurrencyConflict signals an optimistic version mismatch on
	// append. Callers must re-read the stream and retry; conflicts are
	// never merged silently.
	ErrConcurrencyConflict = errors.New("optimistic concurrency conflict")

	// ErrStreamNotFound signals a read against an unknown stream.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamClosed signals an append to a closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrSnapshotNotFound signals that no snapshot exists for a stream.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrEmptyAppend signals an append call without events.
	ErrEmptyAppend = errors.New("append requires at least one event")
)

// conflictError carries the version details of an optimistic conflict.
type conflictError struct {
	streamID string
	expected uint64
	actual   uint64
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("%v: stream %s expected version %d, actual %d",
		ErrConcurrencyConflict, e.streamID, e.expected, e.actual)
}

func (e *conflictError) Unwrap() error { return ErrConcurrencyConflict }

// NewConflict builds an optimistic conflict error with version context.
func NewConflict(streamID string, expected, actual uint64) error {
	return &conflictError{streamID: streamID, expected: expected, actual: actual}
}
