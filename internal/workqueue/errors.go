package workqueue

import "errors"

var (
	// ErrItemNotFound is returned when an item ID does not exist.
	ErrItemNotFound = errors.New("work item not found")
	// ErrItemTerminal is returned when mutating a completed or dismissed item.
	ErrItemTerminal = errors.New("work item is in a terminal state")
	// ErrInvalidLevel is returned for an unknown priority level.
	ErrInvalidLevel = errors.New("invalid priority level")
)
