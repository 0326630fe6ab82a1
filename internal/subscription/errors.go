package subscription

import "errors"

// Sentinel kinds for subscription errors.
var (
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrMonotonicAdvance    = errors.New("subscription position may only move forward")
)
