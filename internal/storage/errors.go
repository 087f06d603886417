package storage

import "errors"

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrOrderNotFound is returned when no order row matches the lookup key.
	ErrOrderNotFound = errors.New("order not found")
	// ErrIntentNotFound is returned when no intent row matches the lookup key.
	ErrIntentNotFound = errors.New("intent not found")
	// ErrNoPendingIntent is returned by ClaimNextIntent when the queue holds
	// no PENDING row for the requested types.
	ErrNoPendingIntent = errors.New("no pending intent")
	// ErrAlreadyTerminal is returned when a status update targets a row that
	// already reached EXECUTED or FAILED.
	ErrAlreadyTerminal = errors.New("order already terminal")
	// ErrInvalidTransition is returned when a status update does not follow an
	// allowed edge of the order state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStateNotFound is returned by LoadState for an absent key.
	ErrStateNotFound = errors.New("state key not found")
)
