package errors

import "errors"

var (
	// ErrInvalidDuration is returned when a duration string cannot be parsed.
	ErrInvalidDuration = errors.New("perish: invalid duration")
	// ErrCallbackPanicked wraps a panic recovered from a loop callback.
	ErrCallbackPanicked = errors.New("perish: loop callback panicked")
	// ErrNilCallback is returned when a loop is created without a callback.
	ErrNilCallback = errors.New("perish: nil loop callback")
)
