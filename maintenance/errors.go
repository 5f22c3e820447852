package maintenance

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called on a running sweeper.
	ErrAlreadyStarted = errors.New("sweeper already started")

	// ErrNotStarted is returned when Stop is called on a stopped sweeper.
	ErrNotStarted = errors.New("sweeper not started")
)
