package leadership

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called on a running elector.
	ErrAlreadyStarted = errors.New("elector already started")

	// ErrNotStarted is returned when Stop is called on a stopped elector.
	ErrNotStarted = errors.New("elector not started")
)
