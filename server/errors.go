package server

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("server not started")
)
