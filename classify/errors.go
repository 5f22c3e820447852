package classify

import "errors"

var (
	// ErrInvalidTier is returned when a rule's tier is outside 0-4.
	ErrInvalidTier = errors.New("tier out of range")

	// ErrInvalidPattern is returned when a commandPattern does not compile.
	ErrInvalidPattern = errors.New("invalid command pattern")

	// ErrUnnamedRule is returned when a rule has no name.
	ErrUnnamedRule = errors.New("rule has no name")

	// ErrAlreadyStarted is returned when Start is called on a running watcher.
	ErrAlreadyStarted = errors.New("watcher already started")

	// ErrNotStarted is returned when Stop is called on a stopped watcher.
	ErrNotStarted = errors.New("watcher not started")
)
