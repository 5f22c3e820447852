package storage

import "errors"

var (
	// ErrPersistence wraps journal, lock-table, and context-record I/O
	// failures. The decision procedure treats these as fatal for the
	// current call.
	ErrPersistence = errors.New("persistence failure")

	// ErrStateLocked is returned when the cross-process guard on the
	// state directory cannot be acquired within the configured wait.
	ErrStateLocked = errors.New("state directory locked by another process")
)
