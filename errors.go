package callosum

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the gate configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClientNotStarted is returned when calling methods before Start()
	ErrClientNotStarted = errors.New("client not started")

	// ErrClientAlreadyStarted is returned when Start() is called twice
	ErrClientAlreadyStarted = errors.New("client already started")

	// ErrRemoteUnavailable is returned when the shared gate server cannot
	// be reached; the client falls back to its local store
	ErrRemoteUnavailable = errors.New("gate server unavailable")
)

// GateError represents an error with additional context
type GateError struct {
	Op         string         // Operation that failed
	Err        error          // Underlying error
	ContextKey string         // Context key if applicable
	Context    map[string]any // Additional context
}

// Error implements the error interface
func (e *GateError) Error() string {
	if e.ContextKey != "" {
		return fmt.Sprintf("%s (key=%s): %v", e.Op, e.ContextKey, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *GateError) Unwrap() error {
	return e.Err
}

// WithContext adds additional context to the error
func (e *GateError) WithContext(key string, value any) *GateError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewGateError creates a new GateError
func NewGateError(op string, err error) *GateError {
	return &GateError{Op: op, Err: err}
}

// NewGateErrorWithKey creates a new GateError with a context key
func NewGateErrorWithKey(op, contextKey string, err error) *GateError {
	return &GateError{Op: op, Err: err, ContextKey: contextKey}
}
