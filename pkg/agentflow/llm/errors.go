package llm

import (
	"errors"
	"fmt"
)

// ErrNoProvider indicates a node was run without a model-turn provider.
var ErrNoProvider = errors.New("LLM provider not configured")

// Error wraps a provider failure with the operation that produced it.
type Error struct {
	Op        string
	Err       error
	Retryable bool
}

// NewError creates a provider error.
func NewError(op string, err error, retryable bool) *Error {
	return &Error{Op: op, Err: err, Retryable: retryable}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}
