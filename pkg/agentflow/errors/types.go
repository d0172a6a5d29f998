package errors

import (
	"fmt"
	"time"
)

// Classified is implemented by errors that know their own category.
// Categorize uses the first one found in the chain.
type Classified interface {
	error
	ErrorCategory() Category
}

var (
	_ Classified = (*CategorizedError)(nil)
	_ Classified = (*HTTPError)(nil)
	_ Classified = (*ArgumentError)(nil)
	_ Classified = (*TimeoutError)(nil)
)

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *HTTPError) Error() string {
	where := ""
	if e.Endpoint != "" {
		where = " at " + e.Endpoint
	}
	return fmt.Sprintf("HTTP %d%s: %s", e.StatusCode, where, e.Message)
}

// ErrorCategory classifies by status code.
func (e *HTTPError) ErrorCategory() Category { return StatusCategory(e.StatusCode) }

// ArgumentError reports tool arguments the tool cannot use. The model is
// shown the message and may call again.
type ArgumentError struct {
	Tool    string
	Message string
}

func (e *ArgumentError) Error() string {
	if e.Tool == "" {
		return "invalid arguments: " + e.Message
	}
	return "invalid arguments for " + e.Tool + ": " + e.Message
}

// ErrorCategory is always CategoryCorrectable.
func (e *ArgumentError) ErrorCategory() Category { return CategoryCorrectable }

// TimeoutError is an operation that ran past its own time limit. A
// deadline on the caller's context is not a TimeoutError.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// ErrorCategory is always CategoryTransient.
func (e *TimeoutError) ErrorCategory() Category { return CategoryTransient }
