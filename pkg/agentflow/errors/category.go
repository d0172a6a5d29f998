// Package errors classifies failures from model providers and tools and
// retries the transient ones.
//
// The loop itself never retries a stream: a provider retries the act of
// opening a turn, and a tool registry may retry a flaky tool. Both decide
// with Categorize.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: rate limits, overloaded upstreams, timeouts.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: authentication failures, invalid configuration.
	CategoryPermanent

	// CategoryCorrectable indicates the model produced something invalid
	// and should be told so it can try again with different input.
	// Examples: malformed tool arguments, rejected requests.
	CategoryCorrectable
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryCorrectable:
		return "correctable"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// ErrorCategory returns e.Category.
func (e *CategorizedError) ErrorCategory() Category { return e.Category }

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Correctable creates an error the model can correct.
func Correctable(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryCorrectable, context)
}

// temporary is implemented by net errors and some SDK errors.
type temporary interface {
	Temporary() bool
}

// statusCategory maps provider HTTP statuses that are not decided by the
// 5xx rule. 529 is the "overloaded" status some model APIs return.
var statusCategory = map[int]Category{
	400: CategoryCorrectable,
	401: CategoryPermanent,
	403: CategoryPermanent,
	408: CategoryTransient,
	409: CategoryTransient,
	422: CategoryCorrectable,
	429: CategoryTransient,
	529: CategoryTransient,
}

// StatusCategory classifies an HTTP status code.
func StatusCategory(code int) Category {
	if c, ok := statusCategory[code]; ok {
		return c
	}
	if code >= 500 {
		return CategoryTransient
	}
	return CategoryPermanent
}

// Categorize determines how an error should be handled. The first
// Classified error in the chain decides, so an explicit CategorizedError
// wrapping a typed error wins. A caller-imposed deadline is final.
func Categorize(err error) Category {
	var (
		cls Classified
		tmp temporary
	)
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.As(err, &cls):
		return cls.ErrorCategory()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryPermanent
	case errors.As(err, &tmp) && tmp.Temporary():
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsCorrectable reports whether the model should be shown the error.
func IsCorrectable(err error) bool {
	return Categorize(err) == CategoryCorrectable
}
