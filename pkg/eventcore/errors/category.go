// Package errors provides error classification and retry-with-backoff
// handling for the event core.
//
// The package implements a layered error handling approach:
//   - Categorization: classify errors as transient, client, or permanent
//   - Retry: handle transient failures with exponential backoff and jitter
//
// Categories drive both the retry handler (whether another attempt can
// help) and the circuit breaker (whether a failure counts toward the
// open threshold).
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: rate limits, timeouts, temporary network issues, 5xx.
	CategoryTransient Category = iota

	// CategoryClient indicates the caller made a mistake.
	// Examples: 400/401/403/404. Retry won't help and the failure does
	// not count against the remote service's reliability.
	CategoryClient

	// CategoryPermanent indicates retry won't help and the error is not
	// the caller's fault. Unknown errors land here (fail safe).
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryClient:
		return "client"
	case CategoryPermanent:
		return "permanent"
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

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient creates a transient categorized error.
func Transient(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: context}
}

// Client creates a client categorized error.
func Client(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryClient, Context: context}
}

// Permanent creates a permanent categorized error.
func Permanent(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: context}
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	// Already-categorized errors keep their category.
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 429, 503, 504:
			return CategoryTransient
		case 400, 401, 403, 404:
			return CategoryClient
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient // server errors are often transient
			}
			return CategoryPermanent
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryClient
	}

	// Unknown errors are permanent (fail safe).
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsClientError reports whether the error was the caller's mistake.
// Client errors never count toward circuit breaker failure thresholds.
func IsClientError(err error) bool {
	return Categorize(err) == CategoryClient
}
