// Package errors provides the engine's error taxonomy, categorization, and
// retry with exponential backoff.
//
// Errors fall into two handling categories:
//   - Transient: retrying may help (storage hiccups, delivery timeouts)
//   - Permanent: retrying will not help (invalid events, bad rules)
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
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError is what WithRetryContext returns once it gives up.
type CategorizedError struct {
	Err      error
	Category Category

	// Retries is the number of attempts made.
	Retries int

	// Context names the operation or the reason retrying stopped.
	Context string
}

func (e *CategorizedError) Error() string {
	msg := fmt.Sprintf("%s (category: %s, attempts: %d)", e.Err, e.Category, e.Retries)
	if e.Context == "" {
		return msg
	}
	return e.Context + ": " + msg
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Categorize decides whether retrying err could help. Store failures and
// delivery timeouts are transient; cancellation, invalid input and anything
// unrecognized are permanent.
func Categorize(err error) Category {
	var (
		catErr     *CategorizedError
		persistErr *PersistenceError
		timeoutErr *DeliveryTimeoutError
	)
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.As(err, &catErr):
		return catErr.Category
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryPermanent
	case errors.As(err, &persistErr):
		if persistErr.Permanent {
			return CategoryPermanent
		}
		return CategoryTransient
	case errors.As(err, &timeoutErr):
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// IsRetryable reports whether Categorize finds err transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
