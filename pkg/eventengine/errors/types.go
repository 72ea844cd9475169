package errors

import (
	"fmt"
	"time"
)

// ValidationError indicates an event or value that failed construction checks.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// DeliveryTimeoutError indicates a block-policy subscriber did not accept an
// event within its timeout. The bus never retries it.
type DeliveryTimeoutError struct {
	Subscription string
	EventID      string
	Timeout      time.Duration
}

// Error implements the error interface.
func (e *DeliveryTimeoutError) Error() string {
	return fmt.Sprintf("delivery of event %s to subscription %s timed out after %s",
		e.EventID, e.Subscription, e.Timeout)
}

// PersistenceError wraps a storage backend failure.
type PersistenceError struct {
	Op      string
	EventID string
	Err     error

	// Permanent marks failures that retrying cannot fix.
	Permanent bool
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("persistence %s failed for event %s: %v", e.Op, e.EventID, e.Err)
	}
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the backend error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RuleConfigError indicates a malformed filter or correlation rule.
type RuleConfigError struct {
	RuleID  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RuleConfigError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.RuleID != "" {
		return fmt.Sprintf("rule %q: %s", e.RuleID, msg)
	}
	return "rule config: " + msg
}

// Unwrap returns the underlying cause, if any.
func (e *RuleConfigError) Unwrap() error {
	return e.Err
}
