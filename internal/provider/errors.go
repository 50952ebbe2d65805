package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// FailureClass decides failover behavior: transient failures advance to the
// next candidate, fatal ones stop the dispatch immediately.
type FailureClass int

const (
	ClassTransient FailureClass = iota
	ClassFatal
)

// ErrSchemaMismatch marks a structured-output contract violation.
var ErrSchemaMismatch = errors.New("response does not satisfy the requested schema")

// Error tags an upstream failure with its provider and class.
type Error struct {
	Provider string
	Class    FailureClass
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure for the given provider.
func Transient(provider string, err error) error {
	return &Error{Provider: provider, Class: ClassTransient, Err: err}
}

// Fatal wraps err as a non-retryable failure for the given provider.
func Fatal(provider string, err error) error {
	return &Error{Provider: provider, Class: ClassFatal, Err: err}
}

// FromStatus classifies a non-200 vendor response. Client-side request
// errors (malformed request, bad provider credentials, unknown model) are
// fatal; rate limits, timeouts and server errors are transient.
func FromStatus(provider string, status int, body []byte) error {
	err := fmt.Errorf("api error (status %d): %s", status, string(body))
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return Fatal(provider, err)
	default:
		return Transient(provider, err)
	}
}

// ClassOf reports the failure class of err. Unclassified errors (network
// failures, deadline expiry) are treated as transient.
func ClassOf(err error) FailureClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return ClassTransient
}

// IsFatal reports whether err should short-circuit failover.
func IsFatal(err error) bool {
	return ClassOf(err) == ClassFatal
}
