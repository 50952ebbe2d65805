package gateway

import (
	"errors"
	"fmt"
)

// Code tags every terminal outcome a caller can receive. Raw vendor error
// shapes never cross this boundary.
type Code string

const (
	CodeAuth           Code = "auth_error"
	CodeRateLimited    Code = "rate_limited"
	CodeNoProvider     Code = "no_provider_available"
	CodeSchemaMismatch Code = "schema_mismatch"
	CodeTimeout        Code = "timeout"
	CodeInternal       Code = "internal_error"
)

// Attempt records why one candidate failed, for caller diagnostics.
type Attempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Reason   string `json:"reason"`
}

// Error is the taxonomy error returned by Generate.
type Error struct {
	Code     Code      `json:"code"`
	Message  string    `json:"message"`
	Attempts []Attempt `json:"attempts,omitempty"`
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// AsError unwraps err into a taxonomy error, defaulting unclassified
// failures to CodeInternal.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return newError(CodeInternal, "unexpected error", err)
}
