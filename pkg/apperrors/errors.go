// Package apperrors defines the platform-wide error classification. Errors
// are classified and propagated by kind, not by concrete type: callers branch
// on Kind(err) and the HTTP layer maps kinds to status codes.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an error for propagation and surface mapping
type ErrorKind string

// The authoritative set of error kinds
const (
	KindValidation         ErrorKind = "validation"
	KindAuthentication     ErrorKind = "authentication"
	KindAuthorization      ErrorKind = "authorization"
	KindRateLimited        ErrorKind = "rate_limited"
	KindNotFound           ErrorKind = "not_found"
	KindConflict           ErrorKind = "conflict"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindInternal           ErrorKind = "internal"
)

// FieldError carries a field-level diagnostic for validation failures
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the platform error type. Message is safe to surface to callers;
// the wrapped cause is not.
type Error struct {
	Kind      ErrorKind    `json:"kind"`
	Message   string       `json:"message"`
	Fields    []FieldError `json:"fields,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	cause     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(parts, "; "))
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithField appends a field-level diagnostic
func (e *Error) WithField(field, message string) *Error {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

// New creates an error of the given kind
func New(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Authentication creates an authentication error. The message is opaque on
// purpose: callers must not be able to distinguish unknown user from bad
// password.
func Authentication(message string) *Error {
	return New(KindAuthentication, message)
}

// Authorization creates an authorization error
func Authorization(message string) *Error {
	return New(KindAuthorization, message)
}

// RateLimited creates a rate-limited error
func RateLimited(message string) *Error {
	return &Error{Kind: KindRateLimited, Message: message, Retryable: true}
}

// NotFound creates a not-found error
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Conflict creates a conflict error
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// ServiceUnavailable creates a retryable infrastructure error
func ServiceUnavailable(message string) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: message, Retryable: true}
}

// Internal creates an internal error
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// Kind reports the classification of err, unwrapping as needed. Errors that
// never passed through this package report KindInternal.
func Kind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && Kind(err) == kind
}

// IsRetryable reports whether err carries a retryable hint
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
