package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a request failure. The kind, not the error text,
// decides the HTTP status and the retry policy.
type ErrorKind int

const (
	// Internal is the zero value so unclassified errors default to 500.
	Internal ErrorKind = iota
	BadRequest
	NotFound
	Conflict
	Throttled
	Unauthorized
	Forbidden
	UpstreamTransient
	UpstreamPermanent
	Timeout
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Throttled:
		return "throttled"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case UpstreamTransient:
		return "upstream_transient"
	case UpstreamPermanent:
		return "upstream_permanent"
	case Timeout:
		return "timeout"
	}
	return "internal"
}

// HTTPStatus maps an ErrorKind to the status code served to clients.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Throttled:
		return http.StatusTooManyRequests
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case UpstreamTransient, UpstreamPermanent:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Error is a classified error. RetryAfter is only set for Throttled.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/As on the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Errf returns a new classified error.
func Errf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapErr classifies an existing error.
func WrapErr(kind ErrorKind, err error, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
	}
}

// ThrottledErr returns a Throttled error carrying a Retry-After hint.
func ThrottledErr(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       Throttled,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the ErrorKind from any error. Deadline expiry counts as
// Timeout, everything unclassified is Internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// RetryAfterOf returns the Retry-After hint of a Throttled error, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
