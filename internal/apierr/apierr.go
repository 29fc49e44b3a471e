// Package apierr defines the typed error taxonomy shared by every service
// layer and mapped mechanically onto HTTP status codes by internal/api.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is one of the five RPC-visible error codes, or Internal for anything
// unanticipated.
type Code string

const (
	Unauthorized Code = "unauthorized"
	Forbidden    Code = "forbidden"
	NotFound     Code = "not_found"
	Conflict     Code = "conflict"
	RateLimited  Code = "rate_limited"
	Internal     Code = "internal"
)

// Status returns the HTTP status code for an RPC error code.
func (c Code) Status() int {
	switch c {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single typed error every service-layer call returns instead
// of raw sentinel errors or ad hoc strings. The HTTP layer maps it
// mechanically; nothing below that layer needs to know about status codes.
type Error struct {
	Code    Code
	Message string
	RetryAt *time.Time // only set for RateLimited
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewUnauthorized(message string) *Error { return New(Unauthorized, message) }
func NewForbidden(message string) *Error    { return New(Forbidden, message) }
func NewNotFound(message string) *Error     { return New(NotFound, message) }
func NewConflict(message string) *Error     { return New(Conflict, message) }
func NewInternal(message string) *Error     { return New(Internal, message) }

// NewRateLimited builds a rate_limited error carrying the retryAt hint
// callers should surface to the client.
func NewRateLimited(retryAt time.Time) *Error {
	return &Error{Code: RateLimited, Message: "rate limit exceeded", RetryAt: &retryAt}
}

// As extracts an *Error from err, wrapping unrecognized errors as Internal
// so every path through the service layer returns something mappable.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternal(err.Error())
}
