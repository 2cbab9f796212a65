package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies rejections so transports can pick a status code.
type Kind int

const (
	// Unauthorized means the credential is missing, invalid or revoked.
	Unauthorized Kind = iota + 1
	// Forbidden means the identity lacks a scope or does not own a resource.
	Forbidden
	// Validation means the stream request is malformed.
	Validation
	// Unavailable means a backing store could not answer.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case Validation:
		return "validation"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a client-facing rejection. Message is safe to send to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status is the HTTP status code used for e. Forbidden and Validation share
// 404 so clients cannot probe for resources they cannot see.
func (e *Error) Status() int {
	switch e.Kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden, Validation:
		return http.StatusNotFound
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds an *Error of kind with message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf returns the Kind carried by err, or zero when err is not an *Error.
func KindOf(err error) Kind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return 0
}

// AsError returns err as an *Error, wrapping unknown errors as Unavailable.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return &Error{Kind: Unavailable, Message: "An unexpected error occurred", Err: err}
}
