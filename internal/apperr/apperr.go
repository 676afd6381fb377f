// Package apperr defines the error-kind taxonomy shared across patrolwire's
// components and the HTTP status each kind maps to.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error taxonomy members from the service's error
// handling design. It is never swallowed; it is either handled at a
// boundary or logged.
type Kind string

const (
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	Validation   Kind = "validation_error"
	RateLimited  Kind = "rate_limited"
	Transient    Kind = "transient"
	Fatal        Kind = "fatal"
)

// Error wraps an underlying cause with a taxonomy kind and a human-readable
// detail string safe to show to a caller.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a new tagged error.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap tags an existing error with a kind, preserving it for errors.Is/As.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// KindOf extracts the taxonomy kind from err, defaulting to Fatal when err
// does not carry one (an unclassified error reaching a boundary is itself
// a bug worth surfacing loudly).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// HTTPStatus maps a taxonomy kind to the HTTP status code used at API
// boundaries.
func HTTPStatus(k Kind) int {
	switch k {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Validation:
		return http.StatusUnprocessableEntity
	case RateLimited:
		return http.StatusTooManyRequests
	case Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Detail returns a caller-safe message for err, falling back to a generic
// message for unclassified errors so internals never leak to a client.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return "internal error"
}
