// Package errs defines the runtime's error taxonomy. Every failure that crosses a
// component boundary carries a Kind so the request layer can map it to a response.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindExpired             Kind = "expired"
	KindForbidden           Kind = "forbidden"
	KindNotAllowed          Kind = "operation_not_allowed"
	KindCapacityUnavailable Kind = "capacity_unavailable"
	KindPolicyViolation     Kind = "policy_violation"
	KindStorageIO           Kind = "storage_io"
	KindInvalidArgument     Kind = "invalid_argument"
	KindStaleReference      Kind = "stale_reference"
	KindInternal            Kind = "internal"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrNotAllowed          = &Error{Kind: KindNotAllowed}
	ErrCapacityUnavailable = &Error{Kind: KindCapacityUnavailable}
	ErrPolicyViolation     = &Error{Kind: KindPolicyViolation}
	ErrStorageIO           = &Error{Kind: KindStorageIO}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrStaleReference      = &Error{Kind: KindStaleReference}
)

// Error is a classified runtime error.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...interface{}) *Error {
	return New(KindNotFound, op, format, args...)
}

func Expired(op, format string, args ...interface{}) *Error {
	return New(KindExpired, op, format, args...)
}

func Forbidden(op, format string, args ...interface{}) *Error {
	return New(KindForbidden, op, format, args...)
}

func NotAllowed(op, format string, args ...interface{}) *Error {
	return New(KindNotAllowed, op, format, args...)
}

func Policy(op, format string, args ...interface{}) *Error {
	return New(KindPolicyViolation, op, format, args...)
}

func Invalid(op, format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, op, format, args...)
}

// Capacity is always retryable.
func Capacity(op, format string, args ...interface{}) *Error {
	e := New(KindCapacityUnavailable, op, format, args...)
	e.Retryable = true
	return e
}

func StorageIO(op string, err error) *Error {
	return Wrap(KindStorageIO, op, err)
}

// StaleRef is returned when a @ref is not in the current reference table.
func StaleRef(ref string) *Error {
	return New(KindStaleReference, "resolve", "ref %q not found - take a new snapshot to refresh references", ref)
}

// KindOf returns the kind of err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
