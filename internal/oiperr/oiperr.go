// Package oiperr implements the error taxonomy from spec.md §7: a small
// set of sentinel kinds the rest of the system wraps concrete errors in,
// so callers can branch with errors.Is/errors.As instead of string
// matching. Mirrors the teacher's use of google.golang.org/grpc/status +
// codes for structured errors, adapted to a non-gRPC surface.
package oiperr

import (
	"errors"
	"fmt"
)

// Kind is one taxonomy entry from spec.md §7.
type Kind string

const (
	BadRequest       Kind = "bad_request"
	InvalidSignature Kind = "invalid_signature"
	UnknownTemplate  Kind = "unknown_template"
	TypeMismatch     Kind = "type_mismatch"
	UnknownField     Kind = "unknown_field"
	TransientIO      Kind = "transient_io"
	AccessDenied     Kind = "access_denied"
	MemoryPressure   Kind = "memory_pressure"
	Fatal            Kind = "fatal"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind    Kind
	Op      string // component/operation that raised it, e.g. "codec.compress"
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a sentinel-typed error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a sentinel-typed error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err isn't a tagged Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the taxonomy kind is recoverable by retrying
// inside the component that raised it (§7 propagation policy).
func Retryable(err error) bool {
	return KindOf(err) == TransientIO
}
