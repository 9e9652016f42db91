package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies adapter errors so callers can decide what to do without
// parsing backend messages.
type Kind string

const (
	// KindNotFound means the referenced VM, disk or drive does not exist.
	KindNotFound Kind = "NotFound"

	// KindAlreadyExists means an object of that name exists and is not
	// usable as-is.
	KindAlreadyExists Kind = "AlreadyExists"

	// KindConflict means an object exists but differs from the request, or
	// another in-flight run holds the same name.
	KindConflict Kind = "Conflict"

	// KindInvalidParameter means the backend rejected a parameter.
	KindInvalidParameter Kind = "InvalidParameter"

	// KindBackendUnavailable means the management interface could not be
	// reached or timed out. Callers may retry the whole run.
	KindBackendUnavailable Kind = "BackendUnavailable"
)

// Sentinel errors usable with errors.Is.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrInvalidParameter   = &Error{Kind: KindInvalidParameter}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
)

// Error is a classified adapter error.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Op is the adapter operation, e.g. "create-vm".
	Op string

	// Resource names the VM, disk or image involved.
	Resource string

	// Err is the underlying backend error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Resource != "" {
		msg += fmt.Sprintf(" %q", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so errors.Is(err, ErrConflict)
// works for every conflict regardless of operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified error.
func NewError(kind Kind, op, resource string, err error) *Error {
	return &Error{Kind: kind, Op: op, Resource: resource, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, op, resource, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Resource: resource, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or "" when err is not a
// provider error. Deadline and cancellation errors classify as
// KindBackendUnavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindBackendUnavailable
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
