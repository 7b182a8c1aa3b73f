// Package errs defines the engine's error taxonomy (spec §7).
package errs

import (
	"errors"
	"fmt"
)

// Kind discriminates the taxonomy of errors the engine can surface to
// a caller synchronously. Internal-only failures (ActionFailed,
// CascadeDepthExceeded, Timeout, StorageError) are captured as audit
// entries instead of returned from Emit/SetFact — see internal/audit.
type Kind string

const (
	InvalidArgument      Kind = "invalid_argument"
	Conflict             Kind = "conflict"
	NotFound             Kind = "not_found"
	ValidationError      Kind = "validation_error"
	ActionFailed         Kind = "action_failed"
	CascadeDepthExceeded Kind = "cascade_depth_exceeded"
	Timeout              Kind = "timeout"
	StorageError         Kind = "storage_error"
)

// Error is the engine's typed error value. Wrap with fmt.Errorf("%w")
// or inspect via errors.As to recover Kind.
type Error struct {
	Kind    Kind
	Message string
	Issues  []string // populated for ValidationError
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(SomeKind, "")) to match by Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds a typed Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a typed Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed Error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithIssues builds a typed Error carrying a validation issue list.
func WithIssues(kind Kind, message string, issues []string) *Error {
	return &Error{Kind: kind, Message: message, Issues: issues}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, returning ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
