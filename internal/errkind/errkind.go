// Package errkind classifies the failures a job can end with. Every error that
// reaches the job handler boundary carries a Kind so it can be logged and reported
// uniformly.
package errkind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an error.
type Kind string

const (
	KindInternal         Kind = "INTERNAL"
	KindInputValidation  Kind = "INPUT_VALIDATION"
	KindResourceNotFound Kind = "RESOURCE_NOT_FOUND"
	KindConnection       Kind = "CONNECTION"
	KindExecution        Kind = "EXECUTION"
	KindConfiguration    Kind = "CONFIGURATION"
	KindTimeout          Kind = "TIMEOUT"
	KindModelUnavailable Kind = "MODEL_UNAVAILABLE"
)

// Error is a kind-coded error with the operation that produced it.
type Error struct {
	// Kind is the failure category.
	Kind Kind
	// Op is the operation that failed (e.g. "session.submit").
	Op string
	// Message is the human readable message reported to the caller.
	Message string
	// Err is the underlying error, if any.
	Err error
	// Field names the offending input field for validation errors.
	Field string
}

// Error implements the error interface. The op and kind are left out so the text
// can be returned to job submitters as is.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op string, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and message. A nil err yields nil.
func Wrap(err error, kind Kind, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Invalid creates an input validation error for field.
func Invalid(field string, format string, args ...any) *Error {
	return &Error{
		Kind:    KindInputValidation,
		Op:      "validate",
		Message: fmt.Sprintf(format, args...),
		Field:   field,
	}
}

// KindOf returns the Kind of err, or KindInternal for errors without one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// OpOf returns the operation recorded on err, if any.
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// FieldOf returns the input field recorded on err, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
