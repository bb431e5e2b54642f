// Package errors defines the closed set of error kinds the engine surfaces to
// its callers, plus the CLI exit-code mapping.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the engine's error categories.
type Kind string

const (
	KindConfig     Kind = "config"
	KindSetup      Kind = "setup"
	KindNotFound   Kind = "not_found"
	KindBackend    Kind = "backend"
	KindValidation Kind = "validation"
	KindCancelled  Kind = "cancelled"
)

// Error is a categorized engine error. Component and Subject narrow the scope
// (e.g. component "blocking", subject "view persons_ngram").
type Error struct {
	Kind      Kind
	Component string
	Subject   string
	Message   string
	cause     error
}

func (e *Error) Error() string {
	parts := []string{}
	if e.Component != "" {
		parts = append(parts, e.Component)
	}
	if e.Subject != "" {
		parts = append(parts, fmt.Sprintf("'%s'", e.Subject))
	}
	msg := e.Message
	if e.cause != nil {
		if msg != "" {
			msg += ": " + e.cause.Error()
		} else {
			msg = e.cause.Error()
		}
	}
	if len(parts) == 0 {
		return msg
	}
	return strings.Join(parts, " ") + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AddComponent sets the owning component on the error.
func (e *Error) AddComponent(component string) *Error {
	e.Component = component
	return e
}

// AddSubject sets the offending subject (collection, view, record id).
func (e *Error) AddSubject(subject string) *Error {
	e.Subject = subject
	return e
}

// NewConfigError reports malformed configuration. Fatal before any work starts.
func NewConfigError(format string, args ...any) *Error {
	return newError(KindConfig, format, args...)
}

// NewSetupError reports index or view creation failure.
func NewSetupError(format string, args ...any) *Error {
	return newError(KindSetup, format, args...)
}

// NewNotFound reports a missing collection, view, or record.
func NewNotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// NewBackendError reports a failed store round-trip.
func NewBackendError(format string, args ...any) *Error {
	return newError(KindBackend, format, args...)
}

// NewValidationError reports an input item violating a structural invariant.
// The offending item is dropped and counted; the run continues.
func NewValidationError(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// NewCancelled reports explicit cancellation. Not an error per se, but it
// terminates the run.
func NewCancelled(format string, args ...any) *Error {
	return newError(KindCancelled, format, args...)
}

func newError(kind Kind, format string, args ...any) *Error {
	// Preserve a %w cause so errors.Is/As keep working through the kind.
	var cause error
	for i, arg := range args {
		if err, ok := arg.(error); ok && strings.Contains(format, "%w") {
			format = strings.Replace(format, "%w", "%v", 1)
			args[i] = err.Error()
			cause = err
			break
		}
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// KindOf returns the kind of an engine error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return KindOf(err) == KindConfig }

// IsSetup reports whether err is a setup error.
func IsSetup(err error) bool { return KindOf(err) == KindSetup }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsBackend reports whether err is a backend error.
func IsBackend(err error) bool { return KindOf(err) == KindBackend }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// CLI exit codes.
const (
	ExitOK        = 0
	ExitConfig    = 2
	ExitBackend   = 3
	ExitCancelled = 4
)

// ExitCode maps an error to the engine's CLI exit-code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfig, KindValidation:
		return ExitConfig
	case KindCancelled:
		return ExitCancelled
	default:
		return ExitBackend
	}
}

// Redact blanks every occurrence of the given secrets in msg. Used before any
// backend error (bulk loader stderr included) is logged or surfaced.
func Redact(msg string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, s, "****")
	}
	return msg
}
