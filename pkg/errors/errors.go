// Package errors augments the standard errors with sentinel
// error values that can wrap a cause without resorting to
// fmt.Errorf("%w", err).
//
// Sentinels declared with New remain matchable with errors.Is
// after wrapping: Wrap returns a new value chained to both the
// sentinel and the cause.
package errors

import (
	stderr "errors"

	"go.uber.org/zap"
)

var _ error = New("")

// New creates a sentinel Error
func New(msg string) *Error {
	return &Error{msg: msg}
}

// Error is an error value with a message, an optional parent sentinel
// and an optional wrapped cause.
type Error struct {
	msg  string
	base *Error
	err  error
}

// Error message
func (e *Error) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

// Unwrap the nested cause
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Wrap a cause under this sentinel. The receiver is left untouched,
// so package-level sentinels may be wrapped concurrently.
func (e *Error) Wrap(err error) *Error {
	return &Error{msg: e.msg, base: e.root(), err: err}
}

// WrapWithLog wraps a cause and logs the wrapped error at error level
func (e *Error) WrapWithLog(l *zap.Logger, err error, fields ...zap.Field) *Error {
	w := e.Wrap(err)
	if l != nil {
		l.Error(e.msg, append(fields, zap.Error(err))...)
	}
	return w
}

// Is reports whether this error matches target, directly or through
// its parent sentinel.
func (e *Error) Is(target error) bool {
	return e == target || (e.base != nil && e.base == target)
}

func (e *Error) root() *Error {
	if e.base != nil {
		return e.base
	}
	return e
}

// As finds the first error in err's chain that matches target
// (a shortcut to standard lib errors.As)
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// Is reports whether any error in err's chain matches target
// (a shortcut to standard lib errors.Is)
func Is(err, target error) bool {
	return stderr.Is(err, target)
}
