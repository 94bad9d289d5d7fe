// Package errors provides a unified interface for error handling,
// combining stdlib errors with pkg/errors for stack trace support, and
// the error kinds the controller distinguishes.
package errors

import (
	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// Error kinds. Wrap one of these to classify a failure; use KindOf to recover it.
var (
	ErrConfig             = stderrors.New("configuration error")
	ErrHardware           = stderrors.New("hardware error")
	ErrTimeout            = stderrors.New("timeout")
	ErrValidation         = stderrors.New("validation error")
	ErrUpload             = stderrors.New("upload error")
	ErrStateInconsistency = stderrors.New("state inconsistency")

	ErrUnknownPin    = stderrors.New("unknown pin")
	ErrCameraBusy    = stderrors.New("camera busy")
	ErrNoAudioDevice = stderrors.New("no matching audio device")
)

var kinds = []error{
	ErrConfig,
	ErrHardware,
	ErrTimeout,
	ErrValidation,
	ErrUpload,
	ErrStateInconsistency,
}

// KindOf returns the first error kind found in err's tree, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if stderrors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Mark wraps err so that it matches kind with Is, keeping err's message.
func Mark(err, kind error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, kind: kind}
}

type marked struct {
	cause error
	kind  error
}

func (m *marked) Error() string { return m.cause.Error() }

func (m *marked) Unwrap() []error { return []error{m.cause, m.kind} }

// New returns an error that formats as the given text.
func New(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// Wrap returns an error annotating err with a stack trace and the supplied message.
func Wrap(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

// Wrapf returns an error annotating err with a stack trace and the format specifier.
func Wrapf(err error, format string, args ...any) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// WithStack annotates err with a stack trace at the point WithStack was called.
func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

// WithMessage annotates err with a new message.
func WithMessage(err error, message string) error {
	return pkgerrors.WithMessage(err, message)
}

// Errorf formats according to a format specifier and returns the string as a
// value that satisfies error with stack trace.
func Errorf(format string, args ...any) error {
	return pkgerrors.Errorf(format, args...)
}

// Cause returns the underlying cause of the error, if possible.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}
