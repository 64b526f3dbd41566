package common

import (
	"errors"
	"fmt"
)

// ErrConfiguration is returned when a component is constructed with invalid options.
type ErrConfiguration struct {
	Field   string
	Message string
}

func (e ErrConfiguration) Error() string {
	return fmt.Sprintf("[%s] %s", e.Field, e.Message)
}

// ErrDecode is returned when an update or cursor payload cannot be decoded.
type ErrDecode struct {
	Kind string
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to decode %s", e.Kind)
	}
	return fmt.Sprintf("failed to decode %s: %v", e.Kind, e.Err)
}

func (e ErrDecode) Unwrap() error {
	return e.Err
}

// ErrInvalidOperation is returned when an edit is invalid for the current document state.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// ErrReadOnly is returned when a local edit is attempted while the session is not writable.
var ErrReadOnly = errors.New("session is read-only")

// ErrClosed is returned when a component is used after it has been destroyed.
var ErrClosed = errors.New("already destroyed")

// IsDecodeError reports whether err is, or wraps, an ErrDecode.
func IsDecodeError(err error) bool {
	var target ErrDecode
	return errors.As(err, &target)
}

// IsConfigurationError reports whether err is, or wraps, an ErrConfiguration.
func IsConfigurationError(err error) bool {
	var target ErrConfiguration
	return errors.As(err, &target)
}
