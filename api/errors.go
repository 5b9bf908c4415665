// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-rtp.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrClosed            = errors.New("resource is closed")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrPoolExhausted     = errors.New("buffer pool exhausted")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotSupported      = errors.New("operation not supported")
	ErrNotRegistered     = errors.New("descriptor not registered")

	// ErrWouldBlock is returned by socket helpers when the kernel reported
	// EAGAIN and interest has been re-armed. It is flow control, not failure.
	ErrWouldBlock = errors.New("operation would block")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeNotSupported
	ErrCodeNotFound
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap attaches a cause to the error.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
