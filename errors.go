package aiocore

import (
	"errors"
	"fmt"
)

// ErrorCode is a closed taxonomy: each kind is distinct, never a value
// shoehorned into a broader "generic failure" enum.
type ErrorCode string

const (
	CodeNoMemory     ErrorCode = "no_memory"
	CodeInvalidParam ErrorCode = "invalid_param"
	CodeBusy         ErrorCode = "busy"
	CodeNoDevice     ErrorCode = "no_device"
	CodeAccess       ErrorCode = "access"
	CodeIO           ErrorCode = "io"
	CodeNotSupported ErrorCode = "not_supported"
)

// Error is the structured error type for this package's synchronous
// failures. Not every error is one: waits return ctx.Err() on
// cancellation, and Event.Destroy, Timer.Destroy and a failed poll(2)
// return the raw OS error. Completion-time failures are never returned
// this way — they're carried on Transfer.Status (see transfer.go) instead.
type Error struct {
	Op    string    // operation that failed, e.g. "submit_transfer"
	Code  ErrorCode // high-level category
	Msg   string    // human-readable detail
	Inner error     // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("aiocore: %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("aiocore: %s: %s: %s", e.Op, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is lets errors.Is match against a bare ErrorCode wrapped in an *Error, so
// callers can write errors.Is(err, aiocore.CodeBusy)-shaped checks via
// IsCode below, and also lets two *Error values compare by Code.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// newError constructs an *Error with no wrapped cause.
func newError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// wrapError wraps inner under op, preserving inner's Code if it is already
// an *Error, else classifying it as code.
func wrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ie.Code, Msg: ie.Msg, Inner: ie}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// NewError constructs an *Error, for use by backend adapters (a separate
// package) that need to report a synchronous failure in the same taxonomy
// the core uses.
func NewError(op string, code ErrorCode, msg string) *Error {
	return newError(op, code, msg)
}

// WrapError wraps inner under op for a backend adapter, preserving inner's
// Code if it is already an *Error.
func WrapError(op string, code ErrorCode, inner error) *Error {
	return wrapError(op, code, inner)
}

// IsCode reports whether err is an *Error (possibly wrapped) of code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
