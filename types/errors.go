package types

import (
	"errors"
	"fmt"
)

// Code is the numeric result code carried across the transport boundary.
// Values are fixed so that callers in other processes and languages can
// interpret them without sharing this package.
type Code int

const (
	CodeOK             Code = 0
	CodeQueryError     Code = -5  // response could not be parsed
	CodeIOError        Code = -6  // network failure
	CodeExternalError  Code = -7  // unexpected failure
	CodeNotFound       Code = -9  // unknown session or domain
	CodeAccessDenied   Code = -10 // user refusal, throttle block, open failure
	CodeUnsupported    Code = -11 // no usable hypervisor
	CodeNotValidated   Code = -12 // keystore unusable or signature invalid
	CodeNotTrusted     Code = -13 // domain absent from the keystore
	CodePasswordDenied Code = -20 // credential mismatch on an existing session
	CodeUsageError     Code = -99 // malformed request or response
)

var codeNames = map[Code]string{
	CodeOK:             "ok",
	CodeQueryError:     "query error",
	CodeIOError:        "io error",
	CodeExternalError:  "external error",
	CodeNotFound:       "not found",
	CodeAccessDenied:   "access denied",
	CodeUnsupported:    "unsupported",
	CodeNotValidated:   "not validated",
	CodeNotTrusted:     "not trusted",
	CodePasswordDenied: "password denied",
	CodeUsageError:     "usage error",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is an error tagged with a protocol result code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// NewError returns an *Error without an underlying cause.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError returns an *Error wrapping err.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the result code from err.
// nil maps to CodeOK, untagged errors to CodeExternalError.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExternalError
}
