package driver

import (
	"errors"
	"fmt"
)

// Code is a native driver status code. Zero means success; the high byte is
// the error source (library or server), the rest identifies the error.
type Code uint32

const (
	sourceLib    = 1
	sourceServer = 2
)

func libCode(n uint32) Code    { return Code(sourceLib<<24 | n) }
func serverCode(n uint32) Code { return Code(sourceServer<<24 | n) }

const CodeOK Code = 0

var (
	CodeLibBadParams          = libCode(1)
	CodeLibRequestQueueFull   = libCode(7)
	CodeLibRequestTimedOut    = libCode(14)
	CodeLibCallbackAlreadySet = libCode(16)
	CodeLibShutdown           = libCode(23)
	CodeLibInternalError      = libCode(48)

	CodeServerError        = serverCode(0x0000)
	CodeServerUnavailable  = serverCode(0x1000)
	CodeServerOverloaded   = serverCode(0x1001)
	CodeServerWriteTimeout = serverCode(0x1100)
	CodeServerReadTimeout  = serverCode(0x1200)
	CodeServerInvalidQuery = serverCode(0x2200)
)

var codeDescs = map[Code]string{
	CodeOK:                    "Success",
	CodeLibBadParams:          "Bad parameters",
	CodeLibRequestQueueFull:   "The request queue is full",
	CodeLibRequestTimedOut:    "Request timed out",
	CodeLibCallbackAlreadySet: "Callback already set",
	CodeLibShutdown:           "Driver is shut down",
	CodeLibInternalError:      "Internal driver error",
	CodeServerError:           "Server error",
	CodeServerUnavailable:     "Unavailable",
	CodeServerOverloaded:      "Overloaded",
	CodeServerWriteTimeout:    "Write timeout",
	CodeServerReadTimeout:     "Read timeout",
	CodeServerInvalidQuery:    "Invalid query",
}

// Desc is the driver's textual description of the code.
func (c Code) Desc() string {
	if s, ok := codeDescs[c]; ok {
		return s
	}
	return fmt.Sprintf("Unknown error 0x%08x", uint32(c))
}

func (c Code) String() string {
	return c.Desc()
}

func (c Code) IsTimeout() bool {
	return c == CodeLibRequestTimedOut || c == CodeServerWriteTimeout || c == CodeServerReadTimeout
}

// DriverError is a failed native operation. Message is composed of the
// caller-supplied operation label and the driver's description.
type DriverError struct {
	Code    Code
	Message string
	Err     error
}

func (e *DriverError) Error() string {
	return e.Message
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is a DriverError with the given code.
func IsCode(err error, code Code) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Code == code
}

type codedError struct {
	code Code
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// WithCode marks an operation error with a specific native status code.
// Operations that return unmarked errors complete with CodeServerError, and
// a returned *DriverError keeps its own code.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code, err}
}

func statusOf(err error) (Code, string, error) {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code, ce.err.Error(), ce.err
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.Code, de.Message, de.Err
	}
	return CodeServerError, err.Error(), err
}
