package printer

import (
	"errors"
	"strings"
)

// Code classifies failures so callers can branch on them
type Code string

const (
	CodeUnsupportedInterface Code = "UnsupportedInterface"
	CodeAlreadyConnected     Code = "AlreadyConnected"
	CodeConnectTimeout       Code = "ConnectTimeout"
	CodeTransportError       Code = "TransportError"
	CodeNotConnected         Code = "NotConnected"
	CodeImageTooWide         Code = "ImageTooWide"
	CodeFaultStatus          Code = "FaultStatus"
	CodeInvalidDevice        Code = "InvalidDevice"
	CodeInvalidArgument      Code = "InvalidArgument"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrUnsupportedInterface = &Error{Code: CodeUnsupportedInterface}
	ErrAlreadyConnected     = &Error{Code: CodeAlreadyConnected}
	ErrConnectTimeout       = &Error{Code: CodeConnectTimeout}
	ErrTransport            = &Error{Code: CodeTransportError}
	ErrNotConnected         = &Error{Code: CodeNotConnected}
	ErrImageTooWide         = &Error{Code: CodeImageTooWide}
	ErrFaultStatus          = &Error{Code: CodeFaultStatus}
	ErrInvalidDevice        = &Error{Code: CodeInvalidDevice}
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument}
)

// Error is the error type returned by every printer operation
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error

	// Status is set for CodeFaultStatus
	Status Status
}

// NewError creates an error with the given code
func NewError(code Code, op, msg string, err error) *Error {
	return &Error{Code: code, Op: op, Msg: msg, Err: err}
}

// Fault creates a CodeFaultStatus error for a device status
func Fault(op string, status Status) *Error {
	return &Error{Code: CodeFaultStatus, Op: op, Msg: "device reports " + string(status), Status: status}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsTransportError wraps err as a CodeTransportError unless it already carries a code
func AsTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return NewError(CodeTransportError, op, "", err)
}
