// Package status defines the canonical error kinds surfaced by the
// controller. Every boundary operation returns one of these; nothing is
// raised out of band.
package status

import (
	"errors"
	"fmt"
)

type Code int

const (
	OK Code = iota
	Unavailable
	FailedPrecondition
	ResourceExhausted
	Internal
	InvalidArgument
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case Unavailable:
		return "unavailable"
	case FailedPrecondition:
		return "failed precondition"
	case ResourceExhausted:
		return "resource exhausted"
	case Internal:
		return "internal"
	case InvalidArgument:
		return "invalid argument"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error carries a Code alongside a message and an optional wrapped cause.
type Error struct {
	code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Code() Code { return e.code }

// Errorf builds an error of the given kind.
func Errorf(code Code, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrapf builds an error of the given kind around an underlying cause.
func Wrapf(code Code, err error, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...), err: err}
}

// CodeOf extracts the Code from err, walking the wrap chain. Errors that
// carry no code report Internal; nil reports OK.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
