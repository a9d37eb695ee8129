package plistservice

import (
	"errors"
	"fmt"
)

// Code is the error domain reported by a property list service session.
type Code int

const (
	Success        Code = 0
	InvalidArg     Code = -1
	PlistError     Code = -2
	MuxError       Code = -3
	SSLError       Code = -4
	ReceiveTimeout Code = -5
	NotEnoughData  Code = -6
	UnknownError   Code = -256
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidArg:
		return "invalid argument"
	case PlistError:
		return "plist error"
	case MuxError:
		return "mux error"
	case SSLError:
		return "ssl error"
	case ReceiveTimeout:
		return "receive timeout"
	case NotEnoughData:
		return "not enough data"
	case UnknownError:
		return "unknown error"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error carries a Code together with the underlying cause, if any.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "plistservice: " + e.Code.String()
	}
	return fmt.Sprintf("plistservice: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf reports the Code carried by err. A nil error is Success and an
// error from outside this package is UnknownError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return UnknownError
}

var (
	errNilMessage     = errors.New("message is nil")
	errClosed         = errors.New("session is closed")
	errEmptyMessage   = errors.New("zero-length message")
	errMessageTooLong = errors.New("message exceeds maximum size")
	errAlreadySecure  = errors.New("ssl already enabled")
)
