package power

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/idevicepower/pkg/plistservice"
)

// ErrorCode is the closed set of results a Client operation can report.
type ErrorCode int

const (
	Success         ErrorCode = 0
	InvalidArgument ErrorCode = -1
	PlistError      ErrorCode = -2
	MuxError        ErrorCode = -3
	SslError        ErrorCode = -4
	NotEnoughData   ErrorCode = -5
	Timeout         ErrorCode = -6
	UnknownError    ErrorCode = -256
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidArgument:
		return "invalid argument"
	case PlistError:
		return "plist error"
	case MuxError:
		return "mux error"
	case SslError:
		return "ssl error"
	case NotEnoughData:
		return "not enough data"
	case Timeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// Error is returned by every failing Client operation.
type Error struct {
	Code ErrorCode
	Op   string // "new", "free", "send" or "receive"
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("power: %s: %s (%d)", e.Op, e.Code, int(e.Code))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code alone, so callers can write
// errors.Is(err, power.ErrTimeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Code == e.Code
}

// Comparison targets for errors.Is.
var (
	ErrInvalidArgument = &Error{Code: InvalidArgument}
	ErrPlist           = &Error{Code: PlistError}
	ErrMux             = &Error{Code: MuxError}
	ErrSSL             = &Error{Code: SslError}
	ErrNotEnoughData   = &Error{Code: NotEnoughData}
	ErrTimeout         = &Error{Code: Timeout}
	ErrUnknown         = &Error{Code: UnknownError}
)

var (
	errNilSession  = errors.New("session is nil")
	errNilClient   = errors.New("client is nil")
	errNilDocument = errors.New("document is nil")
	errFreed       = errors.New("client already freed")
	errNoDocument  = errors.New("session returned no document")
	errBadTimeout  = errors.New("timeout must be positive")
)

// CodeOf reports the ErrorCode carried by err. A nil error is Success and
// any error not produced by this package is UnknownError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return UnknownError
}

// IsTimeout reports whether err is a bounded-wait expiry. A timed-out
// receive may be retried; a PlistError may not.
func IsTimeout(err error) bool {
	return CodeOf(err) == Timeout
}

// FromServiceCode maps the transport's error domain onto ErrorCode.
// Codes this package does not know about map to UnknownError.
func FromServiceCode(code plistservice.Code) ErrorCode {
	switch code {
	case plistservice.Success:
		return Success
	case plistservice.InvalidArg:
		return InvalidArgument
	case plistservice.PlistError:
		return PlistError
	case plistservice.MuxError:
		return MuxError
	case plistservice.SSLError:
		return SslError
	case plistservice.NotEnoughData:
		return NotEnoughData
	case plistservice.ReceiveTimeout:
		return Timeout
	default:
		return UnknownError
	}
}

func newError(op string, code ErrorCode, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// translate converts a transport error into an *Error. A non-nil error
// never translates to Success.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	code := FromServiceCode(plistservice.CodeOf(err))
	if code == Success {
		code = UnknownError
	}
	return newError(op, code, err)
}
