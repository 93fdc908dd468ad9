package tdns

import "fmt"

// ErrorCode is the explicit error taxonomy shared by the scheduler, the
// journal and the signer. Every fallible operation in those subsystems
// returns one of these instead of an opaque error, so that callers (the
// control CLI, retry policies, blocking waiters) can act on the kind of
// failure rather than string-matching error text.
type ErrorCode uint8

const (
	NoErrorCode ErrorCode = iota
	ErrInvalid
	ErrNotFound
	ErrExists
	ErrOutOfMemory
	ErrOutOfSpace
	ErrBusy
	ErrDenied
	ErrExpired
	ErrInvalidSignature
	ErrTimeout
	ErrFatal
)

var errorCodeToString = map[ErrorCode]string{
	NoErrorCode:         "no-error",
	ErrInvalid:          "invalid",
	ErrNotFound:         "not-found",
	ErrExists:           "exists",
	ErrOutOfMemory:      "out-of-memory",
	ErrOutOfSpace:       "out-of-space",
	ErrBusy:             "busy",
	ErrDenied:           "denied",
	ErrExpired:          "expired",
	ErrInvalidSignature: "invalid-signature",
	ErrTimeout:          "timeout",
	ErrFatal:            "fatal",
}

func (e ErrorCode) String() string {
	if s, ok := errorCodeToString[e]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(e))
}

// CodedError pairs an ErrorCode with a human-readable message. Handlers and
// journal/signer operations return this (or nil) rather than a bare error,
// so the caller can recover the code with AsErrorCode without parsing text.
type CodedError struct {
	Code ErrorCode
	Msg  string
}

func (e *CodedError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func NewError(code ErrorCode, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// AsErrorCode extracts the ErrorCode carried by err, or ErrFatal if err is
// a plain error not originating from this package, or NoErrorCode if err
// is nil.
func AsErrorCode(err error) ErrorCode {
	if err == nil {
		return NoErrorCode
	}
	if ce, ok := err.(*CodedError); ok {
		return ce.Code
	}
	return ErrFatal
}
