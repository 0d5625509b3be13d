package status

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type shared by all dState packages. It wraps a return
// code (of type Code), a message and optionally the error that caused it.
//
// Two errors are considered equal by errors.Is if their codes match, so the
// sentinel values below can be used to branch on the kind of failure:
//
//	if errors.Is(err, status.ErrNotFound) { ... }
type Error struct {
	Code  Code   // The return code
	Msg   string // The error message
	Cause error  // The underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dState error (code %s): %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("dState error (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the cause of the error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code Code, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error with the given code and message that wraps cause.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{
		Code:  code,
		Msg:   msg,
		Cause: cause,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type Code uint64

const (
	CodeSuccess            Code = iota // 0: Operation executed successfully.
	CodeInternal                       // 1: Operation failed due to an internal error.
	CodeInvalidOperation               // 2: Invalid operation or argument.
	CodeNotFound                       // 3: The requested log position or key does not exist.
	CodeCorruptEntry                   // 4: A frame is malformed, truncated or has an unknown template.
	CodeStorageUnavailable             // 5: The underlying storage engine failed.
	CodeRejected                       // 6: A command was rejected by its processor.
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "Success"
	case CodeInternal:
		return "Internal"
	case CodeInvalidOperation:
		return "InvalidOperation"
	case CodeNotFound:
		return "NotFound"
	case CodeCorruptEntry:
		return "CorruptEntry"
	case CodeStorageUnavailable:
		return "StorageUnavailable"
	case CodeRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(c))
	}
}

// --------------------------------------------------------------------------
// Sentinels and helpers
// --------------------------------------------------------------------------

var (
	ErrNotFound           = NewError(CodeNotFound, "not found")
	ErrCorruptEntry       = NewError(CodeCorruptEntry, "corrupt entry")
	ErrStorageUnavailable = NewError(CodeStorageUnavailable, "storage unavailable")
	ErrInvalidOperation   = NewError(CodeInvalidOperation, "invalid operation")
)

// IsNotFound reports whether err (or any error it wraps) has CodeNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal reports whether err must halt the partition. Corrupt entries and
// storage failures are never retried or skipped.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptEntry) || errors.Is(err, ErrStorageUnavailable)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal
// if there is none. A nil error yields CodeSuccess.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
