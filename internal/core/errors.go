package core

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable classification surfaced to callers.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeIllegalState      ErrorCode = "ILLEGAL_STATE"
	CodeAuth              ErrorCode = "AUTH"
	CodeSourceUnknown     ErrorCode = "SOURCE_UNKNOWN"
	CodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"
	CodeDuplicateData     ErrorCode = "DUPLICATE_DATA"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Error carries a stable code and a transient/permanent classification.
// Pipeline-level transient failures are recorded in history rows and never
// propagated up the scheduler loop.
type Error struct {
	Code      ErrorCode
	Message   string
	Transient bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errf builds a classified error.
func Errf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Transient: transientByDefault(code)}
}

// WrapErr classifies an underlying error.
func WrapErr(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Transient: transientByDefault(code),
		Cause:     cause,
	}
}

func transientByDefault(code ErrorCode) bool {
	switch code {
	case CodeSourceUnknown, CodeSourceUnavailable, CodeCircuitOpen:
		return true
	}
	return false
}

// CodeOf extracts the ErrorCode from err, or CodeInternal for unclassified
// errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}
