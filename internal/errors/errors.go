// Package errors defines the structured error type shared by the registry
// and the reload pipeline. Every fallible operation returns an *Error with
// a stable machine code so callers can branch on failure class without
// string matching. All errors are recoverable values; nothing here panics.
package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/conneroisu/conflux/internal/types"
)

// Code is the stable machine-readable failure class.
type Code string

const (
	CodeInvalidHandle     Code = "invalid_handle"
	CodeWrongType         Code = "wrong_type"
	CodeParse             Code = "parse"
	CodeUnsupportedFormat Code = "unsupported_format"
	CodeValidation        Code = "validation"
	CodeDependency        Code = "dependency"
	CodeFileLockTimeout   Code = "file_lock_timeout"
	CodeGlobalLimit       Code = "global_limit"
	CodeOpTimeout         Code = "op_timeout"
	CodeConcurrentMod     Code = "concurrent_modification"
	CodeInternal          Code = "internal"
)

// Error is a structured error with a code, the operation that produced it,
// and optional path and key/value context.
type Error struct {
	Code    Code
	Op      string
	Path    string
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Op != "" {
		parts = append(parts, e.Op+":")
	}
	if e.Path != "" {
		parts = append(parts, e.Path+":")
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so callers can compare
// against a bare New(code, "", "") sentinel with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}

	return false
}

// WithContext attaches one key/value pair to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value

	return e
}

// WithPath attaches the filesystem path the error concerns.
func (e *Error) WithPath(path string) *Error {
	e.Path = path

	return e
}

// New creates an error with a code, the operation name, and a message.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error around a cause.
func Wrap(code Code, op string, cause error, message string) *Error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return CodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}

	return false
}

// InvalidHandle builds the error for an unknown or already-deleted handle.
func InvalidHandle(op string, id types.HandleID) *Error {
	return Newf(CodeInvalidHandle, op, "handle %d is not registered", id)
}
