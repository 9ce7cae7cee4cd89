package conflux

import (
	errs "github.com/conneroisu/conflux/internal/errors"
)

// Error is the structured error type returned by every operation in this
// module. Inspect it with errors.As, or match on its Code with IsCode.
type Error = errs.Error

// Code classifies an Error for programmatic handling.
type Code = errs.Code

// Error codes, one per failure class.
const (
	// CodeInvalidHandle marks operations on a handle whose entry no longer
	// exists, or never did.
	CodeInvalidHandle = errs.CodeInvalidHandle
	// CodeWrongType marks a typed access whose type parameter does not
	// match the stored value.
	CodeWrongType = errs.CodeWrongType
	// CodeParse marks file content the parser rejected.
	CodeParse = errs.CodeParse
	// CodeUnsupportedFormat marks a file whose format no parser claims.
	CodeUnsupportedFormat = errs.CodeUnsupportedFormat
	// CodeValidation marks a value the configured validator rejected.
	CodeValidation = errs.CodeValidation
	// CodeDependency marks a change rejected because of another change,
	// such as a sibling failure under the rollback policy.
	CodeDependency = errs.CodeDependency
	// CodeFileLockTimeout marks a per-path lock that could not be acquired
	// within its deadline.
	CodeFileLockTimeout = errs.CodeFileLockTimeout
	// CodeGlobalLimit marks a global concurrency permit that could not be
	// acquired within its deadline.
	CodeGlobalLimit = errs.CodeGlobalLimit
	// CodeOpTimeout marks a guarded operation that exceeded its deadline
	// and was abandoned.
	CodeOpTimeout = errs.CodeOpTimeout
	// CodeConcurrentMod marks a file that an external writer changed while
	// a guarded operation was running. Detection only; the operation's
	// result stands unless the conflict policy discards it.
	CodeConcurrentMod = errs.CodeConcurrentMod
	// CodeInternal marks failures that fit no other class.
	CodeInternal = errs.CodeInternal
)

// WrongTypeError carries the expected and found type names of a mismatched
// typed access. It is the Cause of CodeWrongType errors.
type WrongTypeError = errs.WrongTypeError

// ConflictError carries the before and after file states observed around a
// guarded operation. It is the Cause of CodeConcurrentMod errors.
type ConflictError = errs.ConflictError

// FileState is one observation of a file used in conflict detection.
type FileState = errs.FileState

// CodeOf extracts the Code from err, unwrapping as needed. Errors from
// outside this module report CodeInternal.
func CodeOf(err error) Code {
	return errs.CodeOf(err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return errs.IsCode(err, code)
}
