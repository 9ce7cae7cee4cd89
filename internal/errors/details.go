package errors

import (
	"fmt"
	"time"

	"github.com/conneroisu/conflux/internal/types"
)

// WrongTypeError carries both type names of a tag mismatch. It travels as
// the cause of a CodeWrongType *Error so callers can reach the names with
// errors.As.
type WrongTypeError struct {
	Handle   types.HandleID
	Expected string
	Found    string
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("handle %d holds %s, not %s", e.Handle, e.Found, e.Expected)
}

// WrongType builds the error for a typed access whose type parameter does
// not match the stored tag.
func WrongType(op string, id types.HandleID, expected, found string) *Error {
	return Wrap(CodeWrongType, op, &WrongTypeError{Handle: id, Expected: expected, Found: found},
		"type tag mismatch")
}

// FileState is the stat observation the race guard takes before and after a
// protected operation.
type FileState struct {
	Exists  bool
	Size    int64
	ModTime time.Time
}

// Same reports whether two observations are indistinguishable.
func (s FileState) Same(other FileState) bool {
	if s.Exists != other.Exists {
		return false
	}
	if !s.Exists {
		return true
	}

	return s.Size == other.Size && s.ModTime.Equal(other.ModTime)
}

// ConflictError reports that an external writer changed the file while a
// protected operation held its lock. The operation's own result remains
// valid; policy decides whether it stands.
type ConflictError struct {
	Path   string
	Before FileState
	After  FileState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("external modification of %s during protected operation", e.Path)
}

// Conflict builds the error for an externally modified path.
func Conflict(op, path string, before, after FileState) *Error {
	err := Wrap(CodeConcurrentMod, op, &ConflictError{Path: path, Before: before, After: after},
		"concurrent modification detected")
	err.Path = path

	return err
}
