package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSize      = errors.New("transfer: invalid total size")
	ErrIncompleteChunks = errors.New("transfer: incomplete chunks")
	ErrChunkFileMissing = errors.New("transfer: chunk file missing")
	ErrSizeMismatch     = errors.New("transfer: size mismatch")
)

// MergeError describes why a merge was refused or abandoned. It unwraps to
// one of ErrIncompleteChunks, ErrChunkFileMissing or ErrSizeMismatch.
type MergeError struct {
	Kind error

	ExpectedIndices []int
	ActualIndices   []int
	Incomplete      []int

	Path string

	ExpectedBytes int64
	ActualBytes   int64
}

func (e *MergeError) Error() string {
	switch e.Kind {
	case ErrIncompleteChunks:
		if len(e.Incomplete) > 0 {
			return fmt.Sprintf("%v: chunks %v are not complete", e.Kind, e.Incomplete)
		}
		return fmt.Sprintf("%v: expected indices %v, got %v", e.Kind, e.ExpectedIndices, e.ActualIndices)
	case ErrChunkFileMissing:
		return fmt.Sprintf("%v: %s", e.Kind, e.Path)
	case ErrSizeMismatch:
		return fmt.Sprintf("%v: expected %d bytes, wrote %d", e.Kind, e.ExpectedBytes, e.ActualBytes)
	default:
		return fmt.Sprintf("merge failed: %v", e.Kind)
	}
}

func (e *MergeError) Unwrap() error {
	return e.Kind
}
