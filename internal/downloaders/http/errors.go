package mediahttp

import (
	"errors"
	"fmt"
)

var (
	ErrChunkFailed     = errors.New("chunk failed")
	ErrUnexpectedRange = errors.New("server answered with a different range")
)

// ErrAlreadyDownloaded means the destination already holds a file of the
// expected size.
var ErrAlreadyDownloaded = errors.New("file already exists with same size")

// ChunkError is returned once a chunk has used up its retries.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

func (e *ChunkError) Is(target error) bool {
	return target == ErrChunkFailed
}

// StatusError reports an HTTP status the downloader cannot use.
type StatusError struct {
	Code     int
	Expected int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d (want %d)", e.Code, e.Expected)
}
