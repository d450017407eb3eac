package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog/log"
)

const mergeBufferSize = 1024 * 1024

// MergeResult is returned on a successful merge.
type MergeResult struct {
	OutputFile string
	TotalBytes int64
}

// MergeProgressFunc receives the running byte count while chunks are copied.
type MergeProgressFunc func(written, total int64)

// Merge concatenates the chunk files of progress, in ascending index order,
// into outputFile. Preconditions are checked in order: every chunk complete
// with indices exactly 0..n-1, every chunk file present, and finally the
// written size equal to TotalBytes. The data is staged beside outputFile
// and renamed over it only once every check passed, so a partial file is
// never left behind.
func Merge(progress *TransferProgress, chunkDir, outputFile string, onProgress MergeProgressFunc) (*MergeResult, error) {
	chunks, err := orderedChunks(progress)
	if err != nil {
		return nil, err
	}
	if err := checkChunkFiles(chunks, chunkDir); err != nil {
		return nil, err
	}

	staged := mergeTempPath(outputFile)
	out, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating output file: %w", err)
	}
	written, copyErr := copyChunks(out, chunks, chunkDir, progress.TotalBytes, onProgress)
	if copyErr == nil {
		copyErr = out.Sync()
	}
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && progress.TotalBytes > 0 && written != progress.TotalBytes {
		copyErr = &MergeError{Kind: ErrSizeMismatch, ExpectedBytes: progress.TotalBytes, ActualBytes: written}
	}
	if copyErr == nil {
		if err := os.Rename(staged, outputFile); err != nil {
			copyErr = fmt.Errorf("error renaming merged output: %w", err)
		}
	}
	if copyErr != nil {
		os.Remove(staged)
		return nil, copyErr
	}
	log.Debug().Str("op", "transfer/merger").Msgf("Merged %d chunks into %s (%d bytes)", len(chunks), outputFile, written)
	return &MergeResult{OutputFile: outputFile, TotalBytes: written}, nil
}

func mergeTempPath(outputFile string) string {
	return filepath.Join(filepath.Dir(outputFile), "."+filepath.Base(outputFile)+".merging")
}

// VerifyChunks runs the completeness and existence checks of Merge without
// writing anything.
func VerifyChunks(progress *TransferProgress, chunkDir string) bool {
	chunks, err := orderedChunks(progress)
	if err != nil {
		return false
	}
	return checkChunkFiles(chunks, chunkDir) == nil
}

// RemoveChunkFiles deletes the temp files referenced by progress.
func RemoveChunkFiles(progress *TransferProgress, chunkDir string) {
	for _, c := range progress.Chunks {
		os.Remove(filepath.Join(chunkDir, c.TempFileName))
	}
}

func orderedChunks(progress *TransferProgress) ([]ChunkProgress, error) {
	chunks := slices.Clone(progress.Chunks)
	slices.SortFunc(chunks, func(a, b ChunkProgress) int { return a.Index - b.Index })

	expected := make([]int, len(chunks))
	actual := make([]int, len(chunks))
	sequential := true
	for i, c := range chunks {
		expected[i] = i
		actual[i] = c.Index
		if c.Index != i {
			sequential = false
		}
	}
	if !sequential {
		return nil, &MergeError{Kind: ErrIncompleteChunks, ExpectedIndices: expected, ActualIndices: actual}
	}

	var incomplete []int
	for _, c := range chunks {
		if !c.IsComplete() {
			incomplete = append(incomplete, c.Index)
		}
	}
	if len(incomplete) > 0 {
		return nil, &MergeError{Kind: ErrIncompleteChunks, Incomplete: incomplete}
	}
	return chunks, nil
}

func checkChunkFiles(chunks []ChunkProgress, chunkDir string) error {
	for _, c := range chunks {
		p := filepath.Join(chunkDir, c.TempFileName)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return &MergeError{Kind: ErrChunkFileMissing, Path: p}
		}
	}
	return nil
}

func copyChunks(out io.Writer, chunks []ChunkProgress, chunkDir string, total int64, onProgress MergeProgressFunc) (int64, error) {
	buffer := make([]byte, mergeBufferSize)
	var written int64
	for _, c := range chunks {
		p := filepath.Join(chunkDir, c.TempFileName)
		in, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				return written, &MergeError{Kind: ErrChunkFileMissing, Path: p}
			}
			return written, fmt.Errorf("error opening chunk %d: %w", c.Index, err)
		}
		for {
			n, readErr := in.Read(buffer)
			if n > 0 {
				if _, err := out.Write(buffer[:n]); err != nil {
					in.Close()
					return written, fmt.Errorf("error writing chunk %d: %w", c.Index, err)
				}
				written += int64(n)
				if onProgress != nil {
					onProgress(written, total)
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				in.Close()
				return written, fmt.Errorf("error reading chunk %d: %w", c.Index, readErr)
			}
		}
		in.Close()
	}
	return written, nil
}
