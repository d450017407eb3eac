package mediahttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediaq/internal/metrics"
	"github.com/tanq16/mediaq/internal/transfer"
	"github.com/tanq16/mediaq/internal/utils"
)

// SingleJob downloads a resource over one connection into OutputPath.
type SingleJob struct {
	ItemID     int64
	URL        string
	SourceURL  string
	Headers    map[string]string
	OutputPath string
	TotalSize  int64
	OnProgress ProgressFunc
	OnRetry    RetryFunc
}

// SingleTempPath is where a single stream download is staged before it is
// renamed into place.
func SingleTempPath(outputPath string) string {
	return filepath.Join(utils.TempDir(outputPath), filepath.Base(outputPath)+".part")
}

// RunSingle downloads the whole resource as one chunk. A staged file from an
// earlier attempt is resumed with an open-ended range when the server
// allows it, otherwise the download restarts from zero.
func (e *Executor) RunSingle(ctx context.Context, job SingleJob) error {
	tempPath := SingleTempPath(job.OutputPath)
	if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
		return fmt.Errorf("error creating temp directory: %w", err)
	}
	rng := transfer.ByteRange{StartByte: 0, EndByte: -1}
	if job.TotalSize > 0 {
		rng.EndByte = job.TotalSize - 1
	}
	progress := transfer.NewTransferProgress(job.ItemID, job.SourceURL, "", filepath.Base(tempPath), job.TotalSize, []transfer.ByteRange{rng})
	progress.Chunks[0].TempFileName = filepath.Base(tempPath)
	t := &tracker{progress: progress, onProgress: job.OnProgress}

	attempts := e.opts.Retries + 1
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			wait := e.backoff(attempt)
			metrics.ChunkRetries.Inc()
			log.Warn().Str("op", "http/simple-downloader").Int64("item", job.ItemID).Err(lastErr).
				Msgf("retrying download in %s (attempt %d/%d)", wait, attempt+1, attempts)
			if job.OnRetry != nil {
				job.OnRetry(0, attempt, wait)
			}
			if err := e.sleep(ctx, wait); err != nil {
				return err
			}
		}
		err := e.singleAttempt(ctx, job, tempPath, t)
		if err == nil {
			if err := os.Rename(tempPath, job.OutputPath); err != nil {
				return fmt.Errorf("error renaming (finalizing) output file: %w", err)
			}
			t.update(func(p *transfer.TransferProgress) {
				p.Chunks[0].Status = transfer.ChunkCompleted
				if p.TotalBytes <= 0 {
					p.TotalBytes = p.DownloadedBytes
					p.Chunks[0].Range.EndByte = p.DownloadedBytes - 1
				}
				p.Status = transfer.StatusComplete
			})
			log.Info().Str("op", "http/simple-downloader").Int64("item", job.ItemID).Msgf("simple download successful for %s", job.OutputPath)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		t.setStatus(0, transfer.ChunkFailed)
	}
	return &ChunkError{Index: 0, Attempts: attempts, Err: lastErr}
}

func (e *Executor) singleAttempt(ctx context.Context, job SingleJob, tempPath string, t *tracker) error {
	var resumeOffset int64
	if info, err := os.Stat(tempPath); err == nil {
		resumeOffset = info.Size()
	}
	if job.TotalSize > 0 && resumeOffset > job.TotalSize {
		resumeOffset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return fmt.Errorf("error creating GET request: %w", err)
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
		log.Debug().Str("op", "http/simple-downloader").Int64("item", job.ItemID).Msgf("resuming download from offset %d", resumeOffset)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("error executing GET request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resumeOffset > 0 && resp.StatusCode == http.StatusPartialContent:
		if start, ok := startFromContentRange(resp.Header.Get("Content-Range")); !ok || start != resumeOffset {
			// the staged bytes cannot be trusted to line up, start over next attempt
			os.Remove(tempPath)
			return fmt.Errorf("%w: requested bytes=%d-, got %q", ErrUnexpectedRange, resumeOffset, resp.Header.Get("Content-Range"))
		}
	case resp.StatusCode == http.StatusOK:
		if resumeOffset > 0 {
			log.Warn().Str("op", "http/simple-downloader").Int64("item", job.ItemID).Msg("server does not support resume, restarting download")
		}
		resumeOffset = 0
	default:
		return &StatusError{Code: resp.StatusCode, Expected: http.StatusOK}
	}

	flag := os.O_WRONLY | os.O_CREATE
	if resumeOffset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	outFile, err := os.OpenFile(tempPath, flag, 0644)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer outFile.Close()

	t.update(func(p *transfer.TransferProgress) {
		p.Chunks[0].DownloadedBytes = resumeOffset
		p.Chunks[0].Status = transfer.ChunkDownloading
		p.DownloadedBytes = resumeOffset
		if p.TotalBytes <= 0 && resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
			p.TotalBytes = resp.ContentLength
			p.Chunks[0].Range.EndByte = resp.ContentLength - 1
		}
	})

	buffer := make([]byte, e.opts.BufferSize)
	for {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if err := waitBandwidth(ctx, e.opts.Limiter, n); err != nil {
				return err
			}
			if _, err := outFile.Write(buffer[:n]); err != nil {
				return fmt.Errorf("error writing to output file: %w", err)
			}
			metrics.BytesDownloaded.Add(float64(n))
			t.addBytes(0, int64(n), 0)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("error reading response body: %w", readErr)
		}
	}
	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("error syncing output file: %w", err)
	}
	chunk := t.chunk(0)
	if size := chunk.Range.Size(); size > 0 && chunk.DownloadedBytes != size {
		return fmt.Errorf("%w: expected %d bytes, got %d", transfer.ErrSizeMismatch, size, chunk.DownloadedBytes)
	}
	return nil
}
