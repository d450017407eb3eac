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
)

// runChunk drives one chunk to completion, retrying failed attempts with
// exponential backoff. Bytes from a failed attempt that were already
// accounted are kept and the next attempt resumes after them.
func (e *Executor) runChunk(ctx context.Context, job Job, t *tracker, index int) error {
	itemID := job.Progress.ItemID
	attempts := e.opts.Retries + 1
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			wait := e.backoff(attempt)
			metrics.ChunkRetries.Inc()
			log.Warn().Str("op", "http/multi-chunk-handlers").Int64("item", itemID).Int("chunk", index).
				Err(lastErr).Msgf("retrying chunk in %s (attempt %d/%d)", wait, attempt+1, attempts)
			if job.OnRetry != nil {
				job.OnRetry(index, attempt, wait)
			}
			if err := e.sleep(ctx, wait); err != nil {
				return err
			}
		}
		err := e.fetchChunk(ctx, job, t, index)
		if err == nil {
			t.setStatus(index, transfer.ChunkCompleted)
			if err := t.checkpoint(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Str("op", "http/multi-chunk-handlers").Int64("item", itemID).Err(err).Msg("checkpoint failed")
			}
			log.Debug().Str("op", "http/multi-chunk-handlers").Int64("item", itemID).Int("chunk", index).Msg("chunk complete")
			return nil
		}
		if ctx.Err() != nil {
			t.setStatus(index, transfer.ChunkPending)
			return ctx.Err()
		}
		lastErr = err
		t.setStatus(index, transfer.ChunkFailed)
		if err := t.checkpoint(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Str("op", "http/multi-chunk-handlers").Int64("item", itemID).Err(err).Msg("checkpoint failed")
		}
	}
	log.Error().Str("op", "http/multi-chunk-handlers").Int64("item", itemID).Int("chunk", index).Err(lastErr).Msg("chunk failed")
	return &ChunkError{Index: index, Attempts: attempts, Err: lastErr}
}

// fetchChunk issues one range request for the rest of a chunk and appends
// the body to the chunk file.
func (e *Executor) fetchChunk(ctx context.Context, job Job, t *tracker, index int) error {
	chunk := t.chunk(index)
	remaining := chunk.Remaining()
	if remaining.Size() <= 0 {
		return nil
	}
	path := filepath.Join(job.ChunkDir, chunk.TempFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("error opening chunk file: %w", err)
	}
	defer f.Close()
	// Drop bytes written by a failed attempt but never accounted.
	if err := f.Truncate(chunk.DownloadedBytes); err != nil {
		return fmt.Errorf("error truncating chunk file: %w", err)
	}
	if _, err := f.Seek(chunk.DownloadedBytes, io.SeekStart); err != nil {
		return fmt.Errorf("error seeking chunk file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return err
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", remaining.Header())
	req.Header.Set("Connection", "keep-alive")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return &StatusError{Code: resp.StatusCode, Expected: http.StatusPartialContent}
	}
	if start, ok := startFromContentRange(resp.Header.Get("Content-Range")); !ok || start != remaining.StartByte {
		return fmt.Errorf("%w: requested %s, got %q", ErrUnexpectedRange, remaining.Header(), resp.Header.Get("Content-Range"))
	}
	t.setStatus(index, transfer.ChunkDownloading)

	body := io.LimitReader(resp.Body, remaining.Size())
	buffer := make([]byte, e.opts.BufferSize)
	var got int64
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if err := waitBandwidth(ctx, e.opts.Limiter, n); err != nil {
				return err
			}
			if _, err := f.Write(buffer[:n]); err != nil {
				return fmt.Errorf("error writing chunk file: %w", err)
			}
			got += int64(n)
			metrics.BytesDownloaded.Add(float64(n))
			if t.addBytes(index, int64(n), e.opts.CheckpointBytes) {
				if err := f.Sync(); err != nil {
					return fmt.Errorf("error syncing chunk file: %w", err)
				}
				if err := t.checkpoint(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Str("op", "http/multi-chunk-handlers").Int64("item", job.Progress.ItemID).Err(err).Msg("checkpoint failed")
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return readErr
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("error syncing chunk file: %w", err)
	}
	if got != remaining.Size() {
		return fmt.Errorf("short read: expected %d remaining bytes, got %d: %w", remaining.Size(), got, io.ErrUnexpectedEOF)
	}
	return nil
}
