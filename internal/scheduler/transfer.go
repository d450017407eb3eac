package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	mediahttp "github.com/tanq16/mediaq/internal/downloaders/http"
	"github.com/tanq16/mediaq/internal/downloaders/muxer"
	"github.com/tanq16/mediaq/internal/media"
	"github.com/tanq16/mediaq/internal/metrics"
	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/state"
	"github.com/tanq16/mediaq/internal/transfer"
	"github.com/tanq16/mediaq/internal/utils"
)

// ErrInvalidOutput is returned when a finished file fails the signature check.
var ErrInvalidOutput = errors.New("output failed signature validation")

// transfer runs one item to a finished, validated file at its output path.
func (r *Runner) transfer(ctx context.Context, item *queue.Item) error {
	id := item.ItemID()
	url, err := r.cfg.Resolver.Resolve(ctx, item.SourceURL())
	if err != nil {
		return err
	}
	headers := item.Headers()
	decision := r.cfg.Selector.Select(ctx, url, headers)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.Strategies.WithLabelValues(decision.Strategy.Kind()).Inc()

	expected := int64(-1)
	switch s := decision.Strategy.(type) {
	case mediahttp.ParallelChunked:
		expected = s.TotalSize
	case mediahttp.SingleStream:
		expected = s.TotalSize
	}
	out, err := mediahttp.OutputPath(item.OutputPath(), r.cfg.OutputDir, item.SourceURL(), decision.Format, decision.Probe, expected)
	if errors.Is(err, mediahttp.ErrAlreadyDownloaded) {
		log.Info().Str("op", "scheduler/transfer").Int64("item", id).Str("output", out).Msg("output already present, skipping")
		item.SetOutputPath(out)
		return nil
	}
	if err != nil {
		return err
	}
	if item.OutputPath() != out {
		item.SetOutputPath(out)
		r.persist(item)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	log.Info().Str("op", "scheduler/transfer").Int64("item", id).Str("strategy", decision.Strategy.Kind()).
		Str("format", string(decision.Format)).Msgf("downloading to %s", out)

	onProgress := r.progressFunc(item)
	onRetry := r.retryFunc(item)
	switch s := decision.Strategy.(type) {
	case mediahttp.ParallelChunked:
		err = r.runParallel(ctx, item, url, headers, out, s, onProgress, onRetry)
	case mediahttp.SingleStream:
		err = r.cfg.Executor.RunSingle(ctx, mediahttp.SingleJob{
			ItemID:     id,
			URL:        url,
			SourceURL:  item.SourceURL(),
			Headers:    headers,
			OutputPath: out,
			TotalSize:  s.TotalSize,
			OnProgress: onProgress,
			OnRetry:    onRetry,
		})
	case mediahttp.ExternalMuxer:
		err = r.runMuxer(ctx, item, url, headers, out)
	default:
		err = fmt.Errorf("unhandled strategy %T", s)
	}
	if err != nil {
		return err
	}
	removeEmptyTemp(out)
	return validateOutput(out)
}

func (r *Runner) runParallel(ctx context.Context, item *queue.Item, url string, headers map[string]string, out string,
	plan mediahttp.ParallelChunked, onProgress mediahttp.ProgressFunc, onRetry mediahttp.RetryFunc) error {
	progress, err := r.cfg.Executor.Prepare(ctx, item.ItemID(), item.SourceURL(), filepath.Base(out), plan)
	if err != nil {
		return err
	}
	chunkDir := mediahttp.ChunkDir(out, progress.TransferID)
	err = r.cfg.Executor.Run(ctx, mediahttp.Job{
		URL:        url,
		Headers:    headers,
		Progress:   progress,
		ChunkDir:   chunkDir,
		OnProgress: onProgress,
		OnRetry:    onRetry,
	})
	if err != nil {
		return err
	}
	result, err := transfer.Merge(progress, chunkDir, out, nil)
	if err != nil {
		return err
	}
	transfer.RemoveChunkFiles(progress, chunkDir)
	if err := utils.CleanTransfer(chunkDir); err != nil {
		log.Warn().Str("op", "scheduler/transfer").Int64("item", item.ItemID()).Err(err).Msg("failed to remove chunk directory")
	}
	log.Debug().Str("op", "scheduler/transfer").Int64("item", item.ItemID()).Int64("bytes", result.TotalBytes).Msg("chunks merged")
	return nil
}

func (r *Runner) runMuxer(ctx context.Context, item *queue.Item, url string, headers map[string]string, out string) error {
	m, err := r.findMuxer()
	if err != nil {
		return err
	}
	var last int64
	return m.Run(ctx, muxer.Job{
		ItemID:     item.ItemID(),
		URL:        url,
		OutputPath: out,
		Headers:    headers,
		OnBytes: func(written int64) {
			if written > last {
				metrics.BytesDownloaded.Add(float64(written - last))
				last = written
			}
			item.MarkProgress(time.Now())
			r.publish(item, &transfer.TransferProgress{
				ItemID:          item.ItemID(),
				SourceURL:       item.SourceURL(),
				TotalBytes:      -1,
				DownloadedBytes: written,
				Status:          transfer.StatusInProgress,
				UpdatedAt:       time.Now(),
			})
		},
		OnLine: func(line string) {
			log.Debug().Str("op", "scheduler/transfer").Int64("item", item.ItemID()).Msg(line)
		},
	})
}

// progressFunc relies on the executor never overlapping calls, which keeps
// seen unshared.
func (r *Runner) progressFunc(item *queue.Item) mediahttp.ProgressFunc {
	var seen int64
	return func(p *transfer.TransferProgress) {
		if p.DownloadedBytes > seen {
			item.MarkProgress(p.UpdatedAt)
		}
		seen = p.DownloadedBytes
		r.publish(item, p)
	}
}

func (r *Runner) retryFunc(item *queue.Item) mediahttp.RetryFunc {
	return func(chunk, attempt int, wait time.Duration) {
		item.SetDisplayStatus(queue.DisplayRetrying)
		r.publish(item, nil)
	}
}

// validateOutput checks the head of a finished file against its container
// format. A file that fails is removed.
func validateOutput(out string) error {
	format := media.DetectFormat(out)
	if format == media.FormatUnknown || media.IsStreaming(format) {
		return nil
	}
	f, err := os.Open(out)
	if err != nil {
		return fmt.Errorf("error opening output for validation: %w", err)
	}
	head := make([]byte, media.HeadSize)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error reading output for validation: %w", err)
	}
	if !media.ValidateSignature(head[:n], media.ExpectsISOBoxes(format)) {
		os.Remove(out)
		return fmt.Errorf("%w: %s", ErrInvalidOutput, out)
	}
	return nil
}

// Discard removes the partial files and resume records of items that left
// the queue. An item still in the transfer slot is cleaned once its
// interrupted transfer has returned.
func (r *Runner) Discard(items []*queue.Item) {
	for _, item := range items {
		r.mu.Lock()
		var wait chan struct{}
		if r.active == item {
			wait = r.activeDone
		}
		r.mu.Unlock()
		if wait != nil {
			go func() {
				<-wait
				r.discard(item)
			}()
			continue
		}
		r.discard(item)
	}
}

func (r *Runner) discard(item *queue.Item) {
	if item.Status() == queue.StatusDone {
		return
	}
	ctx := context.WithoutCancel(r.root)
	key := state.Key{ItemID: item.ItemID(), SourceURL: item.SourceURL()}
	out := item.OutputPath()
	if out != "" {
		if record, err := r.cfg.States.Load(ctx, key); err == nil && record != nil && record.TransferID != "" {
			utils.CleanTransfer(mediahttp.ChunkDir(out, record.TransferID))
		}
		os.Remove(mediahttp.SingleTempPath(out))
		os.Remove(muxer.TempPath(out))
		removeEmptyTemp(out)
	}
	if err := r.cfg.States.Delete(ctx, key); err != nil {
		log.Warn().Str("op", "scheduler/transfer").Int64("item", item.ItemID()).Err(err).Msg("failed to delete resume record")
	}
	log.Debug().Str("op", "scheduler/transfer").Int64("item", item.ItemID()).Msg("discarded partial download")
}

func removeEmptyTemp(out string) {
	dir := utils.TempDir(out)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
