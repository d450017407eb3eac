package mediahttp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediaq/internal/state"
	"github.com/tanq16/mediaq/internal/transfer"
	"github.com/tanq16/mediaq/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ProgressStore is the subset of the resume store the executor needs.
type ProgressStore interface {
	Load(ctx context.Context, key state.Key) (*transfer.TransferProgress, error)
	Save(ctx context.Context, p *transfer.TransferProgress) error
}

// ProgressFunc receives a private copy of the transfer record. Calls never
// overlap and arrive in the order the record changed.
type ProgressFunc func(p *transfer.TransferProgress)

// RetryFunc is told when a chunk waits before another attempt.
type RetryFunc func(chunk, attempt int, wait time.Duration)

type Options struct {
	MaxConnections  int
	Retries         int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	CheckpointBytes int64
	BufferSize      int
	Limiter         *rate.Limiter
}

func DefaultOptions() Options {
	return Options{
		MaxConnections:  4,
		Retries:         3,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      8 * time.Second,
		CheckpointBytes: 1 << 20,
		BufferSize:      utils.DefaultBufferSize,
	}
}

type Executor struct {
	client utils.HTTPDoer
	store  ProgressStore
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewExecutor(client utils.HTTPDoer, store ProgressStore, opts Options) *Executor {
	def := DefaultOptions()
	if opts.MaxConnections < 1 {
		opts.MaxConnections = def.MaxConnections
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.CheckpointBytes <= 0 {
		opts.CheckpointBytes = def.CheckpointBytes
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	return &Executor{client: client, store: store, opts: opts, sleep: sleepContext}
}

// Job is one parallel transfer against a single URL.
type Job struct {
	URL        string
	Headers    map[string]string
	Progress   *transfer.TransferProgress
	ChunkDir   string
	OnProgress ProgressFunc
	OnRetry    RetryFunc
}

// Prepare returns the record to drive a parallel transfer with. A stored
// record planned with the same ranges is reused so completed chunks are
// not fetched again; anything else starts over under a new transfer id.
func (e *Executor) Prepare(ctx context.Context, itemID int64, sourceURL, base string, plan ParallelChunked) (*transfer.TransferProgress, error) {
	key := state.Key{ItemID: itemID, SourceURL: sourceURL}
	prior, err := e.store.Load(ctx, key)
	if err != nil {
		log.Warn().Str("op", "http/executor").Int64("item", itemID).Err(err).Msg("ignoring unreadable resume record")
		prior = nil
	}
	if prior != nil && prior.TransferID != "" && prior.SameLayout(plan.TotalSize, plan.Ranges) {
		log.Info().Str("op", "http/executor").Int64("item", itemID).Int64("downloaded", prior.DownloadedBytes).Msg("resuming transfer")
		prior.Status = transfer.StatusInProgress
		return prior, nil
	}
	if prior != nil {
		log.Info().Str("op", "http/executor").Int64("item", itemID).Msg("resume record does not match the current plan, starting over")
	}
	p := transfer.NewTransferProgress(itemID, sourceURL, uuid.NewString(), base, plan.TotalSize, plan.Ranges)
	if err := e.store.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ChunkDir is where the chunk files of a transfer live.
func ChunkDir(outputPath, transferID string) string {
	return filepath.Join(utils.TempDir(outputPath), transferID)
}

// tracker owns the progress record while workers run.
type tracker struct {
	mu         sync.Mutex
	progress   *transfer.TransferProgress
	unsaved    int64
	saveMu     sync.Mutex
	store      ProgressStore
	onProgress ProgressFunc
}

// update applies fn and hands a copy to onProgress while still holding mu,
// so workers never call onProgress concurrently.
func (t *tracker) update(fn func(p *transfer.TransferProgress)) *transfer.TransferProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.progress)
	t.progress.UpdatedAt = time.Now()
	snap := t.progress.Clone()
	if t.onProgress != nil {
		t.onProgress(snap)
	}
	return snap
}

// addBytes accounts n bytes already written to the chunk file and reports
// whether a checkpoint is due.
func (t *tracker) addBytes(index int, n int64, every int64) bool {
	due := false
	t.update(func(p *transfer.TransferProgress) {
		p.Chunks[index].DownloadedBytes += n
		p.DownloadedBytes += n
		t.unsaved += n
		if t.unsaved >= every {
			t.unsaved = 0
			due = true
		}
	})
	return due
}

func (t *tracker) setStatus(index int, status transfer.ChunkStatus) {
	t.update(func(p *transfer.TransferProgress) {
		p.Chunks[index].Status = status
	})
}

func (t *tracker) chunk(index int) transfer.ChunkProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress.Chunks[index]
}

// checkpoint persists the current record. Saves are serialized so an older
// snapshot never overwrites a newer one.
func (t *tracker) checkpoint(ctx context.Context) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	t.mu.Lock()
	snap := t.progress.Clone()
	t.mu.Unlock()
	return t.store.Save(ctx, snap)
}

// Run fetches every incomplete chunk of job.Progress with at most
// MaxConnections workers. It returns nil only once every chunk is
// complete; merging is left to the caller. Cancelling ctx pauses the
// transfer with its progress saved.
func (e *Executor) Run(ctx context.Context, job Job) error {
	if len(job.Progress.Chunks) == 0 {
		return nil
	}
	if err := os.MkdirAll(job.ChunkDir, 0755); err != nil {
		return fmt.Errorf("error creating chunk directory: %w", err)
	}
	t := &tracker{progress: job.Progress, store: e.store, onProgress: job.OnProgress}
	for i := range job.Progress.Chunks {
		if err := reconcileChunk(&job.Progress.Chunks[i], job.ChunkDir); err != nil {
			return err
		}
	}
	job.Progress.Recount()
	persistCtx := context.WithoutCancel(ctx)
	if err := t.checkpoint(persistCtx); err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(e.opts.MaxConnections))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range job.Progress.Chunks {
		if c.IsComplete() {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return e.runChunk(gctx, job, t, i)
		})
	}
	err := g.Wait()
	paused := err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil
	t.mu.Lock()
	switch {
	case paused:
	case err != nil:
		job.Progress.Status = transfer.StatusFailed
	case job.Progress.IsComplete():
		job.Progress.Status = transfer.StatusComplete
	}
	t.mu.Unlock()
	if saveErr := t.checkpoint(persistCtx); saveErr != nil {
		log.Error().Str("op", "http/executor").Int64("item", job.Progress.ItemID).Err(saveErr).Msg("failed to save progress")
	}
	if paused {
		log.Info().Str("op", "http/executor").Int64("item", job.Progress.ItemID).Msg("transfer paused")
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !job.Progress.IsComplete() {
		return transfer.ErrIncompleteChunks
	}
	return nil
}

// reconcileChunk brings a chunk record in line with its file on disk. The
// file is trusted only up to the recorded count; extra bytes were written
// after the last checkpoint and are dropped.
func reconcileChunk(c *transfer.ChunkProgress, dir string) error {
	path := filepath.Join(dir, c.TempFileName)
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		c.DownloadedBytes = 0
	case err != nil:
		return fmt.Errorf("error checking chunk file: %w", err)
	case info.Size() > c.DownloadedBytes:
		if err := os.Truncate(path, c.DownloadedBytes); err != nil {
			return fmt.Errorf("error truncating chunk file: %w", err)
		}
	case info.Size() < c.DownloadedBytes:
		c.DownloadedBytes = info.Size()
	}
	if size := c.Range.Size(); size >= 0 && c.DownloadedBytes > size {
		c.DownloadedBytes = 0
		if err := os.Truncate(path, 0); err != nil {
			return fmt.Errorf("error truncating chunk file: %w", err)
		}
	}
	if c.Range.Size() == c.DownloadedBytes {
		c.Status = transfer.ChunkCompleted
	} else {
		c.Status = transfer.ChunkPending
	}
	return nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.opts.BackoffBase << (attempt - 1)
	if d <= 0 || d > e.opts.BackoffMax {
		d = e.opts.BackoffMax
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitBandwidth blocks until the limiter admits n bytes. Requests larger
// than the burst are split.
func waitBandwidth(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil || limiter.Limit() == rate.Inf {
		return nil
	}
	burst := limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
