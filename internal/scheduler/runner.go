// Package scheduler drives the queue: it owns the single active transfer
// slot and takes each item from strategy selection to a validated file.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	mediahttp "github.com/tanq16/mediaq/internal/downloaders/http"
	"github.com/tanq16/mediaq/internal/downloaders/muxer"
	"github.com/tanq16/mediaq/internal/metrics"
	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/state"
	"github.com/tanq16/mediaq/internal/transfer"
)

// Resolver turns a queued source URL into one that can be fetched.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string) (string, error)
}

// StateStore is the part of the resume store the runner touches directly.
type StateStore interface {
	Load(ctx context.Context, key state.Key) (*transfer.TransferProgress, error)
	Delete(ctx context.Context, key state.Key) error
}

type Config struct {
	OutputDir string
	Selector  *mediahttp.Selector
	Executor  *mediahttp.Executor
	Resolver  Resolver
	States    StateStore
	// FindMuxer is called the first time an item needs the external tool.
	FindMuxer      func() (*muxer.Muxer, error)
	StallThreshold time.Duration
	StallInterval  time.Duration
}

// Update is one entry of the progress stream. Progress is nil for pure
// status changes.
type Update struct {
	Item     queue.Snapshot
	Progress *transfer.TransferProgress
}

// Runner implements queue.Runner. Start, Pause, Resume and Stop only flip
// flags and cancel contexts; the work happens on the loop goroutine.
type Runner struct {
	cfg   Config
	store *queue.Store[*queue.Item]
	root  context.Context

	mu         sync.Mutex
	running    bool
	paused     bool
	looping    bool
	idle       chan struct{}
	wake       chan struct{}
	active     *queue.Item
	activeDone chan struct{}
	cancel     context.CancelFunc

	muxOnce sync.Once
	mux     *muxer.Muxer
	muxErr  error

	subsMu sync.Mutex
	subs   map[string]*subscriber
}

// New builds a runner over store. Cancelling ctx interrupts the active
// transfer, leaves it queued with its progress saved and ends the loop.
func New(ctx context.Context, store *queue.Store[*queue.Item], cfg Config) *Runner {
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = queue.DefaultStallThreshold
	}
	if cfg.StallInterval <= 0 {
		cfg.StallInterval = time.Second
	}
	if cfg.FindMuxer == nil {
		cfg.FindMuxer = func() (*muxer.Muxer, error) { return muxer.Find("") }
	}
	idle := make(chan struct{})
	close(idle)
	return &Runner{
		cfg:   cfg,
		store: store,
		root:  ctx,
		idle:  idle,
		wake:  make(chan struct{}, 1),
		subs:  make(map[string]*subscriber),
	}
}

func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running && !r.paused
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running, r.paused = true, false
	if !r.looping {
		r.looping = true
		r.idle = make(chan struct{})
		go r.loop(r.idle)
	}
	r.signal()
}

// Pause interrupts the active transfer. The loop waits until Resume.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.paused = true
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.paused = false
	r.signal()
}

// Stop interrupts the active transfer and ends the loop.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running, r.paused = false, false
	if r.cancel != nil {
		r.cancel()
	}
	r.signal()
}

// Wait blocks until the loop has exited, either because nothing is left to
// run or because the runner was stopped.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) loop(idle chan struct{}) {
	defer close(idle)
	for {
		r.mu.Lock()
		if !r.running || r.root.Err() != nil {
			r.running, r.looping = false, false
			r.mu.Unlock()
			return
		}
		if r.paused {
			r.mu.Unlock()
			select {
			case <-r.wake:
			case <-r.root.Done():
			}
			continue
		}
		item, ok := r.store.Next()
		if !ok {
			r.running, r.looping = false, false
			r.mu.Unlock()
			log.Debug().Str("op", "scheduler/runner").Msg("queue drained")
			return
		}
		ctx, cancel := context.WithCancel(r.root)
		done := make(chan struct{})
		r.active, r.activeDone, r.cancel = item, done, cancel
		r.mu.Unlock()

		r.process(ctx, item)
		cancel()

		r.mu.Lock()
		r.active, r.activeDone, r.cancel = nil, nil, nil
		r.mu.Unlock()
		close(done)
	}
}

// Active returns a snapshot of the item in the transfer slot, if any.
func (r *Runner) Active() (queue.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return queue.Snapshot{}, false
	}
	return r.active.Snapshot(), true
}

// Subscribe returns a progress stream and a function that ends it. The
// reader must drain the channel until it is closed. Status changes are
// always delivered; progress updates for an item replace the one still
// waiting to be read and are dropped once buffer updates are pending.
func (r *Runner) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	id := uuid.NewString()
	s := &subscriber{
		limit:  buffer,
		signal: make(chan struct{}, 1),
		out:    make(chan Update),
	}
	go s.run()
	r.subsMu.Lock()
	r.subs[id] = s
	r.subsMu.Unlock()
	return s.out, func() {
		r.subsMu.Lock()
		_, ok := r.subs[id]
		delete(r.subs, id)
		r.subsMu.Unlock()
		if ok {
			s.close()
		}
	}
}

func (r *Runner) publish(item *queue.Item, p *transfer.TransferProgress) {
	u := Update{Item: item.Snapshot(), Progress: p}
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, s := range r.subs {
		s.push(u)
	}
}

// subscriber holds the backlog of one reader so publishing never waits on
// it.
type subscriber struct {
	mu      sync.Mutex
	pending []Update
	limit   int
	closed  bool
	signal  chan struct{}
	out     chan Update
}

func (s *subscriber) push(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if u.Progress != nil {
		if n := len(s.pending); n > 0 && s.pending[n-1].Progress != nil && s.pending[n-1].Item.ID == u.Item.ID {
			s.pending[n-1] = u
			return
		}
		if len(s.pending) >= s.limit {
			return
		}
	}
	s.pending = append(s.pending, u)
	s.wake()
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// run hands the backlog to the reader in order. Whatever was published
// before close is still delivered before out closes.
func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.signal
			continue
		}
		u := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.out <- u
	}
}

func (r *Runner) findMuxer() (*muxer.Muxer, error) {
	r.muxOnce.Do(func() {
		r.mux, r.muxErr = r.cfg.FindMuxer()
	})
	return r.mux, r.muxErr
}

// watchStall flags the item as stalled while it goes without progress.
func (r *Runner) watchStall(ctx context.Context, item *queue.Item) {
	ticker := time.NewTicker(r.cfg.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := item.Snapshot()
			if snap.DisplayStatus != queue.DisplayStalled && queue.ShouldMarkStalled(snap, now, r.cfg.StallThreshold) {
				item.SetDisplayStatus(queue.DisplayStalled)
				log.Warn().Str("op", "scheduler/runner").Int64("item", item.ItemID()).Msg("transfer stalled")
				r.publish(item, nil)
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, item *queue.Item) {
	id := item.ItemID()
	item.SetStatus(queue.StatusActive)
	r.persist(item)
	r.publish(item, nil)

	watchCtx, stopWatch := context.WithCancel(ctx)
	go r.watchStall(watchCtx, item)
	start := time.Now()
	err := r.transfer(ctx, item)
	stopWatch()

	switch {
	case err == nil:
		metrics.Transfers.WithLabelValues("success").Inc()
		metrics.TransferDuration.Observe(time.Since(start).Seconds())
		item.SetStatus(queue.StatusDone)
		r.publish(item, nil)
		if err := r.cfg.States.Delete(context.WithoutCancel(ctx), state.Key{ItemID: id, SourceURL: item.SourceURL()}); err != nil {
			log.Warn().Str("op", "scheduler/runner").Int64("item", id).Err(err).Msg("failed to delete resume record")
		}
		if _, err := r.store.Remove(id); err != nil {
			log.Error().Str("op", "scheduler/runner").Int64("item", id).Err(err).Msg("failed to remove finished item")
		}
		metrics.QueueLength.Set(float64(r.store.Len()))
		log.Info().Str("op", "scheduler/runner").Int64("item", id).Str("output", item.OutputPath()).Msg("transfer complete")
	case ctx.Err() != nil:
		metrics.Transfers.WithLabelValues("interrupted").Inc()
		if _, ok := r.store.Get(id); ok && item.Status() == queue.StatusActive {
			item.SetStatus(queue.StatusQueued)
			r.persist(item)
		}
		r.publish(item, nil)
		log.Info().Str("op", "scheduler/runner").Int64("item", id).Msg("transfer interrupted")
	default:
		metrics.Transfers.WithLabelValues("error").Inc()
		item.Fail(err.Error())
		r.persist(item)
		r.publish(item, nil)
		log.Error().Str("op", "scheduler/runner").Int64("item", id).Err(err).Msg("transfer failed")
	}
}

func (r *Runner) persist(item *queue.Item) {
	if err := r.store.Update(item.ItemID()); err != nil && !errors.Is(err, queue.ErrNotFound) {
		log.Error().Str("op", "scheduler/runner").Int64("item", item.ItemID()).Err(err).Msg("failed to persist item")
	}
}
