package queue

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediaq/internal/metrics"
)

// Runner is the executor lifecycle the orchestrator drives. Pause and
// Resume only signal; they must not wait for in-flight I/O.
type Runner interface {
	IsRunning() bool
	Start()
	Pause()
	Resume()
	Stop()
}

// IDSource hands out new item ids.
type IDSource interface {
	NextID() (int64, error)
}

// Orchestrator serializes queue mutations that interact with the live
// runner. Plain reads go straight to the store.
type Orchestrator struct {
	mu        sync.Mutex
	store     *Store[*Item]
	runner    Runner
	ids       IDSource
	onRemoved func(items []*Item)
}

func NewOrchestrator(store *Store[*Item], runner Runner, ids IDSource) *Orchestrator {
	metrics.QueueLength.Set(float64(store.Len()))
	return &Orchestrator{store: store, runner: runner, ids: ids}
}

// OnRemoved registers a hook that receives items removed from the queue,
// used to discard their partial downloads.
func (o *Orchestrator) OnRemoved(fn func(items []*Item)) {
	o.onRemoved = fn
}

func (o *Orchestrator) newItem(req Request) (*Item, error) {
	id := req.ID
	if id == 0 {
		var err error
		if id, err = o.ids.NextID(); err != nil {
			return nil, fmt.Errorf("error allocating item id: %w", err)
		}
	}
	return NewItem(id, req), nil
}

// Enqueue appends requests to the queue without starting the runner.
func (o *Orchestrator) Enqueue(reqs ...Request) ([]*Item, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := make([]*Item, 0, len(reqs))
	for _, req := range reqs {
		item, err := o.newItem(req)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := o.store.AddAll(items...); err != nil {
		return nil, err
	}
	metrics.QueueLength.Set(float64(o.store.Len()))
	log.Debug().Str("op", "queue/orchestrator").Int("count", len(items)).Msg("items enqueued")
	return items, nil
}

// StartNow finds the item with req.ID, or creates one from req, moves it
// to the front with high priority and starts the runner if it is idle.
func (o *Orchestrator) StartNow(req Request) (*Item, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, exists := o.store.Get(req.ID)
	if !exists || req.ID == 0 {
		var err error
		if item, err = o.newItem(req); err != nil {
			return nil, err
		}
	}
	item.SetPriority(PriorityHigh)
	if err := o.store.AddToStart(item); err != nil {
		return nil, err
	}
	metrics.QueueLength.Set(float64(o.store.Len()))
	if !o.runner.IsRunning() {
		o.runner.Start()
	}
	return item, nil
}

// MoveToFront re-queues an existing item at position 0.
func (o *Orchestrator) MoveToFront(id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.MoveToFront(id)
}

// RemoveSafely removes items while the runner is paused so nothing is
// writing to their files. The runner is stopped if the queue ends up
// empty and resumed otherwise, including when the removal fails.
func (o *Orchestrator) RemoveSafely(ids ...int64) (removed []*Item, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.withPaused(func() ([]*Item, error) {
		return o.store.Remove(ids...)
	})
}

// Clear removes every item the same way RemoveSafely does.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.withPaused(func() ([]*Item, error) {
		items := o.store.Items()
		if err := o.store.InternalClear(); err != nil {
			return nil, err
		}
		return items, nil
	})
	return err
}

func (o *Orchestrator) withPaused(mutate func() ([]*Item, error)) (removed []*Item, err error) {
	wasRunning := o.runner.IsRunning()
	if wasRunning {
		o.runner.Pause()
	}
	defer func() {
		if r := recover(); r != nil {
			if wasRunning {
				o.runner.Resume()
			}
			panic(r)
		}
	}()
	removed, err = mutate()
	if err != nil {
		log.Error().Str("op", "queue/orchestrator").Err(err).Msg("queue removal failed")
		if wasRunning {
			o.runner.Resume()
		}
		return nil, err
	}
	metrics.QueueLength.Set(float64(o.store.Len()))
	if len(removed) > 0 && o.onRemoved != nil {
		o.onRemoved(removed)
	}
	switch {
	case o.store.Len() == 0:
		o.runner.Stop()
	case wasRunning:
		o.runner.Resume()
	}
	return removed, nil
}

// Retry re-queues a failed item and starts the runner if it is idle.
func (o *Orchestrator) Retry(id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	if item.Status() != StatusError {
		return fmt.Errorf("item %d is %s, only failed items can be retried", id, item.Status())
	}
	item.Requeue()
	if err := o.store.Update(id); err != nil {
		return err
	}
	if !o.runner.IsRunning() {
		o.runner.Start()
	}
	return nil
}

// Start wakes the runner if it is idle.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.runner.IsRunning() {
		o.runner.Start()
	}
}

// Items returns snapshots in queue order.
func (o *Orchestrator) Items() []Snapshot {
	items := o.store.Items()
	out := make([]Snapshot, len(items))
	for i, it := range items {
		out[i] = it.Snapshot()
	}
	return out
}

func (o *Orchestrator) Store() *Store[*Item] {
	return o.store
}
