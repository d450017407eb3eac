package queue

import (
	"errors"
	"sync"
)

var (
	ErrNotFound  = errors.New("item not found in queue")
	ErrDuplicate = errors.New("item already in queue")
)

// Entry is what the store needs from the values it orders.
type Entry interface {
	ItemID() int64
	Status() Status
	SetStatus(Status)
	Priority() Priority
}

// Persister mirrors the store's order durably. Each call must either
// fully apply or fail without effect.
type Persister[T Entry] interface {
	AddAll(items []T) error
	Remove(ids []int64) error
	Clear() error
	// Replace rewrites the whole persisted order.
	Replace(items []T) error
	// Put rewrites one already persisted entry in place.
	Put(item T) error
}

// Store is an ordered, duplicate-free collection. Every mutation is
// written to the persister before the in-memory order changes, so after a
// crash the persisted state is never behind memory.
type Store[T Entry] struct {
	mu      sync.RWMutex
	items   []T
	persist Persister[T]
}

// NewStore builds a store that starts out holding initial, which is assumed
// to already be persisted.
func NewStore[T Entry](persist Persister[T], initial []T) *Store[T] {
	return &Store[T]{items: append([]T(nil), initial...), persist: persist}
}

func (s *Store[T]) indexOf(id int64) int {
	for i, it := range s.items {
		if it.ItemID() == id {
			return i
		}
	}
	return -1
}

// AddAll appends items and marks them queued. Nothing is added if any id is
// already present or repeated.
func (s *Store[T]) AddAll(items ...T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool, len(items))
	for _, it := range items {
		if seen[it.ItemID()] || s.indexOf(it.ItemID()) >= 0 {
			return ErrDuplicate
		}
		seen[it.ItemID()] = true
	}
	if err := s.persist.AddAll(items); err != nil {
		return err
	}
	for _, it := range items {
		it.SetStatus(StatusQueued)
	}
	s.items = append(s.items, items...)
	return nil
}

// Remove drops the items with the given ids. Unknown ids are ignored.
func (s *Store[T]) Remove(ids ...int64) ([]T, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return s.RemoveIf(func(it T) bool { return want[it.ItemID()] })
}

// RemoveIf drops every item matching pred. Removed items that were queued
// or active are marked not started.
func (s *Store[T]) RemoveIf(pred func(T) bool) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []T
	var ids []int64
	kept := make([]T, 0, len(s.items))
	for _, it := range s.items {
		if pred(it) {
			removed = append(removed, it)
			ids = append(ids, it.ItemID())
		} else {
			kept = append(kept, it)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.persist.Remove(ids); err != nil {
		return nil, err
	}
	s.items = kept
	markInactive(removed)
	return removed, nil
}

// AddToStart puts items at the front in the given order. Items already in
// the queue are moved rather than duplicated.
func (s *Store[T]) AddToStart(items ...T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := make([]T, 0, len(items))
	moving := make(map[int64]bool, len(items))
	for _, it := range items {
		if moving[it.ItemID()] {
			continue
		}
		moving[it.ItemID()] = true
		front = append(front, it)
	}
	next := front
	for _, it := range s.items {
		if !moving[it.ItemID()] {
			next = append(next, it)
		}
	}
	if err := s.persist.Replace(next); err != nil {
		return err
	}
	for _, it := range front {
		it.SetStatus(StatusQueued)
	}
	s.items = next
	return nil
}

// MoveToFront relocates an existing item to position 0 and queues it again.
func (s *Store[T]) MoveToFront(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return ErrNotFound
	}
	it := s.items[idx]
	next := make([]T, 0, len(s.items))
	next = append(next, it)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	if err := s.persist.Replace(next); err != nil {
		return err
	}
	s.items = next
	it.SetStatus(StatusQueued)
	return nil
}

// InternalClear drops everything.
func (s *Store[T]) InternalClear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist.Clear(); err != nil {
		return err
	}
	removed := s.items
	s.items = nil
	markInactive(removed)
	return nil
}

// Update persists the current state of an item already in the queue.
func (s *Store[T]) Update(id int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return ErrNotFound
	}
	return s.persist.Put(s.items[idx])
}

func (s *Store[T]) Get(id int64) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := s.indexOf(id); idx >= 0 {
		return s.items[idx], true
	}
	var zero T
	return zero, false
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Items returns a copy of the current order.
func (s *Store[T]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]T(nil), s.items...)
}

// Next returns the queued item to run next: the highest priority wins and
// ties go to the earlier position.
func (s *Store[T]) Next() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best T
	found := false
	for _, it := range s.items {
		if it.Status() != StatusQueued {
			continue
		}
		if !found || it.Priority() > best.Priority() {
			best = it
			found = true
		}
	}
	return best, found
}

func markInactive[T Entry](items []T) {
	for _, it := range items {
		if st := it.Status(); st == StatusQueued || st == StatusActive {
			it.SetStatus(StatusNotStarted)
		}
	}
}
