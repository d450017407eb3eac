package queue

import (
	"errors"
	"slices"
	"testing"
)

// memPersister records the persisted order in memory.
type memPersister struct {
	order []int64
	fail  error
	calls int
}

func (m *memPersister) ids(items []*Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ItemID()
	}
	return out
}

func (m *memPersister) AddAll(items []*Item) error {
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	m.order = append(m.order, m.ids(items)...)
	return nil
}

func (m *memPersister) Remove(ids []int64) error {
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	m.order = slices.DeleteFunc(m.order, func(id int64) bool { return slices.Contains(ids, id) })
	return nil
}

func (m *memPersister) Clear() error {
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	m.order = nil
	return nil
}

func (m *memPersister) Replace(items []*Item) error {
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	m.order = m.ids(items)
	return nil
}

func (m *memPersister) Put(item *Item) error {
	m.calls++
	return m.fail
}

func newItems(ids ...int64) []*Item {
	items := make([]*Item, len(ids))
	for i, id := range ids {
		items[i] = NewItem(id, Request{SourceURL: "https://example.com/v.mp4"})
	}
	return items
}

func storeOrder(s *Store[*Item]) []int64 {
	var out []int64
	for _, it := range s.Items() {
		out = append(out, it.ItemID())
	}
	return out
}

func TestStoreAddAll(t *testing.T) {
	p := &memPersister{}
	s := NewStore[*Item](p, nil)
	items := newItems(1, 2, 3)
	if err := s.AddAll(items...); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	if !slices.Equal(storeOrder(s), []int64{1, 2, 3}) || !slices.Equal(p.order, []int64{1, 2, 3}) {
		t.Errorf("unexpected order memory=%v persisted=%v", storeOrder(s), p.order)
	}
	for _, it := range items {
		if it.Status() != StatusQueued {
			t.Errorf("item %d: expected queued, got %s", it.ItemID(), it.Status())
		}
	}
	if err := s.AddAll(newItems(3)...); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if err := s.AddAll(newItems(4, 4)...); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for repeated ids, got %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("expected 3 items, got %d", s.Len())
	}
}

func TestStorePersistFailureLeavesMemoryUntouched(t *testing.T) {
	p := &memPersister{}
	s := NewStore[*Item](p, nil)
	s.AddAll(newItems(1, 2)...)
	p.fail = errors.New("disk full")

	if err := s.AddAll(newItems(3)...); err == nil {
		t.Error("expected AddAll to fail")
	}
	if _, err := s.Remove(1); err == nil {
		t.Error("expected Remove to fail")
	}
	if err := s.MoveToFront(2); err == nil {
		t.Error("expected MoveToFront to fail")
	}
	if err := s.InternalClear(); err == nil {
		t.Error("expected InternalClear to fail")
	}
	if !slices.Equal(storeOrder(s), []int64{1, 2}) {
		t.Errorf("memory changed despite persist failure: %v", storeOrder(s))
	}
}

func TestStoreRemove(t *testing.T) {
	p := &memPersister{}
	s := NewStore[*Item](p, nil)
	items := newItems(1, 2, 3)
	s.AddAll(items...)
	items[1].SetStatus(StatusActive)

	removed, err := s.Remove(2, 99)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(removed) != 1 || removed[0].ItemID() != 2 {
		t.Fatalf("unexpected removed set %v", removed)
	}
	if removed[0].Status() != StatusNotStarted {
		t.Errorf("expected removed item to be inactive, got %s", removed[0].Status())
	}
	if !slices.Equal(storeOrder(s), []int64{1, 3}) || !slices.Equal(p.order, []int64{1, 3}) {
		t.Errorf("unexpected order memory=%v persisted=%v", storeOrder(s), p.order)
	}

	calls := p.calls
	if removed, _ := s.Remove(42); removed != nil || p.calls != calls {
		t.Error("expected removing an unknown id to be a no-op")
	}
}

func TestStoreRemoveIfKeepsDoneStatus(t *testing.T) {
	s := NewStore[*Item](&memPersister{}, nil)
	items := newItems(1, 2)
	s.AddAll(items...)
	items[0].SetStatus(StatusDone)
	removed, _ := s.RemoveIf(func(it *Item) bool { return it.Status() == StatusDone })
	if len(removed) != 1 || removed[0].Status() != StatusDone {
		t.Errorf("expected the done item to keep its status, got %v", removed)
	}
}

func TestStoreAddToStart(t *testing.T) {
	p := &memPersister{}
	s := NewStore[*Item](p, nil)
	items := newItems(1, 2, 3)
	s.AddAll(items...)

	fresh := newItems(9)[0]
	if err := s.AddToStart(fresh, items[2]); err != nil {
		t.Fatalf("AddToStart: %v", err)
	}
	if !slices.Equal(storeOrder(s), []int64{9, 3, 1, 2}) || !slices.Equal(p.order, []int64{9, 3, 1, 2}) {
		t.Errorf("unexpected order memory=%v persisted=%v", storeOrder(s), p.order)
	}
	if fresh.Status() != StatusQueued {
		t.Errorf("expected prepended item to be queued, got %s", fresh.Status())
	}
}

func TestStoreMoveToFront(t *testing.T) {
	p := &memPersister{}
	s := NewStore[*Item](p, nil)
	items := newItems(1, 2, 3)
	s.AddAll(items...)
	items[2].Fail("boom")

	if err := s.MoveToFront(3); err != nil {
		t.Fatalf("MoveToFront: %v", err)
	}
	if !slices.Equal(storeOrder(s), []int64{3, 1, 2}) || !slices.Equal(p.order, []int64{3, 1, 2}) {
		t.Errorf("unexpected order memory=%v persisted=%v", storeOrder(s), p.order)
	}
	if items[2].Status() != StatusQueued {
		t.Errorf("expected moved item to be queued again, got %s", items[2].Status())
	}
	if err := s.MoveToFront(7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreInternalClear(t *testing.T) {
	p := &memPersister{}
	s := NewStore[*Item](p, nil)
	items := newItems(1, 2)
	s.AddAll(items...)
	if err := s.InternalClear(); err != nil {
		t.Fatalf("InternalClear: %v", err)
	}
	if s.Len() != 0 || len(p.order) != 0 {
		t.Error("expected empty store and persister")
	}
	for _, it := range items {
		if it.Status() != StatusNotStarted {
			t.Errorf("item %d: expected not started, got %s", it.ItemID(), it.Status())
		}
	}
}

func TestStoreNext(t *testing.T) {
	s := NewStore[*Item](&memPersister{}, nil)
	items := newItems(1, 2, 3, 4)
	items[2].SetPriority(PriorityHigh)
	items[3].SetPriority(PriorityHigh)
	items[0].SetPriority(PriorityLow)
	s.AddAll(items...)

	next, ok := s.Next()
	if !ok || next.ItemID() != 3 {
		t.Fatalf("expected item 3 first, got %v", next)
	}
	items[2].SetStatus(StatusActive)
	next, _ = s.Next()
	if next.ItemID() != 4 {
		t.Errorf("expected item 4 next, got %d", next.ItemID())
	}
	items[3].SetStatus(StatusDone)
	next, _ = s.Next()
	if next.ItemID() != 2 {
		t.Errorf("expected normal priority item 2 before low priority item 1, got %d", next.ItemID())
	}
	items[1].Fail("x")
	items[0].SetStatus(StatusDone)
	if _, ok := s.Next(); ok {
		t.Error("expected no runnable item")
	}
}
