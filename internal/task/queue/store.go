// Package queue holds pending work ordered by priority.
package queue

import (
	"container/heap"
	"sync"

	"taskmgr/internal/task"
)

// itemHeap is a max-heap on Priority. Equal priorities are resolved by heap
// structure, so callers must not assume FIFO among them.
type itemHeap []task.Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[j].Less(h[i]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(task.Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = task.Item{}
	*h = old[:n-1]
	return it
}

// Store is the pending work store. All methods are safe for concurrent use;
// the lock is held for a single operation only.
type Store struct {
	mu sync.Mutex
	h  itemHeap
}

func New() *Store {
	s := &Store{h: make(itemHeap, 0, 64)}
	heap.Init(&s.h)
	return s
}

// Insert adds an item in O(log n).
func (s *Store) Insert(it task.Item) {
	s.mu.Lock()
	heap.Push(&s.h, it)
	s.mu.Unlock()
}

// ExtractMax removes and returns an item whose priority is >= every other held item.
// It reports false when the store is empty.
func (s *Store) ExtractMax() (task.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return task.Item{}, false
	}
	return heap.Pop(&s.h).(task.Item), true
}

func (s *Store) IsEmpty() bool { return s.Len() == 0 }

func (s *Store) Len() int {
	s.mu.Lock()
	n := s.h.Len()
	s.mu.Unlock()
	return n
}

// Snapshot returns a copy of the held items in heap order (the first element,
// if any, is a maximum). It does not mutate the store.
func (s *Store) Snapshot() []task.Item {
	s.mu.Lock()
	out := make([]task.Item, len(s.h))
	copy(out, s.h)
	s.mu.Unlock()
	return out
}
