package engine

import (
	"sync"

	"taskmgr/internal/task"
)

// RunningSet records the items currently executing, in start order.
//
// Items are matched by Name on Finish. Names are not required to be unique, so
// two running items sharing a name make removal ambiguous: the first match goes.
type RunningSet struct {
	mu    sync.Mutex
	items []task.Item
}

func (r *RunningSet) Start(it task.Item) {
	r.mu.Lock()
	r.items = append(r.items, it)
	r.mu.Unlock()
}

// Finish removes the first item named name. It reports false (and does nothing)
// when no such item is running, so duplicate completion signals are harmless.
func (r *RunningSet) Finish(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].Name == name {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a point-in-time copy.
func (r *RunningSet) List() []task.Item {
	r.mu.Lock()
	out := make([]task.Item, len(r.items))
	copy(out, r.items)
	r.mu.Unlock()
	return out
}

func (r *RunningSet) Len() int {
	r.mu.Lock()
	n := len(r.items)
	r.mu.Unlock()
	return n
}
