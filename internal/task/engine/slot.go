package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskmgr/internal/task"
)

// Status is the observable state of a worker slot.
//
// Ready and Idle both mean "may accept a task"; Running and Busy both mean
// "executing". The split is kept for inspection output.
type Status int32

const (
	StatusReady Status = iota
	StatusIdle
	StatusRunning
	StatusBusy
)

var statusNames = [...]string{
	StatusReady:   "Ready",
	StatusIdle:    "Idle",
	StatusRunning: "Running",
	StatusBusy:    "Busy",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int32(s))
	}
	return statusNames[s]
}

// Available reports whether a slot in this state can take a new task.
func (s Status) Available() bool { return s == StatusReady || s == StatusIdle }

func ParseStatus(raw string) (Status, error) {
	v := strings.TrimSpace(raw)
	for i, name := range statusNames {
		if v == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// canTransition encodes the slot state machine:
//
//	Busy       -> Idle     completion drained
//	Idle|Ready -> Running  task assigned
//	Running    -> Busy     execution started
func canTransition(from, to Status) bool {
	switch to {
	case StatusIdle:
		return from == StatusBusy
	case StatusRunning:
		return from.Available()
	case StatusBusy:
		return from == StatusRunning
	default:
		return false
	}
}

// slot is one unit of execution capacity. Its status is written only by the
// dispatcher goroutine; other goroutines read it atomically.
type slot struct {
	id        uuid.UUID
	status    atomic.Int32
	idleSince atomic.Int64 // unix nanos, 0 while occupied

	mu      sync.Mutex
	current task.Item

	// wg is the execution handle: at most one goroutine is tracked at a time.
	wg sync.WaitGroup
}

// newSlot creates a slot that is already Busy; the caller assigns its first task.
func newSlot() *slot {
	sl := &slot{id: uuid.New()}
	sl.status.Store(int32(StatusBusy))
	return sl
}

func (sl *slot) Status() Status { return Status(sl.status.Load()) }

func (sl *slot) transition(to Status) error {
	from := sl.Status()
	if !canTransition(from, to) {
		return fmt.Errorf("%w: slot %s %s -> %s", ErrInvalidTransition, sl.id, from, to)
	}
	sl.status.Store(int32(to))
	if to == StatusIdle {
		sl.idleSince.Store(time.Now().UnixNano())
	} else {
		sl.idleSince.Store(0)
	}
	return nil
}

// assign starts run in a new goroutine. onComplete is invoked exactly once from
// that goroutine after run returns; run must not panic (the engine recovers inside it).
func (sl *slot) assign(ctx context.Context, it task.Item, run func(ctx context.Context, it task.Item), onComplete func(id uuid.UUID)) {
	sl.mu.Lock()
	sl.current = it
	sl.mu.Unlock()

	sl.wg.Add(1)
	go func() {
		defer sl.wg.Done()
		defer onComplete(sl.id)
		run(ctx, it)
	}()
}

// shutdown blocks until the in-flight task, if any, has finished.
func (sl *slot) shutdown() { sl.wg.Wait() }

func (sl *slot) info() SlotInfo {
	st := sl.Status()
	si := SlotInfo{ID: sl.id.String(), Status: st.String()}
	if ns := sl.idleSince.Load(); ns != 0 {
		si.IdleSince = time.Unix(0, ns)
	}
	if !st.Available() {
		sl.mu.Lock()
		si.Task = sl.current.Name
		sl.mu.Unlock()
	}
	return si
}
