package engine

import (
	"context"
	"time"

	"taskmgr/internal/task"
)

// Config controls the task execution engine.
type Config struct {
	// Workers is the ceiling on live worker slots.
	Workers int

	// PollInterval bounds how long the dispatcher sleeps when nothing is pending.
	// Submissions and completions wake it earlier.
	PollInterval time.Duration

	// RequeuePause is the back-off after the ceiling was hit and work was put back.
	RequeuePause time.Duration

	// WorkDuration is how long the default executor spends on an item.
	WorkDuration time.Duration

	// BacklogWarn logs a (rate limited) warning when this many items are pending.
	// 0 disables the warning.
	BacklogWarn int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.RequeuePause <= 0 {
		c.RequeuePause = 50 * time.Millisecond
	}
	if c.WorkDuration < 0 {
		c.WorkDuration = 0
	}
	if c.BacklogWarn < 0 {
		c.BacklogWarn = 0
	}
	return c
}

// Executor runs the body of a work item. Errors and panics are contained by the engine.
type Executor interface {
	Execute(ctx context.Context, it task.Item) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, it task.Item) error

func (f ExecutorFunc) Execute(ctx context.Context, it task.Item) error { return f(ctx, it) }

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	Owner       string        `json:"owner"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Priority    string        `json:"priority"`
	Slot        string        `json:"slot,omitempty"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

func newTaskEvent(it task.Item) TaskEvent {
	return TaskEvent{Owner: it.Owner, Name: it.Name, Description: it.Description, Priority: it.Priority.String()}
}

// SlotInfo describes one worker slot.
type SlotInfo struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Task      string    `json:"task,omitempty"`
	IdleSince time.Time `json:"idle_since,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running bool `json:"running"`
	Workers int  `json:"workers"`

	Live int `json:"live"`
	Idle int `json:"idle"`
	Busy int `json:"busy"`

	Pending      int         `json:"pending"`
	RunningTasks []task.Item `json:"running_tasks"`
	Slots        []SlotInfo  `json:"slots"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`

	Fatal string `json:"fatal,omitempty"`
}
