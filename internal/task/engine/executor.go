package engine

import (
	"context"
	"sync/atomic"
	"time"

	"taskmgr/internal/task"
	logx "taskmgr/pkg/logx"
)

// SleepExecutor is the default task body: it logs the item details and
// simulates work by sleeping for a configurable duration.
type SleepExecutor struct {
	d   atomic.Int64
	log logx.Logger
}

func NewSleepExecutor(d time.Duration, log logx.Logger) *SleepExecutor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &SleepExecutor{log: log}
	e.SetDuration(d)
	return e
}

// SetDuration changes the simulated work time for tasks started afterwards.
func (e *SleepExecutor) SetDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.d.Store(int64(d))
}

func (e *SleepExecutor) Duration() time.Duration { return time.Duration(e.d.Load()) }

func (e *SleepExecutor) Execute(ctx context.Context, it task.Item) error {
	details := it.Details()
	e.log.Info("Current task details",
		logx.String("user", details["user"]),
		logx.String("name", details["name"]),
		logx.String("description", details["description"]),
		logx.String("priority", details["priority"]),
	)

	d := e.Duration()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
