package app

import (
	"context"
	"errors"
	"time"

	"taskmgr/internal/eventbus"
	"taskmgr/internal/storage"
	"taskmgr/internal/task/engine"
	logx "taskmgr/pkg/logx"
)

const historyWriteTimeout = 2 * time.Second

// errEngineFatal ends the app supervisor when the dispatcher aborts.
var errEngineFatal = errors.New("task engine dispatcher aborted")

// runRecord converts a finished or failed task event. ok is false for other events.
func runRecord(e eventbus.Event) (storage.RunRecord, bool) {
	ev, isTask := e.Data.(engine.TaskEvent)
	if !isTask {
		return storage.RunRecord{}, false
	}
	var status string
	switch e.Type {
	case eventbus.TaskFinished:
		status = storage.StatusCompleted
	case eventbus.TaskFailed:
		status = storage.StatusFailed
	default:
		return storage.RunRecord{}, false
	}
	finished := e.Time
	if finished.IsZero() {
		finished = ev.Started.Add(ev.Duration)
	}
	return storage.RunRecord{
		Finished:    finished,
		Started:     ev.Started,
		Owner:       ev.Owner,
		Name:        ev.Name,
		Description: ev.Description,
		Priority:    ev.Priority,
		Slot:        ev.Slot,
		Status:      status,
		Error:       ev.Error,
		TookMS:      ev.Duration.Milliseconds(),
	}, true
}

// recordHistory drains task events into store until ctx ends. store may be nil,
// in which case only engine.fatal is acted on.
func recordHistory(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type == eventbus.EngineFatal {
				msg, _ := e.Data.(string)
				log.Error("engine fatal event", logx.String("err", msg))
				return errEngineFatal
			}
			if store == nil {
				continue
			}
			rec, ok := runRecord(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
			err := store.AppendRun(wctx, rec)
			cancel()
			if err != nil {
				log.Warn("history append failed", logx.String("task", rec.Name), logx.Err(err))
			}
		}
	}
}
