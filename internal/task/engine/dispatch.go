package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"taskmgr/internal/eventbus"
	"taskmgr/internal/observability/tracing"
	"taskmgr/internal/task"
	logx "taskmgr/pkg/logx"
)

// dispatch is the control loop. It is the only writer of slot status.
func (s *Service) dispatch(r *run) error {
	for {
		select {
		case <-r.stop:
			return nil
		case <-r.abort:
			return s.Err()
		default:
		}

		s.drainCompletions(r)
		workers, poll, pause := s.tunables()

		it, ok := s.pending.ExtractMax()
		if !ok {
			s.wait(r, poll, true)
			continue
		}

		if busySlots(r.slots) < workers {
			if sl := idleSlot(r.slots); sl != nil {
				if err := sl.transition(StatusRunning); err != nil {
					// Unreachable with a single writer; keep the item rather than lose it.
					s.pending.Insert(it)
					return err
				}
				s.launch(r, sl, it)
				if err := sl.transition(StatusBusy); err != nil {
					return err
				}
				continue
			}

			if len(r.slots) < workers {
				r.growDone(workers)
				sl := newSlot()
				r.slotsMu.Lock()
				r.slots = append(r.slots, sl)
				r.slotsMu.Unlock()
				s.log.Debug("worker slot created", logx.String("slot", sl.id.String()), logx.Int("live", len(r.slots)))
				s.launch(r, sl, it)
				continue
			}
		}

		// Ceiling reached: put the item back. It loses its place among equal
		// priorities, and a higher item arriving now may overtake it.
		s.pending.Insert(it)
		s.wait(r, pause, false)
	}
}

// wait blocks for at most d, returning early on stop, abort, a completion, or
// (when wakeOnSubmit is set) a new submission.
func (s *Service) wait(r *run, d time.Duration, wakeOnSubmit bool) {
	wake := r.wake
	if !wakeOnSubmit {
		wake = nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.stop:
	case <-r.abort:
	case <-wake:
	case id := <-r.done:
		s.markIdle(r, id)
	case <-t.C:
	}
}

func (s *Service) drainCompletions(r *run) {
	for {
		select {
		case id := <-r.done:
			s.markIdle(r, id)
		default:
			return
		}
	}
}

func (s *Service) markIdle(r *run, id uuid.UUID) {
	for _, sl := range r.slots {
		if sl.id != id {
			continue
		}
		if err := sl.transition(StatusIdle); err != nil {
			s.log.Warn("ignoring completion", logx.Err(err))
		}
		return
	}
	s.log.Warn("completion for unknown slot", logx.String("slot", id.String()))
}

func busySlots(slots []*slot) int {
	n := 0
	for _, sl := range slots {
		if !sl.Status().Available() {
			n++
		}
	}
	return n
}

// idleSlot returns any slot that can take work; no preference among them.
func idleSlot(slots []*slot) *slot {
	for _, sl := range slots {
		if sl.Status().Available() {
			return sl
		}
	}
	return nil
}

func (s *Service) launch(r *run, sl *slot, it task.Item) {
	s.running.Start(it)
	sl.assign(r.taskCtx, it,
		func(ctx context.Context, it task.Item) { s.execute(ctx, sl.id, it) },
		func(id uuid.UUID) { s.complete(r, it, id) },
	)
}

// complete runs on the worker goroutine once the task body has returned.
func (s *Service) complete(r *run, it task.Item, id uuid.UUID) {
	s.running.Finish(it.Name)
	r.doneMu.RLock()
	err := s.notify(r.done, id)
	r.doneMu.RUnlock()
	if err != nil {
		s.abortRun(r, err)
	}
}

func notifyCompletion(ch chan uuid.UUID, id uuid.UUID) error {
	select {
	case ch <- id:
		return nil
	default:
		return fmt.Errorf("%w: completion for slot %s not delivered", ErrInternalDispatch, id)
	}
}

func (s *Service) abortRun(r *run, err error) {
	s.mu.Lock()
	if s.run == r && s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	r.abortOnce.Do(func() {
		close(r.abort)
		s.log.Error("dispatcher aborted; no further tasks will be assigned", logx.Err(err), logx.Int("pending", s.pending.Len()))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EngineFatal, Time: time.Now(), Data: err.Error()})
		}
	})
}

// execute runs the task body with panic recovery. Failures stop here.
func (s *Service) execute(ctx context.Context, slotID uuid.UUID, it task.Item) {
	start := time.Now()
	ev := newTaskEvent(it)
	ev.Slot = slotID.String()
	ev.Started = start
	s.publish(eventbus.TaskStarted, start, ev)
	s.log.Debug("task.started", logx.String("task", it.Name), logx.String("priority", it.Priority.String()), logx.String("slot", ev.Slot))

	ctx, span := tracing.StartSpan(ctx, "task.execute", map[string]string{
		"task.owner":    it.Owner,
		"task.name":     it.Name,
		"task.priority": it.Priority.String(),
		"slot.id":       ev.Slot,
	})

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
				s.log.Error("task.panic", logx.String("task", it.Name), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()
		return s.exec.Execute(ctx, it)
	}()
	span.End(err)

	ev.Duration = time.Since(start)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrTaskFailed, it.Name, err)
		ev.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("task.failed", logx.String("task", it.Name), logx.Err(err), logx.Duration("dur", ev.Duration))
		s.publish(eventbus.TaskFailed, time.Now(), ev)
		return
	}
	s.completed.Add(1)
	if ev.Duration >= 750*time.Millisecond {
		s.log.Info("task.completed", logx.String("task", it.Name), logx.Duration("dur", ev.Duration))
	} else {
		s.log.Debug("task.completed", logx.String("task", it.Name), logx.Duration("dur", ev.Duration))
	}
	s.publish(eventbus.TaskFinished, time.Now(), ev)
}
