package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "taskmgr/pkg/logx"
)

// Supervisor runs named goroutines under one cancelable context, recovers
// their panics and keeps the first failure.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	launched atomic.Uint64
	firstErr atomic.Pointer[error]

	mu       sync.Mutex
	routines map[string]*RoutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// RoutineStats aggregates every run of one goroutine name.
type RoutineStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Runs      uint64    `json:"runs"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastExit  time.Time `json:"last_exit,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Active     int64          `json:"active"`
	Started    uint64         `json:"started"`
	FirstError string         `json:"first_error,omitempty"`
	Goroutines []RoutineStats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{log: logx.Nop(), routines: map[string]*RoutineStats{}}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	if s == nil {
		return nil
	}
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	s.firstErr.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot is safe on a nil Supervisor.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{Goroutines: []RoutineStats{}}
	}
	snap := Snapshot{Started: s.launched.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Goroutines = make([]RoutineStats, 0, len(s.routines))
	for _, r := range s.routines {
		snap.Active += r.Active
		snap.Goroutines = append(snap.Goroutines, *r)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}

func (s *Supervisor) track(name string, fn func(r *RoutineStats)) {
	s.mu.Lock()
	r := s.routines[name]
	if r == nil {
		r = &RoutineStats{Name: name}
		s.routines[name] = r
	}
	fn(r)
	s.mu.Unlock()
}

// runOnce calls fn with panic recovery and bookkeeping. A panic becomes an error.
func (s *Supervisor) runOnce(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	s.track(name, func(r *RoutineStats) {
		r.Active++
		r.Runs++
		if restart {
			r.Restarts++
		}
		r.LastStart = time.Now()
	})
	defer func() {
		rec := recover()
		if rec != nil {
			err = fmt.Errorf("panic in %s: %v", name, rec)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
		s.track(name, func(r *RoutineStats) {
			r.Active--
			r.LastExit = time.Now()
			if rec != nil {
				r.Panics++
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				r.LastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

// Go runs fn once. Returning an error other than context.Canceled, or
// panicking, is a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.launched.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.runOnce(name, false, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	min, max     time.Duration
	publishFirst bool
}

// WithRestartBackoff bounds the delay between restarts. It doubles per
// consecutive failure and resets after a run that lasted 30s.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithPublishFirstError records restarted failures as the supervisor error.
// The context is never canceled by a restarted goroutine.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirst = enabled }
}

// GoRestart reruns fn after every failure until the context ends. A nil or
// context.Canceled return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.max = max(cfg.max, cfg.min)

	s.launched.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.min
		for restart := false; s.ctx.Err() == nil; restart = true {
			began := time.Now()
			err := s.runOnce(name, restart, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			if cfg.publishFirst {
				s.firstErr.CompareAndSwap(nil, &err)
			}

			if time.Since(began) >= 30*time.Second {
				backoff = cfg.min
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.max)
		}
	}()
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends. It returns Err()
// once all goroutines are done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}
