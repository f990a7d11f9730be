package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskmgr/internal/eventbus"
	rtsup "taskmgr/internal/runtime/supervisor"
	"taskmgr/internal/task"
	"taskmgr/internal/task/queue"
	logx "taskmgr/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service owns the pending store, the running set and, while started, one
// dispatcher loop with its worker slots.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	exec    Executor
	run     *run
	stopped bool  // set once a run has fully stopped
	fatal   error // first ErrInternalDispatch of the current run

	pending *queue.Store
	running RunningSet

	// notify delivers a completion to the dispatcher; replaced in tests.
	notify func(ch chan uuid.UUID, id uuid.UUID) error

	backlogWarn *rate.Limiter

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// run is the state of one Start..Stop cycle.
type run struct {
	sup *rtsup.Supervisor

	// taskCtx keeps the values of the start context but is never canceled:
	// stopping does not interrupt in-flight work.
	taskCtx context.Context

	stop      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	wake      chan struct{}
	stopDone  chan struct{}

	// done is replaced only by the dispatcher, under doneMu, when the
	// ceiling grows past its capacity.
	doneMu sync.RWMutex
	done   chan uuid.UUID

	slotsMu sync.RWMutex
	slots   []*slot // appended by the dispatcher only
}

func (r *run) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// growDone keeps the completion channel able to hold one completion per
// slot. Buffered completions move to the new channel.
func (r *run) growDone(n int) {
	if cap(r.done) >= n {
		return
	}
	r.doneMu.Lock()
	defer r.doneMu.Unlock()
	next := make(chan uuid.UUID, n)
	for {
		select {
		case id := <-r.done:
			next <- id
		default:
			r.done = next
			return
		}
	}
}

func (r *run) slotList() []*slot {
	r.slotsMu.RLock()
	out := make([]*slot, len(r.slots))
	copy(out, r.slots)
	r.slotsMu.RUnlock()
	return out
}

// New creates the engine. A nil exec uses a SleepExecutor driven by cfg.WorkDuration.
func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if exec == nil {
		exec = NewSleepExecutor(cfg.WorkDuration, log)
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		exec:        exec,
		pending:     queue.New(),
		notify:      notifyCompletion,
		backlogWarn: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
}

// Start launches the dispatcher loop. Starting a running engine fails with
// ErrAlreadyRunning; starting while a Stop is in progress waits for it first.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.run == nil {
			break
		}
		done := s.run.stopDone
		s.mu.Unlock()
		if done == nil {
			return ErrAlreadyRunning
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cfg := s.cfg
	r := &run{
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
		taskCtx: context.WithoutCancel(ctx),
		stop:    make(chan struct{}),
		abort:   make(chan struct{}),
		wake:    make(chan struct{}, 1),
		// One outstanding completion per slot at most.
		done: make(chan uuid.UUID, cfg.Workers),
	}
	s.run = r
	s.fatal = nil
	s.stopped = false
	s.mu.Unlock()

	r.sup.Go("dispatcher", func(context.Context) error { return s.dispatch(r) })
	// Work left pending by a previous run is picked up immediately.
	r.kick()

	s.log.Info("task engine started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Int("pending", s.pending.Len()),
	)
	return nil
}

// Stop signals the dispatcher and waits for it and for every in-flight task.
// If ctx ends first, Stop returns ctx.Err() and the join continues in the background.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return nil
	}
	if r.stopDone == nil {
		r.stopDone = make(chan struct{})
		close(r.stop)
		go s.finishStop(r)
	}
	done := r.stopDone
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("task engine stopped", logx.Int("pending", s.pending.Len()))
		return nil
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()), logx.Int("running", s.running.Len()))
		return ctx.Err()
	}
}

func (s *Service) finishStop(r *run) {
	_ = r.sup.Wait(context.Background())
	for _, sl := range r.slotList() {
		sl.shutdown()
	}
	r.sup.Cancel()

	s.mu.Lock()
	if s.run == r {
		s.run = nil
		s.stopped = true
	}
	s.mu.Unlock()
	close(r.stopDone)
}

// Apply swaps the config without restarting the loop. The dispatcher picks
// up the ceiling and its timings on its next pass; in-flight tasks and
// submissions are unaffected. Lowering the ceiling keeps existing slots but
// no more than the new ceiling run at once.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	if se, ok := s.exec.(*SleepExecutor); ok {
		se.SetDuration(cfg.WorkDuration)
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	r := s.run
	s.mu.Unlock()

	if prev == cfg {
		return
	}
	if r != nil {
		r.kick()
	}
	s.log.Info("task engine config applied",
		logx.Int("workers", cfg.Workers),
		logx.Int("prev_workers", prev.Workers),
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Duration("work_duration", cfg.WorkDuration),
	)
}

// tunables returns the live dispatch settings.
func (s *Service) tunables() (workers int, poll, pause time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Workers, s.cfg.PollInterval, s.cfg.RequeuePause
}

// Submit parses spec and enqueues it. It never blocks on load.
func (s *Service) Submit(spec task.Spec) error {
	it, err := spec.Item()
	if err != nil {
		return err
	}
	return s.SubmitItem(it)
}

// SubmitItem enqueues an already-built item.
func (s *Service) SubmitItem(it task.Item) error {
	if strings.TrimSpace(it.Name) == "" {
		return fmt.Errorf("%w: name is required", task.ErrInvalidItem)
	}
	if !it.Priority.Valid() {
		return fmt.Errorf("%w: %s", task.ErrInvalidPriority, it.Priority)
	}

	s.mu.Lock()
	r := s.run
	stopped := s.stopped
	fatal := s.fatal
	cfg := s.cfg
	s.mu.Unlock()

	switch {
	case r == nil && stopped:
		return ErrStopped
	case r == nil:
		return ErrNotStarted
	case r.stopDone != nil:
		return ErrStopped
	case fatal != nil:
		return fmt.Errorf("%w: %w", ErrStopped, fatal)
	}

	s.pending.Insert(it)
	s.submitted.Add(1)
	r.kick()

	now := time.Now()
	s.publish(eventbus.TaskSubmitted, now, newTaskEvent(it))
	s.log.Debug("task.submitted", logx.String("task", it.Name), logx.String("owner", it.Owner), logx.String("priority", it.Priority.String()))

	if cfg.BacklogWarn > 0 {
		if n := s.pending.Len(); n >= cfg.BacklogWarn && s.backlogWarn.Allow() {
			s.log.Warn("pending backlog is growing", logx.Int("pending", n), logx.Int("workers", cfg.Workers), logx.Int("running", s.running.Len()))
		}
	}
	return nil
}

// Running returns the items currently executing.
func (s *Service) Running() []task.Item { return s.running.List() }

// Pending returns a copy of the pending store contents.
func (s *Service) Pending() []task.Item { return s.pending.Snapshot() }

// Err returns the fatal dispatch error of the current run, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Supervisor returns the supervisor of the current run, or nil while stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.sup
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	r := s.run
	cfg := s.cfg
	fatal := s.fatal
	s.mu.Unlock()

	snap := Snapshot{
		Running:      r != nil && r.stopDone == nil && fatal == nil,
		Workers:      cfg.Workers,
		Pending:      s.pending.Len(),
		RunningTasks: s.running.List(),
		Slots:        []SlotInfo{},
		Submitted:    s.submitted.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
	}
	if fatal != nil {
		snap.Fatal = fatal.Error()
	}
	if r != nil {
		for _, sl := range r.slotList() {
			si := sl.info()
			snap.Slots = append(snap.Slots, si)
			snap.Live++
			if sl.Status().Available() {
				snap.Idle++
			} else {
				snap.Busy++
			}
		}
	}
	return snap
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
