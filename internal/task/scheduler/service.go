package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskmgr/internal/task"
	logx "taskmgr/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	sub Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, sub Submitter, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log,
		sub: sub,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastEnqWarn: map[string]time.Time{},
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every schedule without registering anything.
func Validate(cfg Config) error {
	_, err := compile(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor), cfg)
	return err
}

func compile(parser cron.Parser, cfg Config) ([]*scheduleDef, error) {
	var errs []error
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", tz, err))
		}
	}
	defs := make([]*scheduleDef, 0, len(cfg.Schedules))
	seen := map[string]bool{}
	for _, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name())
		if name == "" {
			errs = append(errs, errors.New("schedule name required"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("schedule %q: duplicate name", name))
			continue
		}
		seen[name] = true
		if _, err := sc.Task.Item(); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", name, err))
			continue
		}
		ps, err := ParseSchedule(sc.Spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", name, err))
			continue
		}
		if ps.Kind == SpecCron {
			if _, err := parser.Parse(ps.Cron); err != nil {
				errs = append(errs, fmt.Errorf("schedule %q: cron %q: %w", name, ps.Cron, err))
				continue
			}
		}
		defs = append(defs, &scheduleDef{sched: sc, parsed: ps})
	}
	return defs, errors.Join(errs...)
}

// Apply replaces the schedule set. A running service re-registers everything;
// counters of schedules that keep their name and spec are carried over.
func (s *Service) Apply(cfg Config) error {
	defs, err := compile(s.parser, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := make(map[string]*scheduleDef, len(s.defs))
	for _, d := range s.defs {
		old[d.sched.Name()] = d
	}
	for _, d := range defs {
		if o, ok := old[d.sched.Name()]; ok && o.parsed == d.parsed {
			d.fired, d.lastErr, d.lastAt = o.fired, o.lastErr, o.lastAt
		}
	}

	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	s.defs = defs
	if s.c == nil {
		return nil
	}
	if tzChanged {
		s.restartLocked()
		return nil
	}
	for _, e := range s.c.Entries() {
		s.c.Remove(e.ID)
	}
	s.registerAllLocked()
	return nil
}

// Start begins triggering. It is a no-op when already started.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.registerAllLocked()
	s.c.Start()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// Stop stops triggering and waits for a trigger in progress, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) registerAllLocked() {
	now := time.Now().In(s.loc)
	for _, d := range s.defs {
		var sched cron.Schedule
		switch d.parsed.Kind {
		case SpecInterval:
			sched, d.startupSpread = makeIntervalScheduleWithSpread(d.parsed.Every, now, d.sched.Name())
		default:
			cs, err := s.parser.Parse(d.parsed.Cron)
			if err != nil {
				s.log.Error("schedule register failed", logx.String("name", d.sched.Name()), logx.Err(err))
				continue
			}
			sched = cs
		}
		def := d
		d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(def) }))

		fields := []logx.Field{
			logx.String("name", d.sched.Name()),
			logx.String("spec", d.parsed.String()),
			logx.String("priority", d.sched.Task.Priority),
			logx.Time("next", sched.Next(now)),
		}
		if d.startupSpread > 0 {
			fields = append(fields, logx.Duration("startup_spread", d.startupSpread))
		}
		s.log.Debug("schedule registered", fields...)
	}
}

// fire runs on the cron goroutine.
func (s *Service) fire(d *scheduleDef) {
	err := s.sub.Submit(d.sched.Task)

	s.mu.Lock()
	d.fired++
	d.lastAt = time.Now()
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.reportEnqueueError(d.sched.Name(), err)
		return
	}
	s.log.Debug("schedule fired", logx.String("name", d.sched.Name()), logx.String("priority", d.sched.Task.Priority))
}

// reportEnqueueError logs at most once per schedule per throttle window.
func (s *Service) reportEnqueueError(name string, err error) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	lvl := s.log.Warn
	if errors.Is(err, task.ErrInvalidPriority) || errors.Is(err, task.ErrInvalidItem) {
		lvl = s.log.Error
	}
	lvl("schedule failed to submit task", logx.String("schedule", name), logx.Err(err))
}

// Snapshot lists schedules with their next and previous trigger times.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		si := ScheduleInfo{
			Name:     d.sched.Name(),
			Spec:     d.parsed.String(),
			Priority: d.sched.Task.Priority,
			Fired:    d.fired,
			LastErr:  d.lastErr,
			Prev:     d.lastAt,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			si.Next = e.Next
		}
		out = append(out, si)
	}
	return out
}
