package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"taskmgr/internal/task"
)

const (
	DefaultWorkers      = 4
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRequeuePause = 50 * time.Millisecond
	DefaultWorkDuration = 5 * time.Second
	DefaultBacklogWarn  = 1000
	DefaultHTTPAddr     = "127.0.0.1:8000"
	DefaultBusyTimeout  = 5 * time.Second
)

// EngineSettings is EngineConfig with defaults applied and durations parsed.
type EngineSettings struct {
	Workers      int
	PollInterval time.Duration
	RequeuePause time.Duration
	WorkDuration time.Duration
	BacklogWarn  int
}

func (c EngineConfig) Settings() (EngineSettings, error) {
	var errs []error
	s := EngineSettings{Workers: c.Workers, BacklogWarn: c.BacklogWarn}
	if s.Workers < 0 {
		errs = append(errs, fmt.Errorf("engine.workers: must be >= 0"))
	}
	if s.Workers == 0 {
		s.Workers = DefaultWorkers
	}
	switch {
	case s.BacklogWarn == 0:
		s.BacklogWarn = DefaultBacklogWarn
	case s.BacklogWarn < 0:
		s.BacklogWarn = 0
	}

	var err error
	if s.PollInterval, err = ParseDurationOrDefault("engine.poll_interval", c.PollInterval, DefaultPollInterval); err != nil {
		errs = append(errs, err)
	}
	if s.RequeuePause, err = ParseDurationOrDefault("engine.requeue_pause", c.RequeuePause, DefaultRequeuePause); err != nil {
		errs = append(errs, err)
	}
	// "0s" is a valid work duration (no simulated work); only omission defaults.
	if strings.TrimSpace(c.WorkDuration) == "" {
		s.WorkDuration = DefaultWorkDuration
	} else if s.WorkDuration, err = ParseDurationField("engine.work_duration", c.WorkDuration); err != nil {
		errs = append(errs, err)
	}
	return s, errors.Join(errs...)
}

// HTTPSettings is HTTPConfig with defaults applied and durations parsed.
type HTTPSettings struct {
	Enabled      bool
	Addr         string
	Token        string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c HTTPConfig) Settings() (HTTPSettings, error) {
	var errs []error
	s := HTTPSettings{
		Enabled: c.Enabled,
		Addr:    strings.TrimSpace(c.Addr),
		Token:   strings.TrimSpace(c.Token),
		Pprof:   c.Pprof,
	}
	if s.Addr == "" {
		s.Addr = DefaultHTTPAddr
	}
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		errs = append(errs, fmt.Errorf("http.addr: %w", err))
	}

	var err error
	if s.ReadTimeout, err = ParseDurationOrDefault("http.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	if s.WriteTimeout, err = ParseDurationOrDefault("http.write_timeout", c.WriteTimeout, 30*time.Second); err != nil {
		errs = append(errs, err)
	}
	if s.IdleTimeout, err = ParseDurationOrDefault("http.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		errs = append(errs, err)
	}
	return s, errors.Join(errs...)
}

// Validate reports every problem it finds, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := cfg.Engine.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.HTTP.Settings(); err != nil {
		errs = append(errs, err)
	}

	if st := cfg.Storage; st != nil {
		switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", d))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q (want none, file or sqlite)", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	seen := map[string]bool{}
	for i, sc := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate schedule %q", path, name))
		}
		seen[name] = true
		if _, err := task.ParsePriority(sc.Priority); err != nil {
			errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
		}
		if strings.TrimSpace(sc.Spec) == "" {
			errs = append(errs, fmt.Errorf("%s.spec: required", path))
		}
	}
	return errors.Join(errs...)
}

// TaskSpec is the submission a schedule makes on every trigger.
func (sc ScheduleConfig) TaskSpec() task.Spec {
	return task.Spec{
		Owner:       sc.Owner,
		Name:        sc.Name,
		Description: sc.Description,
		Priority:    sc.Priority,
	}
}
