package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskmgr/internal/config"
	"taskmgr/internal/eventbus"
	"taskmgr/internal/observability/tracing"
	rtsup "taskmgr/internal/runtime/supervisor"
	"taskmgr/internal/storage"
	"taskmgr/internal/task/engine"
	"taskmgr/internal/task/scheduler"
	"taskmgr/internal/transport/httpapi"
	logx "taskmgr/pkg/logx"
)

// Version is stamped at build time with -ldflags "-X taskmgr/internal/app.Version=...".
var Version = "dev"

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	tracing bool // provider installed by tracing.Init

	engine *engine.Service
	sched  *scheduler.Service
	http   *httpapi.Server
}

// New loads the config file at path and builds every component. Nothing runs until Start.
func New(path string) (*App, error) {
	cfgm := config.NewManager(path)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return scheduler.Validate(mapSchedulerConfig(cfg))
	})
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	logs, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log)

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New()}
	fail := func(err error) (*App, error) {
		a.closeResources(context.Background())
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		a.store = st
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init("taskmgr", Version, strings.TrimSpace(cfg.Tracing.Output)); err != nil {
			return fail(fmt.Errorf("tracing: %w", err))
		}
		a.tracing = true
	}

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.engine = engine.New(ec, nil, log.With(logx.String("comp", "engine")), a.bus)

	a.sched, err = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return fail(err)
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}
	opts := []httpapi.Option{
		httpapi.WithSchedules(a.sched.Snapshot),
		httpapi.WithRuntime(a.runtimeSnapshots),
	}
	if a.store != nil {
		opts = append(opts, httpapi.WithHistory(a.store))
	}
	a.http = httpapi.NewServer(hc, httpapi.New(a.engine, log, opts...), log)
	return a, nil
}

// Engine exposes the task engine (used by tests and embedding callers).
func (a *App) Engine() *engine.Service { return a.engine }

// HTTP exposes the API server.
func (a *App) HTTP() *httpapi.Server { return a.http }

func (a *App) runtimeSnapshots() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{
		"app":    a.sup.Snapshot(),
		"engine": a.engine.Supervisor().Snapshot(),
		"http":   a.http.Supervisor().Snapshot(),
	}
}

// Done is closed when the app's run context ends, including after a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)
	run := a.sup.Context()

	// Subscribe before the engine starts so no early event is missed.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("history.record", func(c context.Context) error {
		defer unsub()
		return recordHistory(c, events, a.store, a.log.With(logx.String("comp", "history")))
	})

	if err := a.engine.Start(run); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sched.Start(run)

	hc, err := mapHTTPConfig(a.cfgm.Get())
	if err != nil {
		// Load already validated this config.
		a.log.Warn("invalid http config; api disabled", logx.Err(err))
	} else {
		a.http.Reconfigure(run, hc)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	es := a.engine.Snapshot()
	a.log.Info("app started",
		logx.String("version", Version),
		logx.Int("workers", es.Workers),
		logx.Int("schedules", len(a.sched.Snapshot())),
		logx.Bool("http", hc.Enabled),
		logx.Bool("history", a.store != nil),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "tracing" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}

	if err := a.sched.Apply(mapSchedulerConfig(next)); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources(ctx)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Front door first so nothing new arrives while the engine drains.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 30*time.Second, a.engine.Stop)

	// Recorder and watchers end with the run context.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, errEngineFatal) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	a.closeResources(ctx)
	return nil
}

// closeResources releases storage, tracing and logging, in that order.
func (a *App) closeResources(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.tracing {
		if err := tracing.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn("tracing shutdown failed", logx.Err(err))
		}
		a.tracing = false
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
