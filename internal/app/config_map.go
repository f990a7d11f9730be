package app

import (
	"strings"

	"taskmgr/internal/config"
	"taskmgr/internal/storage"
	"taskmgr/internal/task/engine"
	"taskmgr/internal/task/scheduler"
	"taskmgr/internal/transport/httpapi"
	logx "taskmgr/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	es, err := cfg.Engine.Settings()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:      es.Workers,
		PollInterval: es.PollInterval,
		RequeuePause: es.RequeuePause,
		WorkDuration: es.WorkDuration,
		BacklogWarn:  es.BacklogWarn,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hs, err := cfg.HTTP.Settings()
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      hs.Enabled,
		Addr:         hs.Addr,
		Token:        hs.Token,
		Pprof:        hs.Pprof,
		ReadTimeout:  hs.ReadTimeout,
		WriteTimeout: hs.WriteTimeout,
		IdleTimeout:  hs.IdleTimeout,
	}, nil
}

// mapStorageConfig reports false when storage is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, config.DefaultBusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

// mapSchedulerConfig drops disabled entries.
func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	out := scheduler.Config{}
	for _, sc := range cfg.Schedules {
		if sc.Disabled {
			continue
		}
		out.Schedules = append(out.Schedules, scheduler.Schedule{Spec: sc.Spec, Task: sc.TaskSpec()})
	}
	return out
}
