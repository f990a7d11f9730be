package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`
	HTTP    HTTPConfig    `json:"http"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Tracing TracingConfig  `json:"tracing,omitempty"`

	// Schedules submit a fixed task on a recurring trigger.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// EngineConfig controls the task engine.
//
// All durations are Go duration strings (e.g. "50ms", "5s").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - poll_interval: "100ms"
//   - requeue_pause: "50ms"
//   - work_duration: "5s"
//   - backlog_warn: 1000 (negative disables)
type EngineConfig struct {
	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	RequeuePause string `json:"requeue_pause,omitempty"`
	WorkDuration string `json:"work_duration,omitempty"`
	BacklogWarn  int    `json:"backlog_warn,omitempty"`
}

// HTTPConfig controls the submission/inspection API.
//
// Security note:
//   - Prefer binding to localhost.
//   - Token, when set, is required as "Authorization: Bearer <token>" (do not log).
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8000"
	Token   string `json:"token,omitempty"`

	// Pprof mounts /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the run history log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskmgr.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TracingConfig enables per-task spans written by the stdout exporter.
// An empty Output writes to stdout.
type TracingConfig struct {
	Enabled bool   `json:"enabled"`
	Output  string `json:"output,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ScheduleConfig is one recurring submission. Spec accepts a cron expression
// ("*/5 * * * *", "@every 1m"), a Go duration ("30s") or an "HH:MM" interval.
type ScheduleConfig struct {
	Name        string `json:"name"`
	Owner       string `json:"owner,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority"`
	Spec        string `json:"spec"`

	// Disabled keeps an entry in the file without triggering it.
	Disabled bool `json:"disabled,omitempty"`
}
