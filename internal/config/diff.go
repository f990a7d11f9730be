package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskmgr/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging (tokens are reported as set/unset only).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		es, _ := newCfg.Engine.Settings()
		attrs = append(attrs,
			logx.Int("engine.workers", es.Workers),
			logx.Duration("engine.poll_interval", es.PollInterval),
			logx.Duration("engine.requeue_pause", es.RequeuePause),
			logx.Duration("engine.work_duration", es.WorkDuration),
			logx.Int("engine.backlog_warn", es.BacklogWarn),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled ||
		strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.Pprof != nh.Pprof ||
		strings.TrimSpace(oh.ReadTimeout) != strings.TrimSpace(nh.ReadTimeout) ||
		strings.TrimSpace(oh.WriteTimeout) != strings.TrimSpace(nh.WriteTimeout) ||
		strings.TrimSpace(oh.IdleTimeout) != strings.TrimSpace(nh.IdleTimeout) ||
		strings.TrimSpace(oh.Token) != strings.TrimSpace(nh.Token) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs, logx.Bool("tracing.enabled", newCfg.Tracing.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.count", len(newCfg.Schedules)),
			logx.Strs("schedules.changed", diffSchedules(oldCfg.Schedules, newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffSchedules returns the sorted names of schedules that were added, removed or edited.
func diffSchedules(oldS, newS []ScheduleConfig) []string {
	oldM := make(map[string]ScheduleConfig, len(oldS))
	for _, s := range oldS {
		oldM[s.Name] = s
	}
	newM := make(map[string]ScheduleConfig, len(newS))
	for _, s := range newS {
		newM[s.Name] = s
	}

	out := []string{}
	for name, o := range oldM {
		if n, ok := newM[name]; !ok || n != o {
			out = append(out, name)
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
