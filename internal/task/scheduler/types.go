package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"taskmgr/internal/task"
)

// Submitter accepts work; the task engine implements it.
type Submitter interface {
	Submit(spec task.Spec) error
}

// Config is the full set of recurring submissions.
type Config struct {
	Timezone  string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
	Schedules []Schedule
}

// Schedule submits Task every time Spec fires.
type Schedule struct {
	Spec string
	Task task.Spec
}

func (s Schedule) Name() string { return s.Task.Name }

type scheduleDef struct {
	sched  Schedule
	parsed ParsedSpec

	entryID       cron.EntryID
	startupSpread time.Duration

	fired   uint64
	lastErr string
	lastAt  time.Time
}

// ScheduleInfo is the inspection view of one schedule.
type ScheduleInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Priority string    `json:"priority"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Fired    uint64    `json:"fired"`
	LastErr  string    `json:"last_error,omitempty"`
}
