package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmgr/internal/task"
	logx "taskmgr/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   SpecKind
		cron   string
		every  time.Duration
		source string
		err    string
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "  @every 55m ", kind: SpecCron, cron: "@every 55m", source: "cron"},
		{in: "cron: 0 3 * * *", kind: SpecCron, cron: "0 3 * * *", source: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, source: "duration"},
		{in: "2h30m", kind: SpecInterval, every: 150 * time.Minute, source: "duration"},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute, source: "hhmm"},
		{in: "interval: 00:50", kind: SpecInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "EVERY:10s", kind: SpecInterval, every: 10 * time.Second, source: "duration"},
		{in: "", err: "schedule required"},
		{in: "cron:", err: "cron schedule required"},
		{in: "00:00", err: "interval must be > 0"},
		{in: "01:75", err: "invalid minutes"},
		{in: "-5m", err: "interval must be > 0"},
		{in: "every:", err: "interval required"},
		{in: "soonish", err: "invalid schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ps, err := ParseSchedule(tt.in)
			if tt.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ps.Kind)
			assert.Equal(t, tt.cron, ps.Cron)
			assert.Equal(t, tt.every, ps.Every)
			assert.Equal(t, tt.source, ps.Source)
		})
	}
}

func TestParsedSpecString(t *testing.T) {
	t.Parallel()
	ps, err := ParseSchedule("01:00")
	require.NoError(t, err)
	assert.Equal(t, "@every 1h0m0s", ps.String())
	assert.Equal(t, "interval", ps.Kind.String())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good := Schedule{Spec: "1m", Task: task.Spec{Name: "ok", Priority: "Low"}}
	require.NoError(t, Validate(Config{Schedules: []Schedule{good}}))

	err := Validate(Config{
		Timezone: "Mars/Olympus",
		Schedules: []Schedule{
			good,
			good,
			{Spec: "1m", Task: task.Spec{Name: "badprio", Priority: "Urgent"}},
			{Spec: "61 * * * *", Task: task.Spec{Name: "badcron", Priority: "Low"}},
			{Spec: "1m", Task: task.Spec{Priority: "Low"}},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrInvalidPriority)
	for _, want := range []string{"Mars/Olympus", `"ok": duplicate`, `"badprio"`, `"badcron"`, "name required"} {
		assert.Contains(t, err.Error(), want)
	}
}

type recordingSubmitter struct {
	mu    sync.Mutex
	specs []task.Spec
	err   error
}

func (r *recordingSubmitter) Submit(spec task.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	return r.err
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

func TestServiceSubmitsOnTrigger(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	spec := task.Spec{Owner: "ops", Name: "tick", Description: "every second", Priority: "High"}
	s, err := New(Config{Schedules: []Schedule{{Spec: "@every 1s", Task: spec}}}, sub, logx.Nop())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return sub.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	sub.mu.Lock()
	assert.Equal(t, spec, sub.specs[0])
	sub.mu.Unlock()

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "tick", snap[0].Name)
	assert.Equal(t, "High", snap[0].Priority)
	assert.GreaterOrEqual(t, snap[0].Fired, uint64(1))
	assert.False(t, snap[0].Next.IsZero())
	assert.Empty(t, snap[0].LastErr)
}

func TestServiceRecordsSubmitErrors(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{err: errors.New("task engine stopped")}
	s, err := New(Config{Schedules: []Schedule{{Spec: "@every 1s", Task: task.Spec{Name: "tick", Priority: "Low"}}}}, sub, logx.Nop())
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].LastErr != ""
	}, 3*time.Second, 20*time.Millisecond)
}

func TestApplyReplacesSchedules(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	s, err := New(Config{Schedules: []Schedule{{Spec: "1h", Task: task.Spec{Name: "a", Priority: "Low"}}}}, sub, logx.Nop())
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err = s.Apply(Config{Schedules: []Schedule{{Spec: "bogus", Task: task.Spec{Name: "b", Priority: "Low"}}}})
	require.Error(t, err)
	require.Len(t, s.Snapshot(), 1)
	assert.Equal(t, "a", s.Snapshot()[0].Name)

	require.NoError(t, s.Apply(Config{Schedules: []Schedule{
		{Spec: "0 3 * * *", Task: task.Spec{Name: "b", Priority: "High"}},
		{Spec: "30m", Task: task.Spec{Name: "c", Priority: "Medium"}},
	}}))
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Name)
	assert.Equal(t, "@every 30m0s", snap[1].Spec)
	for _, si := range snap {
		assert.False(t, si.Next.IsZero(), si.Name)
	}
}

func TestFirstRunOffset(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now, "x")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 30*time.Second)

	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, first.Add(time.Minute).Truncate(time.Second), sched.Next(first))
}
