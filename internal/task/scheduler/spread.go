package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// firstRunOffset delays only the first trigger of an interval schedule so
// schedules registered together do not all fire on the same tick.
type firstRunOffset struct {
	base  cron.Schedule
	first time.Time
}

func (s *firstRunOffset) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread returns the schedule and the extra delay
// applied to its first run: a random fraction of min(every, 30s), seeded by name.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &firstRunOffset{base: base, first: now.Add(every + jitter)}, jitter
}
