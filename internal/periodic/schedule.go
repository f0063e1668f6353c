package periodic

import (
	"time"

	"github.com/robfig/cron/v3"
)

// minInitialDelay keeps the first run strictly after the instant cron computes
// the entry's first Next, so a zero delay still produces a first run.
const minInitialDelay = time.Second

// delayedSchedule fires once at first, then delegates to base.
type delayedSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func newDelayedSchedule(period, initialDelay time.Duration, now time.Time) *delayedSchedule {
	if initialDelay < minInitialDelay {
		initialDelay = minInitialDelay
	}
	return &delayedSchedule{base: cron.Every(period), first: now.Add(initialDelay)}
}
