package app

import (
	"time"

	"weeknotify/internal/config"
	"weeknotify/internal/reminder"
)

// Upcoming is the next trigger of one declared reminder.
type Upcoming struct {
	ID      int
	Title   string
	Weekday time.Weekday
	Hour    int
	Minute  int
	Next    time.Time
}

// Preview computes the next trigger of every reminder in cfg as seen from
// from, in the configured scheduler timezone. Nothing is scheduled.
func Preview(cfg *config.Config, from time.Time) ([]Upcoming, error) {
	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	reqs, err := cfg.ReminderRequests()
	if err != nil {
		return nil, err
	}
	now := from.In(loc)
	out := make([]Upcoming, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, Upcoming{
			ID:      r.ID,
			Title:   r.Title,
			Weekday: r.Weekday,
			Hour:    r.Hour,
			Minute:  r.Minute,
			Next:    reminder.NextTrigger(now, r.Weekday, r.Hour, r.Minute),
		})
	}
	return out, nil
}
