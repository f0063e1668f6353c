package reminder

import (
	"context"
	"errors"
	"time"

	"weeknotify/internal/capability"
	"weeknotify/internal/eventbus"
	logx "weeknotify/pkg/logx"
)

// Options carries the facilities a Scheduler is built from.
type Options struct {
	Clock      Clock
	Timers     Timers
	Jobs       Jobs
	Checker    capability.Checker
	Dispatcher Dispatcher

	// FallbackKey is the periodic job key. Empty means DefaultFallbackKey.
	FallbackKey string

	Log logx.Logger
	Bus eventbus.Bus
}

// Scheduler composes the exact (primary) and periodic (fallback) mechanisms
// around one clock and one gate.
type Scheduler struct {
	clock    Clock
	exact    *ExactScheduler
	fallback *FallbackScheduler
}

func New(opts Options) (*Scheduler, error) {
	if opts.Timers == nil {
		return nil, errors.New("reminder: timer facility required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("reminder: job facility required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("reminder: dispatcher required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "reminder"))

	gate := NewGate(opts.Checker, opts.Dispatcher, log, opts.Bus)
	return &Scheduler{
		clock:    clock,
		exact:    NewExactScheduler(opts.Timers, clock, gate, log, opts.Bus),
		fallback: NewFallbackScheduler(opts.Jobs, clock, gate, opts.FallbackKey, log, opts.Bus),
	}, nil
}

func (s *Scheduler) Exact() *ExactScheduler       { return s.exact }
func (s *Scheduler) Fallback() *FallbackScheduler { return s.fallback }

// Schedule registers req with both mechanisms. An invalid request is rejected
// before either facility is touched; facility failures are joined.
func (s *Scheduler) Schedule(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return errors.Join(
		s.exact.ScheduleExactWeekly(ctx, req),
		s.fallback.ScheduleFallbackWeekly(ctx, req),
	)
}

// Next previews the trigger instant both mechanisms would compute now.
func (s *Scheduler) Next(req Request) (time.Time, error) {
	if err := req.Validate(); err != nil {
		return time.Time{}, err
	}
	return NextTrigger(s.clock.Now(), req.Weekday, req.Hour, req.Minute), nil
}
