package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"weeknotify/internal/alarm"
	"weeknotify/internal/eventbus"
	"weeknotify/internal/task/engine"
	logx "weeknotify/pkg/logx"
)

// Clock supplies wall-clock time. Its location is the schedule's time zone.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Timers registers one-shot exact wake-ups keyed by id. A second call with
// the same key replaces the first.
//
// Rearm is the same registration made from a fire's handler; it returns
// alarm.ErrSuperseded when the key was cancelled or replaced after f fired.
type Timers interface {
	ScheduleOnce(ctx context.Context, key int, at time.Time, payload []byte) error
	Rearm(ctx context.Context, f alarm.Fire, at time.Time, payload []byte) error
}

// ExactScheduler is the primary mechanism: a one-shot alarm that re-arms
// itself every time it fires.
type ExactScheduler struct {
	timers Timers
	clock  Clock
	gate   *Gate
	log    logx.Logger
	bus    eventbus.Bus
}

func NewExactScheduler(timers Timers, clock Clock, gate *Gate, log logx.Logger, bus eventbus.Bus) *ExactScheduler {
	return &ExactScheduler{timers: timers, clock: clock, gate: gate, log: log, bus: bus}
}

// ScheduleExactWeekly registers the next occurrence of req, replacing any
// alarm already registered under req.ID.
func (s *ExactScheduler) ScheduleExactWeekly(ctx context.Context, req Request) error {
	_, err := s.scheduleAt(ctx, req, s.clock.Now(), s.timers.ScheduleOnce)
	return err
}

type registerFunc func(ctx context.Context, key int, at time.Time, payload []byte) error

func (s *ExactScheduler) scheduleAt(ctx context.Context, req Request, now time.Time, register registerFunc) (time.Time, error) {
	if err := req.Validate(); err != nil {
		return time.Time{}, err
	}
	payload, err := EncodePayload(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	at := NextTrigger(now, req.Weekday, req.Hour, req.Minute)
	if err := register(ctx, req.ID, at, payload); err != nil {
		return time.Time{}, fmt.Errorf("%w: exact alarm %d: %w", ErrRegistration, req.ID, err)
	}
	s.log.Debug("exact reminder armed", logx.Int("id", req.ID), logx.Time("at", at))
	return at, nil
}

// HandleFire is the alarm callback: dispatch through the gate, then register
// the following week's occurrence.
//
// A malformed payload is reported and neither dispatched nor re-armed; the
// returned error is marked no-retry. A failed re-arm is logged and published
// but does not fail the handler. When the id was cancelled or registered again
// while this fire was in flight, the loop stops quietly.
func (s *ExactScheduler) HandleFire(ctx context.Context, f alarm.Fire) error {
	req, err := DecodePayload(f.Payload)
	if err != nil {
		s.log.Error("exact reminder payload rejected", logx.Int("key", f.Key), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.ReminderMalformed, Event{ID: f.Key, Mechanism: "exact", Err: err.Error()})
		return engine.NoRetry(err)
	}

	outcome, dispatchErr := s.gate.TryDispatch(ctx, req)
	if dispatchErr != nil {
		s.log.Warn("exact reminder dispatch failed", logx.Int("id", req.ID), logx.Err(dispatchErr))
	} else {
		s.log.Info("exact reminder fired",
			logx.Int("id", req.ID),
			logx.String("outcome", outcome.String()),
			logx.Duration("late", f.FiredAt.Sub(f.At)),
		)
	}

	// An on-time fire must land exactly one week later, even if the clock
	// still reads the fired instant.
	now := s.clock.Now()
	if floor := f.At.Add(time.Nanosecond); now.Before(floor) {
		now = floor.In(now.Location())
	}
	rearm := func(ctx context.Context, key int, at time.Time, payload []byte) error {
		return s.timers.Rearm(ctx, f, at, payload)
	}
	next, err := s.scheduleAt(ctx, req, now, rearm)
	switch {
	case errors.Is(err, alarm.ErrSuperseded):
		s.log.Info("exact reminder not re-armed: cancelled or replaced since it fired", logx.Int("id", req.ID))
	case err != nil:
		s.log.Error("exact reminder re-arm failed; no further exact deliveries for this id",
			logx.Int("id", req.ID), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.ReminderRearmFailed, Event{ID: req.ID, Mechanism: "exact", Err: err.Error()})
	default:
		eventbus.Publish(s.bus, eventbus.ReminderRearmed, Event{ID: req.ID, Mechanism: "exact", Next: next.Format(time.RFC3339)})
	}
	return dispatchErr
}
