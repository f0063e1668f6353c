package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"weeknotify/internal/eventbus"
	"weeknotify/internal/periodic"
	logx "weeknotify/pkg/logx"
)

const (
	// Week is the fallback job period.
	Week = 7 * 24 * time.Hour

	// DefaultFallbackKey names the single fallback stream.
	DefaultFallbackKey = "weekly-reminder"
	// FallbackWorker is the periodic worker name the job body is registered under.
	FallbackWorker = "reminder.weekly"
)

// Jobs registers unique periodic jobs.
type Jobs interface {
	EnqueueUniquePeriodic(ctx context.Context, req periodic.Request, policy periodic.Policy) error
}

// FallbackScheduler is the redundant mechanism: a 7-day periodic job whose
// first run lands on the next trigger instant. It never re-arms itself.
type FallbackScheduler struct {
	jobs  Jobs
	clock Clock
	gate  *Gate
	key   string
	log   logx.Logger
	bus   eventbus.Bus
}

func NewFallbackScheduler(jobs Jobs, clock Clock, gate *Gate, key string, log logx.Logger, bus eventbus.Bus) *FallbackScheduler {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultFallbackKey
	}
	return &FallbackScheduler{jobs: jobs, clock: clock, gate: gate, key: key, log: log, bus: bus}
}

// Key is the fixed job key every registration replaces.
func (s *FallbackScheduler) Key() string { return s.key }

// ScheduleFallbackWeekly registers the periodic job for req with REPLACE
// policy, superseding the previous registration under the same key.
func (s *FallbackScheduler) ScheduleFallbackWeekly(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := EncodePayload(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	now := s.clock.Now()
	t := NextTrigger(now, req.Weekday, req.Hour, req.Minute)
	err = s.jobs.EnqueueUniquePeriodic(ctx, periodic.Request{
		Key:          s.key,
		Worker:       FallbackWorker,
		Period:       Week,
		InitialDelay: t.Sub(now),
		Input:        payload,
	}, periodic.Replace)
	if err != nil {
		return fmt.Errorf("%w: fallback job %q: %w", ErrRegistration, s.key, err)
	}
	s.log.Debug("fallback reminder enqueued", logx.Int("id", req.ID), logx.String("key", s.key), logx.Time("first_run", t))
	return nil
}

// Run is the periodic job body.
func (s *FallbackScheduler) Run(ctx context.Context, job periodic.Job) periodic.Result {
	req, err := DecodePayload(job.Input)
	if err != nil {
		s.log.Error("fallback reminder payload rejected", logx.String("key", job.Key), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.ReminderMalformed, Event{Mechanism: "fallback", Err: err.Error()})
		return periodic.Failure
	}
	outcome, err := s.gate.TryDispatch(ctx, req)
	if err != nil {
		s.log.Warn("fallback reminder dispatch failed", logx.Int("id", req.ID), logx.Err(err))
		return periodic.Retry
	}
	s.log.Info("fallback reminder ran", logx.Int("id", req.ID), logx.String("outcome", outcome.String()))
	return periodic.Success
}
