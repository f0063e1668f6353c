package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"weeknotify/internal/alarm"
	"weeknotify/internal/capability"
	"weeknotify/internal/eventbus"
	"weeknotify/internal/task/engine"
	logx "weeknotify/pkg/logx"
)

type exactFixture struct {
	clock  *fixedClock
	timers *fakeTimers
	disp   *fakeDispatcher
	bus    eventbus.Bus
	s      *ExactScheduler
}

func newExactFixture(now time.Time, checker capability.Checker) *exactFixture {
	f := &exactFixture{
		clock:  &fixedClock{t: now},
		timers: newFakeTimers(),
		disp:   &fakeDispatcher{},
		bus:    eventbus.New(),
	}
	gate := NewGate(checker, f.disp, logx.Nop(), f.bus)
	f.s = NewExactScheduler(f.timers, f.clock, gate, logx.Nop(), f.bus)
	return f
}

func TestScheduleExactWeeklyRegistersNextTrigger(t *testing.T) {
	t.Parallel()
	f := newExactFixture(at(13, 10, 0, 0), capability.Static(true))
	req := validRequest()

	if err := f.s.ScheduleExactWeekly(context.Background(), req); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	a, ok := f.timers.get(req.ID)
	if !ok {
		t.Fatal("no alarm registered under request id")
	}
	if !a.at.Equal(at(15, 9, 0, 0)) {
		t.Fatalf("armed at %v", a.at)
	}
	got, err := DecodePayload(a.payload)
	if err != nil || got != req {
		t.Fatalf("payload = %+v, %v", got, err)
	}
}

func TestScheduleExactWeeklyFailures(t *testing.T) {
	t.Parallel()
	f := newExactFixture(at(13, 10, 0, 0), nil)

	bad := validRequest()
	bad.Minute = 75
	if err := f.s.ScheduleExactWeekly(context.Background(), bad); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("out of range: got %v", err)
	}
	if f.timers.calls != 0 {
		t.Fatal("facility must not be called for an invalid request")
	}

	f.timers.err = alarm.ErrTooManyAlarms
	err := f.s.ScheduleExactWeekly(context.Background(), validRequest())
	if !errors.Is(err, ErrRegistration) || !errors.Is(err, alarm.ErrTooManyAlarms) {
		t.Fatalf("registration failure: got %v", err)
	}
}

func fireOf(t *testing.T, req Request, when time.Time) alarm.Fire {
	t.Helper()
	b, err := EncodePayload(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return alarm.Fire{Key: req.ID, At: when, FiredAt: when, Payload: b}
}

func TestHandleFireDispatchesAndRearmsOneWeekLater(t *testing.T) {
	t.Parallel()
	fired := at(15, 9, 0, 0)
	f := newExactFixture(fired, capability.Static(true))
	req := validRequest()

	if err := f.s.HandleFire(context.Background(), fireOf(t, req, fired)); err != nil {
		t.Fatalf("HandleFire: %v", err)
	}
	if f.disp.count() != 1 {
		t.Fatalf("dispatched %d times, want 1", f.disp.count())
	}
	a, ok := f.timers.get(req.ID)
	if !ok {
		t.Fatal("not re-armed")
	}
	if got := a.at.Sub(fired); got != 7*24*time.Hour {
		t.Fatalf("re-armed %v after fire, want 7 days", got)
	}
}

func TestHandleFireLateStillTargetsNextWeek(t *testing.T) {
	t.Parallel()
	fired := at(15, 9, 0, 0)
	f := newExactFixture(fired.Add(3*time.Minute), capability.Static(true))
	req := validRequest()

	_ = f.s.HandleFire(context.Background(), fireOf(t, req, fired))
	a, _ := f.timers.get(req.ID)
	if !a.at.Equal(at(22, 9, 0, 0)) {
		t.Fatalf("re-armed at %v", a.at)
	}
}

func TestHandleFireRearmsWhenSuppressed(t *testing.T) {
	t.Parallel()
	fired := at(15, 9, 0, 0)
	f := newExactFixture(fired, capability.Static(false))
	req := validRequest()

	if err := f.s.HandleFire(context.Background(), fireOf(t, req, fired)); err != nil {
		t.Fatalf("HandleFire: %v", err)
	}
	if f.disp.count() != 0 {
		t.Fatal("dispatcher called while capability denied")
	}
	if _, ok := f.timers.get(req.ID); !ok {
		t.Fatal("loop must keep running while capability is denied")
	}
}

func TestHandleFireMalformedPayload(t *testing.T) {
	t.Parallel()
	f := newExactFixture(at(15, 9, 0, 0), capability.Static(true))
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	err := f.s.HandleFire(context.Background(), alarm.Fire{Key: 5, At: at(15, 9, 0, 0), Payload: []byte(`{"id":5,"title":"","body":"x","weekday":3,"hour":9,"minute":0}`)})
	if !errors.Is(err, ErrMalformedRequest) || !engine.IsNoRetry(err) {
		t.Fatalf("got %v, want no-retry malformed", err)
	}
	if f.disp.count() != 0 || f.timers.calls != 0 {
		t.Fatalf("malformed fire dispatched=%d rearm calls=%d", f.disp.count(), f.timers.calls)
	}
	if e := <-events; e.Type != eventbus.ReminderMalformed {
		t.Fatalf("event = %q", e.Type)
	}
}

func TestHandleFireRearmFailureKeepsDispatch(t *testing.T) {
	t.Parallel()
	fired := at(15, 9, 0, 0)
	f := newExactFixture(fired, capability.Static(true))
	f.timers.err = alarm.ErrNotRunning
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	if err := f.s.HandleFire(context.Background(), fireOf(t, validRequest(), fired)); err != nil {
		t.Fatalf("re-arm failure must not fail the handler, got %v", err)
	}
	if f.disp.count() != 1 {
		t.Fatal("dispatch should have happened before the re-arm")
	}

	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	if !seen[eventbus.ReminderDispatched] || !seen[eventbus.ReminderRearmFailed] {
		t.Fatalf("events = %v", seen)
	}
}

func TestHandleFireDispatchErrorStillRearms(t *testing.T) {
	t.Parallel()
	fired := at(15, 9, 0, 0)
	f := newExactFixture(fired, capability.Static(true))
	f.disp.err = errors.New("queue full")

	err := f.s.HandleFire(context.Background(), fireOf(t, validRequest(), fired))
	if err == nil || engine.IsNoRetry(err) {
		t.Fatalf("dispatch failure should be retryable, got %v", err)
	}
	if _, ok := f.timers.get(validRequest().ID); !ok {
		t.Fatal("not re-armed after dispatch failure")
	}
}

type inlineExec struct{}

func (inlineExec) Enqueue(t engine.Task) error { return t.Run(context.Background()) }

func TestExactLoopWithAlarmService(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC().Truncate(time.Minute)
	clock := &fixedClock{t: now}
	disp := &fakeDispatcher{}

	svc := alarm.New(alarm.Config{}, inlineExec{}, logx.Nop(), nil)
	gate := NewGate(capability.Static(true), disp, logx.Nop(), nil)
	s := NewExactScheduler(svc, clock, gate, logx.Nop(), nil)
	svc.SetHandler(s.HandleFire)
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	req := Request{ID: 9, Title: "t", Body: "b", Weekday: now.Weekday(), Hour: now.Hour(), Minute: now.Minute()}
	if err := s.ScheduleExactWeekly(context.Background(), req); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	want := now.Add(7 * 24 * time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p := svc.Pending()
		if disp.count() == 1 && len(p) == 1 && p[0].At.Equal(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dispatched=%d pending=%+v, want one re-armed alarm at %v", disp.count(), svc.Pending(), want)
}

func TestHandleFireSupersededStopsQuietly(t *testing.T) {
	t.Parallel()
	fired := at(15, 9, 0, 0)
	f := newExactFixture(fired, capability.Static(true))
	req := validRequest()
	f.timers.superseded[req.ID] = true
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	if err := f.s.HandleFire(context.Background(), fireOf(t, req, fired)); err != nil {
		t.Fatalf("HandleFire: %v", err)
	}
	if f.disp.count() != 1 {
		t.Fatalf("dispatched %d times, want 1", f.disp.count())
	}
	if _, ok := f.timers.get(req.ID); ok {
		t.Fatal("cancelled id was re-armed")
	}
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.ReminderRearmFailed || e.Type == eventbus.ReminderRearmed {
			t.Fatalf("unexpected event %q for a cancelled id", e.Type)
		}
	}
}
