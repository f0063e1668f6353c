package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"weeknotify/internal/eventbus"
	logx "weeknotify/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		unsub()
	})
	return s, events
}

func waitTaskEvent(t *testing.T, events <-chan eventbus.Event) (string, TaskEvent) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if te, ok := ev.Data.(TaskEvent); ok {
				return ev.Type, te
			}
		case <-timeout:
			t.Fatal("timed out waiting for task event")
		}
	}
}

func TestEnqueueRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s, events := startEngine(t, Config{Enabled: true, Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})

	var calls atomic.Int32
	err := s.Enqueue(Task{Name: "flaky", Run: func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	typ, ev := waitTaskEvent(t, events)
	if typ != eventbus.TaskDone {
		t.Fatalf("event type = %s (%+v)", typ, ev)
	}
	if ev.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", ev.Attempts, calls.Load())
	}
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	t.Parallel()
	s, events := startEngine(t, Config{Enabled: true, Workers: 1, RetryMax: 5, RetryBase: time.Millisecond})

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "permanent", Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad input"))
	}})

	typ, ev := waitTaskEvent(t, events)
	if typ != eventbus.TaskFailed {
		t.Fatalf("event type = %s", typ)
	}
	if calls.Load() != 1 || ev.Attempts != 1 {
		t.Fatalf("calls = %d attempts = %d, want 1", calls.Load(), ev.Attempts)
	}
	if hist := s.Snapshot().History; len(hist) != 1 || hist[0].Error == "" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestEnqueueRejectsWhenNotRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() = %v, want ErrStopped", err)
	}
	d := New(Config{}, logx.Nop(), nil)
	if err := d.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue() = %v, want ErrDisabled", err)
	}
}

func TestIsNoRetry(t *testing.T) {
	t.Parallel()
	base := errors.New("x")
	wrapped := NoRetry(base)
	if !IsNoRetry(wrapped) || !errors.Is(wrapped, base) {
		t.Fatal("expected NoRetry to wrap and be detectable")
	}
	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) should be nil")
	}
}
