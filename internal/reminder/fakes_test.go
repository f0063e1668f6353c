package reminder

import (
	"context"
	"sync"
	"time"

	"weeknotify/internal/alarm"
	"weeknotify/internal/periodic"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type armed struct {
	at      time.Time
	payload []byte
}

type fakeTimers struct {
	mu         sync.Mutex
	err        error
	calls      int
	rearms     int
	set        map[int]armed
	superseded map[int]bool
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{set: map[int]armed{}, superseded: map[int]bool{}}
}

func (f *fakeTimers) ScheduleOnce(ctx context.Context, key int, at time.Time, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.set[key] = armed{at: at, payload: payload}
	return nil
}

func (f *fakeTimers) Rearm(ctx context.Context, fire alarm.Fire, at time.Time, payload []byte) error {
	f.mu.Lock()
	f.rearms++
	superseded := f.superseded[fire.Key]
	f.mu.Unlock()
	if superseded {
		return alarm.ErrSuperseded
	}
	return f.ScheduleOnce(ctx, fire.Key, at, payload)
}

func (f *fakeTimers) get(key int) (armed, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.set[key]
	return a, ok
}

type fakeJobs struct {
	mu   sync.Mutex
	err  error
	jobs map[string]periodic.Request
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]periodic.Request{}} }

func (f *fakeJobs) EnqueueUniquePeriodic(ctx context.Context, req periodic.Request, policy periodic.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.jobs[req.Key]; ok && policy == periodic.Keep {
		return nil
	}
	f.jobs[req.Key] = req
	return nil
}

type post struct {
	id          int
	title, body string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	err   error
	posts []post
}

func (d *fakeDispatcher) PostNotification(ctx context.Context, id int, title, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.posts = append(d.posts, post{id: id, title: title, body: body})
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.posts)
}

func validRequest() Request {
	return Request{ID: 42, Title: "Weekly report", Body: "Your portfolio report is ready", Weekday: time.Wednesday, Hour: 9, Minute: 0}
}
