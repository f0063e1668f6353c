package periodic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"weeknotify/internal/eventbus"
	"weeknotify/internal/task/engine"
	logx "weeknotify/pkg/logx"
)

type jobDef struct {
	req     Request
	sched   *delayedSchedule
	entryID cron.EntryID
}

// Service is a periodic-job facility built on robfig/cron.
//
// Jobs are unique per key. Each firing enqueues the registered worker into the
// task engine; the facility re-runs it every Period without any help from the caller.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	exec Executor

	c       *cron.Cron
	running bool
	workers map[string]Worker
	jobs    map[string]*jobDef

	now func() time.Time
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		exec:    exec,
		workers: map[string]Worker{},
		jobs:    map[string]*jobDef{},
		now:     time.Now,
	}
	s.loc = s.loadLocation(cfg.Timezone)
	s.c = cron.New(cron.WithLocation(s.loc))
	return s
}

// RegisterWorker makes a job body available under name.
func (s *Service) RegisterWorker(name string, w Worker) {
	name = strings.TrimSpace(name)
	if name == "" || w == nil {
		return
	}
	s.mu.Lock()
	s.workers[name] = w
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.c.Start()
	s.running = true
	s.log.Info("periodic service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop stops triggering. Registered jobs stay and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.c
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("periodic service stopped")
}

// EnqueueUniquePeriodic registers req under req.Key. With Replace, an existing
// job is cancelled and superseded; with Keep, an existing job is left as is.
func (s *Service) EnqueueUniquePeriodic(ctx context.Context, req Request, policy Policy) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	req.Key = strings.TrimSpace(req.Key)
	req.Worker = strings.TrimSpace(req.Worker)
	if req.Key == "" {
		return ErrKeyRequired
	}
	if req.Period < MinPeriod {
		return fmt.Errorf("%w: %s < %s", ErrPeriodTooShort, req.Period, MinPeriod)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[req.Worker]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, req.Worker)
	}
	if old, ok := s.jobs[req.Key]; ok {
		if policy == Keep {
			s.log.Debug("periodic job kept", logx.String("key", req.Key))
			return nil
		}
		s.c.Remove(old.entryID)
		delete(s.jobs, req.Key)
	} else if s.cfg.MaxJobs > 0 && len(s.jobs) >= s.cfg.MaxJobs {
		return fmt.Errorf("%w (max %d)", ErrTooManyJobs, s.cfg.MaxJobs)
	}

	req.Input = append([]byte(nil), req.Input...)
	d := &jobDef{req: req, sched: newDelayedSchedule(req.Period, req.InitialDelay, s.now().In(s.loc))}
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() { s.trigger(d) }))
	s.jobs[req.Key] = d

	s.log.Debug("periodic job registered",
		logx.String("key", req.Key),
		logx.String("worker", req.Worker),
		logx.String("policy", policy.String()),
		logx.Duration("period", req.Period),
		logx.Time("first_run", d.sched.first),
	)
	return nil
}

// Cancel removes the job under key. It reports whether one existed.
func (s *Service) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs[strings.TrimSpace(key)]
	if !ok {
		return false
	}
	s.c.Remove(d.entryID)
	delete(s.jobs, d.req.Key)
	return true
}

// Jobs returns the registered jobs ordered by key.
func (s *Service) Jobs() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.jobs))
	for _, d := range s.jobs {
		it := Info{
			Key:          d.req.Key,
			Worker:       d.req.Worker,
			Period:       d.req.Period,
			InitialDelay: d.req.InitialDelay,
			FirstRun:     d.sched.first,
		}
		if s.running {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out = append(out, it)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Service) trigger(d *jobDef) {
	s.mu.Lock()
	cur, ok := s.jobs[d.req.Key]
	w := s.workers[d.req.Worker]
	exec := s.exec
	s.mu.Unlock()
	// A replaced definition may still fire once if cron already picked it.
	if !ok || cur != d || w == nil || exec == nil {
		return
	}

	job := Job{Key: d.req.Key, Worker: d.req.Worker, Input: d.req.Input, ScheduledAt: s.now()}
	eventbus.Publish(s.bus, eventbus.PeriodicFired, Info{Key: d.req.Key, Worker: d.req.Worker, Period: d.req.Period})

	err := exec.Enqueue(engine.Task{
		Name:    "periodic." + d.req.Key,
		Timeout: d.req.Timeout,
		Run:     func(ctx context.Context) error { return runWorker(ctx, w, job) },
	})
	if err != nil {
		s.log.Warn("periodic job failed to enqueue", logx.String("key", d.req.Key), logx.Err(err))
	}
}

func runWorker(ctx context.Context, w Worker, job Job) error {
	switch res := w(ctx, job); res {
	case Success:
		return nil
	case Retry:
		return errJobRetry
	default:
		return engine.NoRetry(fmt.Errorf("%w: %s", ErrJobFailed, job.Key))
	}
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
