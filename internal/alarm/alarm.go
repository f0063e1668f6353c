package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"weeknotify/internal/eventbus"
	"weeknotify/internal/task/engine"
	logx "weeknotify/pkg/logx"
)

var (
	ErrNotRunning    = errors.New("alarm service not running")
	ErrTooManyAlarms = errors.New("too many pending alarms")
	ErrInvalidTime   = errors.New("alarm time required")
	ErrNoHandler     = errors.New("alarm handler not set")
	// ErrSuperseded is returned by Rearm when the key was cancelled or
	// registered again after the fire being handled.
	ErrSuperseded    = errors.New("alarm superseded since it fired")
)

const defaultMaxAlarms = 500

type Config struct {
	// MaxAlarms caps the number of distinct pending keys. 0 means default (500).
	MaxAlarms int
	// Timeout bounds each handler run. 0 uses the engine default.
	Timeout time.Duration
}

// Fire is what a handler receives when an alarm goes off.
type Fire struct {
	Key     int
	At      time.Time // the instant the alarm was registered for
	FiredAt time.Time
	Payload []byte

	gen uint64
}

// Handler runs on an engine worker, never on the timer goroutine.
type Handler func(ctx context.Context, f Fire) error

// Executor is the subset of the task engine used to run handlers.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Info describes one pending alarm.
type Info struct {
	Key int
	At  time.Time
}

// EnqueueFailure is published when a fired alarm's handler was rejected by
// the executor. The registration is gone at that point.
type EnqueueFailure struct {
	Key int
	At  time.Time
	Err string
}

type entry struct {
	at      time.Time
	payload []byte
	ver     uint64
	timer   *time.Timer
}

// Service is an in-process exact one-shot timer facility keyed by integer id.
//
// Registrations live only as long as the process: Stop drops every pending alarm.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	exec    Executor
	handler Handler
	running bool

	alarms map[int]*entry
	ver    map[int]uint64
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxAlarms <= 0 {
		cfg.MaxAlarms = defaultMaxAlarms
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		exec:   exec,
		alarms: map[int]*entry{},
		ver:    map[int]uint64{},
	}
}

// SetHandler installs the callback invoked for every fired alarm.
func (s *Service) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	if cfg.MaxAlarms <= 0 {
		cfg.MaxAlarms = defaultMaxAlarms
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.log.Info("alarm service started")
}

// Stop cancels every runtime timer. Nothing is persisted.
func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	n := len(s.alarms)
	for k, e := range s.alarms {
		e.timer.Stop()
		delete(s.alarms, k)
	}
	s.running = false
	s.mu.Unlock()
	s.log.Info("alarm service stopped", logx.Int("dropped_alarms", n))
}

// ScheduleOnce registers a one-shot alarm at the given instant, replacing any
// pending alarm under the same key. Instants in the past fire immediately.
func (s *Service) ScheduleOnce(ctx context.Context, key int, at time.Time, payload []byte) error {
	return s.register(ctx, key, at, payload, nil)
}

// Rearm registers the next alarm for a key from inside its handler. It fails
// with ErrSuperseded when Cancel or ScheduleOnce touched the key after f fired,
// so an in-flight handler cannot resurrect a removed alarm.
func (s *Service) Rearm(ctx context.Context, f Fire, at time.Time, payload []byte) error {
	return s.register(ctx, f.Key, at, payload, &f.gen)
}

func (s *Service) register(ctx context.Context, key int, at time.Time, payload []byte, since *uint64) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if at.IsZero() {
		return ErrInvalidTime
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if s.handler == nil {
		return ErrNoHandler
	}
	if since != nil && s.ver[key] != *since {
		return ErrSuperseded
	}
	if old, ok := s.alarms[key]; ok {
		old.timer.Stop()
		delete(s.alarms, key)
	} else if len(s.alarms) >= s.cfg.MaxAlarms {
		return fmt.Errorf("%w (max %d)", ErrTooManyAlarms, s.cfg.MaxAlarms)
	}

	// Bump version so a stale callback from a replaced timer is ignored.
	ver := s.ver[key] + 1
	s.ver[key] = ver

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	e := &entry{at: at, payload: append([]byte(nil), payload...), ver: ver}
	e.timer = time.AfterFunc(delay, func() { s.fire(key, ver) })
	s.alarms[key] = e

	s.log.Debug("alarm registered", logx.Int("key", key), logx.Time("at", at), logx.Duration("in", delay))
	return nil
}

// Cancel removes a pending alarm. It reports whether one existed.
// Handlers already running for key can no longer Rearm it.
func (s *Service) Cancel(key int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ver[key]++
	e, ok := s.alarms[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.alarms, key)
	return true
}

// Pending returns the registered alarms ordered by fire time.
func (s *Service) Pending() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.alarms))
	for k, e := range s.alarms {
		out = append(out, Info{Key: k, At: e.at})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *Service) fire(key int, ver uint64) {
	s.mu.Lock()
	e, ok := s.alarms[key]
	if !ok || e.ver != ver || !s.running {
		s.mu.Unlock()
		return
	}
	// Remove before running: the handler may re-register the same key.
	delete(s.alarms, key)
	h := s.handler
	exec := s.exec
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	f := Fire{Key: key, At: e.at, FiredAt: time.Now(), Payload: e.payload, gen: ver}
	eventbus.Publish(s.bus, eventbus.AlarmFired, Info{Key: key, At: e.at})

	if exec == nil || h == nil {
		return
	}
	err := exec.Enqueue(engine.Task{
		Name:    "alarm." + strconv.Itoa(key),
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return h(ctx, f) },
	})
	if err != nil {
		// The registration is already consumed; nothing will re-arm this key.
		s.log.Error("alarm fired but handler could not be queued", logx.Int("key", key), logx.Time("at", e.at), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.AlarmEnqueueFailed, EnqueueFailure{Key: key, At: e.at, Err: err.Error()})
	}
}
