package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"weeknotify/internal/alarm"
	"weeknotify/internal/capability"
	"weeknotify/internal/config"
	"weeknotify/internal/eventbus"
	"weeknotify/internal/notifier"
	"weeknotify/internal/periodic"
	"weeknotify/internal/reminder"
	"weeknotify/internal/runtime/supervisor"
	"weeknotify/internal/storage"
	"weeknotify/internal/task/engine"
	kit "weeknotify/internal/transport"
	"weeknotify/internal/transport/console"
	telegram "weeknotify/internal/transport/telegram/adapter"
	logx "weeknotify/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	engine *engine.Service
	alarms *alarm.Service
	jobs   *periodic.Service
	notif  *notifier.Service
	perm   *capability.Toggle
	sched  *reminder.Scheduler

	loc atomic.Pointer[time.Location]

	// alarmExec runs alarm handlers; nil means the task engine.
	alarmExec alarm.Executor

	statusPath string

	regMu      sync.Mutex
	registered map[int]bool
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(ctx, sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ad, err := newAdapter(cfg, log)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
	}
	if err := a.assemble(cfg); err != nil {
		closeStore(store)
		return nil, err
	}
	if err := a.mirrorLogs(cfg); err != nil {
		log.Warn("log mirror to telegram disabled", logx.Err(err))
	}
	return a, nil
}

// assemble builds the scheduling stack on top of the app's logger, bus, store
// and adapter.
func (a *App) assemble(cfg *config.Config) error {
	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}

	log := a.log
	a.loc.Store(loc)
	a.perm = capability.NewToggle(cfg.Notifications.PermissionGranted)
	a.registered = map[int]bool{}

	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	alarmExec := a.alarmExec
	if alarmExec == nil {
		alarmExec = a.engine
	}
	a.alarms = alarm.New(alarm.Config{MaxAlarms: cfg.Scheduler.MaxAlarms}, alarmExec, log.With(logx.String("comp", "alarm")), a.bus)
	a.jobs = periodic.New(periodic.Config{
		Timezone: cfg.Scheduler.Timezone,
		MaxJobs:  cfg.Scheduler.MaxJobs,
	}, a.engine, log.With(logx.String("comp", "periodic")), a.bus)
	a.notif = notifier.New(ncfg, a.adapter, log.With(logx.String("comp", "notifier")), a.bus, a.store)

	sched, err := reminder.New(reminder.Options{
		Clock:       reminder.ClockFunc(a.now),
		Timers:      a.alarms,
		Jobs:        a.jobs,
		Checker:     a.perm,
		Dispatcher:  a.notif,
		FallbackKey: cfg.Scheduler.FallbackKey,
		Log:         log,
		Bus:         a.bus,
	})
	if err != nil {
		return err
	}
	a.sched = sched
	a.alarms.SetHandler(sched.Exact().HandleFire)
	a.jobs.RegisterWorker(reminder.FallbackWorker, sched.Fallback().Run)
	return nil
}

// mirrorLogs points the log service's Telegram sink at the configured chat.
// It reuses the delivery adapter when the channel is telegram.
func (a *App) mirrorLogs(cfg *config.Config) error {
	if a.logs == nil {
		return nil
	}
	if !cfg.Logging.Telegram.Enabled {
		a.logs.SetTelegramTarget(nil, kit.ChatTarget{})
		return nil
	}
	sender := a.adapter
	if sender == nil || sender.Name() != "telegram" {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		ad, err := telegram.New(tc, a.log)
		if err != nil {
			return err
		}
		sender = ad
	}
	a.logs.SetTelegramTarget(sender, kit.ChatTarget{ChatID: cfg.LogChatID(), ThreadID: cfg.Logging.Telegram.ThreadID})
	return nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
	switch cfg.Channel() {
	case "telegram":
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		return telegram.New(tc, log)
	default:
		return console.New(log), nil
	}
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// now is the reminder clock: wall time in the configured scheduler timezone.
func (a *App) now() time.Time {
	return time.Now().In(a.loc.Load())
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapTelegramConfig(cfg)
		return err
	})

	runCtx := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.engine.Start(runCtx)
	a.alarms.Start(runCtx)
	a.jobs.Start(runCtx)

	cfg := a.cfgm.Get()
	if err := a.registerReminders(runCtx, cfg); err != nil {
		a.log.Error("some reminders could not be scheduled", logx.Err(err))
	}
	if !a.perm.Granted() {
		a.log.Warn("notification permission not granted; reminders will re-arm without delivering")
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	if path := cfg.StatusPath(); path != "" {
		every, err := config.ParseDuration("status.interval", cfg.Status.Interval, 30*time.Second)
		if err != nil || every <= 0 {
			every = 30 * time.Second
		}
		a.statusPath = path
		a.sup.Go0("status.write", func(c context.Context) { a.statusLoop(c, path, every) })
	}
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("channel", a.adapter.Name()),
		logx.String("tz", a.loc.Load().String()),
		logx.Int("reminders", len(cfg.Reminders)),
	)
	return nil
}

// registerReminders brings both mechanisms in line with cfg.Reminders.
// Exact alarms for ids no longer declared are cancelled. The fallback job is
// cancelled when it is disabled or nothing is declared.
func (a *App) registerReminders(ctx context.Context, cfg *config.Config) error {
	reqs, err := cfg.ReminderRequests()
	if err != nil {
		return err
	}

	a.regMu.Lock()
	defer a.regMu.Unlock()

	want := make(map[int]bool, len(reqs))
	for _, r := range reqs {
		want[r.ID] = true
	}
	for id := range a.registered {
		if !want[id] {
			a.alarms.Cancel(id)
			delete(a.registered, id)
			a.log.Info("reminder removed", logx.Int("id", id))
		}
	}

	disableFallback := cfg.Scheduler.DisableFallback
	if !disableFallback && len(reqs) > 1 {
		// The fallback job holds one request; each Schedule replaces it.
		a.log.Warn("periodic fallback covers only the last declared reminder; the others rely on their exact alarms alone",
			logx.Int("reminders", len(reqs)),
			logx.Int("fallback_id", reqs[len(reqs)-1].ID),
			logx.String("key", a.sched.Fallback().Key()),
		)
	}
	var errs []error
	for _, req := range reqs {
		var err error
		if disableFallback {
			err = a.sched.Exact().ScheduleExactWeekly(ctx, req)
		} else {
			err = a.sched.Schedule(ctx, req)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reminder %d: %w", req.ID, err))
			a.log.Warn("reminder schedule failed", logx.Int("id", req.ID), logx.Err(err))
		}
		// A partial failure may still have armed the exact alarm.
		a.registered[req.ID] = true

		next, _ := a.sched.Next(req)
		a.log.Info("reminder scheduled",
			logx.Int("id", req.ID),
			logx.String("weekday", req.Weekday.String()),
			logx.String("time", fmt.Sprintf("%02d:%02d", req.Hour, req.Minute)),
			logx.Time("next", next),
		)
	}

	if (disableFallback || len(reqs) == 0) && a.jobs.Cancel(a.sched.Fallback().Key()) {
		a.log.Info("fallback job cancelled", logx.String("key", a.sched.Fallback().Key()))
	}
	return errors.Join(errs...)
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.ReminderRearmFailed, eventbus.AlarmEnqueueFailed, eventbus.NotifierFailed, eventbus.NotifierDrop:
				a.log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			newCfg = latest(sub, newCfg)
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func latest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if changed["logging"] && a.logs != nil {
		if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
			a.log.Warn("log file sink disabled", logx.Err(err))
		}
		if err := a.mirrorLogs(newCfg); err != nil {
			a.log.Warn("log mirror to telegram disabled", logx.Err(err))
		}
	}

	if changed["notifications"] {
		if prev := a.perm.Granted(); prev != newCfg.Notifications.PermissionGranted {
			a.perm.Set(newCfg.Notifications.PermissionGranted)
			a.log.Info("notification permission changed", logx.Bool("granted", newCfg.Notifications.PermissionGranted))
		}
		if oldCfg.Channel() != newCfg.Channel() {
			a.log.Warn("notifications.channel changed; restart required", logx.String("channel", newCfg.Channel()))
		}
	}

	if changed["notifier"] || changed["notifications"] {
		ncfg, err := mapNotifierConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			prevEnabled := a.notif.Enabled()
			a.notif.Apply(ncfg)
			if prevEnabled && !ncfg.Enabled {
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			} else if !prevEnabled && ncfg.Enabled {
				a.log.Info("notifier enabled via config")
				a.notif.Start(c)
			}
		}
	}

	if changed["scheduler"] {
		if loc, err := loadLocation(newCfg.Scheduler.Timezone); err == nil {
			a.loc.Store(loc)
		}
		a.alarms.Apply(alarm.Config{MaxAlarms: newCfg.Scheduler.MaxAlarms})
		if oldCfg.Scheduler.FallbackKey != newCfg.Scheduler.FallbackKey {
			a.log.Warn("scheduler.fallback_key changed; restart required")
		}
	}

	if changed["scheduler"] || changed["reminders"] {
		if err := a.registerReminders(c, newCfg); err != nil {
			a.log.Error("reminder re-registration failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Last snapshot, taken before the alarms are dropped.
	if a.statusPath != "" {
		a.step(ctx, "status", time.Second, func(c context.Context) error { return WriteStatus(a.statusPath, a.Status()) })
	}

	// Triggers stop before the engine so nothing new is enqueued while it drains.
	a.step(ctx, "alarm", 2*time.Second, func(c context.Context) error { a.alarms.Stop(c); return nil })
	a.step(ctx, "periodic", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Uint64("events_dropped", eventbus.Dropped(a.bus)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit so a stuck component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
