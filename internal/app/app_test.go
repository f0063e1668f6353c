package app

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"weeknotify/internal/alarm"
	"weeknotify/internal/config"
	"weeknotify/internal/eventbus"
	"weeknotify/internal/reminder"
	"weeknotify/internal/task/engine"
	"weeknotify/internal/transport/console"
	logx "weeknotify/pkg/logx"
)

// heldExec keeps alarm handlers queued until the test runs them.
type heldExec struct {
	tasks chan engine.Task
}

func (e *heldExec) Enqueue(t engine.Task) error {
	e.tasks <- t
	return nil
}

func newTestApp(t *testing.T, cfg *config.Config, alarmExec alarm.Executor) *App {
	t.Helper()
	a := &App{
		log:       logx.Nop(),
		bus:       eventbus.New(),
		adapter:   console.New(logx.Nop()),
		alarmExec: alarmExec,
	}
	if err := a.assemble(cfg); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	ctx := context.Background()
	a.engine.Start(ctx)
	a.notif.Start(ctx)
	a.alarms.Start(ctx)
	a.jobs.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.alarms.Stop(stopCtx)
		a.jobs.Stop(stopCtx)
		a.engine.Stop(stopCtx)
		a.notif.Stop(stopCtx)
	})
	return a
}

// weekdayIn names the UTC weekday n days from now, keeping every trigger in
// these tests days away from the test clock.
func weekdayIn(n int) string {
	return strings.ToLower(time.Now().UTC().AddDate(0, 0, n).Weekday().String())
}

func reminderCfg(id int, days int) config.ReminderConfig {
	return config.ReminderConfig{ID: id, Title: "Reminder", Body: "body", Weekday: weekdayIn(days), Time: "09:00"}
}

func testConfig(reminders ...config.ReminderConfig) *config.Config {
	return &config.Config{
		Scheduler:     config.SchedulerConfig{Timezone: "UTC"},
		Notifications: config.NotificationsConfig{PermissionGranted: true, Channel: "console"},
		Reminders:     reminders,
	}
}

func pendingIDs(a *App) []int {
	var ids []int
	for _, p := range a.alarms.Pending() {
		ids = append(ids, p.Key)
	}
	sort.Ints(ids)
	return ids
}

func jobKeys(a *App) []string {
	var keys []string
	for _, j := range a.jobs.Jobs() {
		keys = append(keys, j.Key)
	}
	return keys
}

func TestRegisterRemindersCancelsRemovedIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestApp(t, testConfig(), nil)

	if err := a.registerReminders(ctx, testConfig(reminderCfg(1, 3), reminderCfg(2, 3))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := pendingIDs(a); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("pending = %v, want [1 2]", got)
	}

	if err := a.registerReminders(ctx, testConfig(reminderCfg(2, 3))); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got := pendingIDs(a); len(got) != 1 || got[0] != 2 {
		t.Fatalf("pending = %v, want [2]", got)
	}
	if a.registered[1] || !a.registered[2] {
		t.Fatalf("registered = %v", a.registered)
	}
}

func TestRegisterRemindersFallbackLifecycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		next     *config.Config
		wantJobs int
		wantIDs  int
	}{
		{
			name:     "still declared keeps the job",
			next:     testConfig(reminderCfg(1, 2)),
			wantJobs: 1,
			wantIDs:  1,
		},
		{
			name: "disable_fallback cancels the job",
			next: func() *config.Config {
				c := testConfig(reminderCfg(1, 2))
				c.Scheduler.DisableFallback = true
				return c
			}(),
			wantJobs: 0,
			wantIDs:  1,
		},
		{
			name:     "empty list cancels everything",
			next:     testConfig(),
			wantJobs: 0,
			wantIDs:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			a := newTestApp(t, testConfig(), nil)
			if err := a.registerReminders(ctx, testConfig(reminderCfg(1, 2))); err != nil {
				t.Fatalf("register: %v", err)
			}
			if keys := jobKeys(a); len(keys) != 1 || keys[0] != a.sched.Fallback().Key() {
				t.Fatalf("jobs before = %v", keys)
			}

			if err := a.registerReminders(ctx, tt.next); err != nil {
				t.Fatalf("re-register: %v", err)
			}
			if n := len(a.jobs.Jobs()); n != tt.wantJobs {
				t.Fatalf("jobs = %d, want %d", n, tt.wantJobs)
			}
			if n := len(a.alarms.Pending()); n != tt.wantIDs {
				t.Fatalf("alarms = %d, want %d", n, tt.wantIDs)
			}
		})
	}
}

func TestApplyConfigTimezoneChangeRearms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oldCfg := testConfig(reminderCfg(5, 3))
	a := newTestApp(t, oldCfg, nil)
	if err := a.registerReminders(ctx, oldCfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := a.alarms.Pending()[0].At

	newCfg := testConfig(reminderCfg(5, 3))
	newCfg.Scheduler.Timezone = "Asia/Tokyo"
	a.applyConfig(ctx, oldCfg, newCfg)

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	if a.now().Location().String() != "Asia/Tokyo" {
		t.Fatalf("clock location = %v", a.now().Location())
	}
	reqs, _ := newCfg.ReminderRequests()
	r := reqs[0]
	want := reminder.NextTrigger(time.Now().In(tokyo), r.Weekday, r.Hour, r.Minute)

	p := a.alarms.Pending()
	if len(p) != 1 || !p[0].At.Equal(want) {
		t.Fatalf("pending = %+v, want one alarm at %v", p, want)
	}
	if p[0].At.Equal(before) {
		t.Fatal("alarm instant did not move with the timezone")
	}
}

func TestApplyConfigPermissionToggle(t *testing.T) {
	t.Parallel()
	oldCfg := testConfig(reminderCfg(1, 3))
	a := newTestApp(t, oldCfg, nil)

	newCfg := testConfig(reminderCfg(1, 3))
	newCfg.Notifications.PermissionGranted = false
	a.applyConfig(context.Background(), oldCfg, newCfg)
	if a.perm.Granted() {
		t.Fatal("permission should follow the reloaded config")
	}
}

func TestRemovedReminderInFlightFireDoesNotRearm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &heldExec{tasks: make(chan engine.Task, 4)}
	cfg := testConfig(reminderCfg(7, 3))
	a := newTestApp(t, cfg, exec)
	if err := a.registerReminders(ctx, cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Make id 7 go off now and hold its handler in the queue.
	reqs, _ := cfg.ReminderRequests()
	payload, err := reminder.EncodePayload(reqs[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := a.alarms.ScheduleOnce(ctx, 7, time.Now(), payload); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	var task engine.Task
	select {
	case task = <-exec.tasks:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}

	next := testConfig()
	next.Scheduler.DisableFallback = true
	a.applyConfig(ctx, cfg, next)

	if err := task.Run(ctx); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if p := a.alarms.Pending(); len(p) != 0 {
		t.Fatalf("pending after handler ran: %+v", p)
	}
}

func TestRegisterRemindersWarnsFallbackCoversLastOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestApp(t, testConfig(), nil)
	var buf bytes.Buffer
	a.log = logx.NewJSON(&buf, "warn")

	if err := a.registerReminders(ctx, testConfig(reminderCfg(1, 2))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if strings.Contains(buf.String(), "fallback covers only") {
		t.Fatal("single reminder should not warn")
	}

	cfg := testConfig(reminderCfg(1, 2), reminderCfg(2, 3))
	if err := a.registerReminders(ctx, cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(buf.String(), "fallback covers only the last declared reminder") || !strings.Contains(buf.String(), `"fallback_id":2`) {
		t.Fatalf("missing fallback warning: %s", buf.String())
	}

	buf.Reset()
	cfg.Scheduler.DisableFallback = true
	_ = a.registerReminders(ctx, cfg)
	if strings.Contains(buf.String(), "fallback covers only") {
		t.Fatal("disabled fallback should not warn")
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(reminderCfg(3, 3))
	a := newTestApp(t, cfg, nil)
	if err := a.registerReminders(ctx, cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	st := a.Status()
	if len(st.Alarms) != 1 || st.Alarms[0].ID != 3 {
		t.Fatalf("alarms = %+v", st.Alarms)
	}
	if len(st.Jobs) != 1 || st.Jobs[0].Key != a.sched.Fallback().Key() || st.Jobs[0].Next.IsZero() {
		t.Fatalf("jobs = %+v", st.Jobs)
	}
	if st.Timezone != "UTC" || !st.PermissionGranted || st.Engine.QueueCap == 0 {
		t.Fatalf("status = %+v", st)
	}

	path := filepath.Join(t.TempDir(), "nested", "status.json")
	if err := WriteStatus(path, st); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	got, err := ReadStatus(path)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if len(got.Alarms) != 1 || !got.Alarms[0].At.Equal(st.Alarms[0].At) {
		t.Fatalf("read back %+v", got.Alarms)
	}
}
