package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"weeknotify/internal/reminder"
)

const sampleYAML = `
logging: {level: info, console: true}
scheduler: {timezone: UTC, fallback_key: weekly-reminder}
notifications: {permission_granted: true, channel: console}
storage: {driver: sqlite, path: ./data/weeknotify.db}
reminders:
  - {id: 1, title: Weekly report, body: Your portfolio report is ready, weekday: friday, time: "18:00"}
  - {id: 2, title: Review, body: Review your holdings, weekday: Mon, time: "09:05"}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit")
	}
	reqs, err := cfg.ReminderRequests()
	if err != nil {
		t.Fatalf("ReminderRequests: %v", err)
	}
	want := []reminder.Request{
		{ID: 1, Title: "Weekly report", Body: "Your portfolio report is ready", Weekday: time.Friday, Hour: 18, Minute: 0},
		{ID: 2, Title: "Review", Body: "Review your holdings", Weekday: time.Monday, Hour: 9, Minute: 5},
	}
	if !slices.Equal(reqs, want) {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := NewConfigManager(writeFile(t, "c.json", `{"bogus": 1}`)).Parse(); err == nil {
		t.Fatal("unknown field should fail")
	}
	if _, err := NewConfigManager(writeFile(t, "c.json", `{} {}`)).Parse(); err == nil {
		t.Fatal("trailing data should fail")
	}
	if _, err := NewConfigManager(writeFile(t, "c.yml", "reminders: [{idx: 1}]")).Parse(); err == nil {
		t.Fatal("unknown reminder field should fail")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good := func() *Config {
		return &Config{
			Notifications: NotificationsConfig{Channel: "console"},
			Reminders:     []ReminderConfig{{ID: 1, Title: "t", Body: "b", Weekday: "wed", Time: "09:00"}},
		}
	}
	tests := []struct {
		name    string
		mut     func(*Config)
		wantErr string
		is      error
	}{
		{name: "ok", mut: func(*Config) {}},
		{name: "hour out of range", mut: func(c *Config) { c.Reminders[0].Time = "25:00" }, is: reminder.ErrOutOfRange},
		{name: "bad weekday", mut: func(c *Config) { c.Reminders[0].Weekday = "funday" }, is: reminder.ErrMalformedRequest},
		{name: "empty body", mut: func(c *Config) { c.Reminders[0].Body = "" }, is: reminder.ErrMalformedRequest},
		{name: "duplicate id", mut: func(c *Config) { c.Reminders = append(c.Reminders, c.Reminders[0]) }, wantErr: "duplicate id 1"},
		{name: "timezone", mut: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "scheduler.timezone"},
		{name: "telegram without token", mut: func(c *Config) { c.Notifications.Channel = "telegram"; c.Telegram.ChatID = 1 }, wantErr: "telegram.token"},
		{name: "unknown channel", mut: func(c *Config) { c.Notifications.Channel = "sms" }, wantErr: "notifications.channel"},
		{name: "storage driver", mut: func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, wantErr: "storage.driver"},
		{name: "postgres dsn", mut: func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, wantErr: "storage.dsn"},
		{name: "duration", mut: func(c *Config) { c.Notifier = &NotifierConfig{DedupWindow: "soon"} }, wantErr: "notifier.dedup_window"},
		{name: "log mirror without token", mut: func(c *Config) { c.Logging.Telegram.Enabled = true; c.Telegram.ChatID = 9 }, wantErr: "telegram.token is required for logging.telegram"},
		{name: "log mirror without chat", mut: func(c *Config) { c.Logging.Telegram.Enabled = true; c.Telegram.Token = "x" }, wantErr: "logging.telegram.chat_id"},
		{name: "log mirror on console channel", mut: func(c *Config) {
			c.Logging.Telegram = LoggingTelegram{Enabled: true, ChatID: -100}
			c.Telegram.Token = "x"
		}},
		{name: "status interval", mut: func(c *Config) { c.Status.Interval = "often" }, wantErr: "status.interval"},
	}
	for _, tt := range tests {
		cfg := good()
		tt.mut(cfg)
		err := Validate(cfg)
		switch {
		case tt.is != nil:
			if !errors.Is(err, tt.is) {
				t.Fatalf("%s: got %v, want %v", tt.name, err, tt.is)
			}
		case tt.wantErr != "":
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("%s: got %v, want %q", tt.name, err, tt.wantErr)
			}
		default:
			if err != nil {
				t.Fatalf("%s: unexpected %v", tt.name, err)
			}
		}
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if m.reload(context.Background()) {
		t.Fatal("unchanged content should not publish")
	}

	bad := strings.Replace(sampleYAML, `"18:00"`, `"18:75"`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(context.Background()) {
		t.Fatal("invalid config should be rejected")
	}

	good := strings.Replace(sampleYAML, "permission_granted: true", "permission_granted: false", 1)
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(context.Background()) {
		t.Fatal("valid change should publish")
	}
	got := <-ch
	if got.Notifications.PermissionGranted {
		t.Fatal("published config is stale")
	}
	changed, _ := SummarizeConfigChange(&Config{Notifications: NotificationsConfig{PermissionGranted: true, Channel: "console"}}, got)
	if !slices.Contains(changed, "notifications") {
		t.Fatalf("changed = %v", changed)
	}
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env-token")
	cfg, err := NewConfigManager(writeFile(t, "c.json", `{"telegram": {"token": "file-token"}}`)).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDuration("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty: %v, %v", d, err)
	}
	if d, err := ParseDuration("x", "1m30s", 0); err != nil || d != 90*time.Second {
		t.Fatalf("1m30s: %v, %v", d, err)
	}
	if _, err := ParseDuration("x", "-1s", 0); err == nil {
		t.Fatal("negative should fail")
	}
}

func TestStatusPathAndLogChat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want string
	}{
		{"", "./data/status.json"},
		{" none ", ""},
		{"OFF", ""},
		{"/run/weeknotify/status.json", "/run/weeknotify/status.json"},
	}
	for _, tt := range tests {
		c := &Config{Status: StatusConfig{Path: tt.path}}
		if got := c.StatusPath(); got != tt.want {
			t.Fatalf("StatusPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	c := &Config{Telegram: TelegramConfig{ChatID: 1}}
	if c.LogChatID() != 1 {
		t.Fatalf("LogChatID fallback = %d", c.LogChatID())
	}
	c.Logging.Telegram.ChatID = 2
	if c.LogChatID() != 2 {
		t.Fatalf("LogChatID override = %d", c.LogChatID())
	}
}
