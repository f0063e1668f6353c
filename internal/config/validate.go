package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"weeknotify/internal/reminder"
)

// Request converts the declaration into a validated reminder request.
func (r ReminderConfig) Request() (reminder.Request, error) {
	wd, err := reminder.ParseWeekday(r.Weekday)
	if err != nil {
		return reminder.Request{}, err
	}
	h, m, err := reminder.ParseClock(r.Time)
	if err != nil {
		return reminder.Request{}, err
	}
	req := reminder.Request{ID: r.ID, Title: r.Title, Body: r.Body, Weekday: wd, Hour: h, Minute: m}
	if err := req.Validate(); err != nil {
		return reminder.Request{}, err
	}
	return req, nil
}

// ReminderRequests converts every declared reminder, in file order.
func (c *Config) ReminderRequests() ([]reminder.Request, error) {
	out := make([]reminder.Request, 0, len(c.Reminders))
	seen := make(map[int]bool, len(c.Reminders))
	for i, r := range c.Reminders {
		req, err := r.Request()
		if err != nil {
			return nil, fmt.Errorf("reminders[%d]: %w", i, err)
		}
		if seen[req.ID] {
			return nil, fmt.Errorf("reminders[%d]: duplicate id %d", i, req.ID)
		}
		seen[req.ID] = true
		out = append(out, req)
	}
	return out, nil
}

// Channel returns the normalized notification channel.
func (c *Config) Channel() string {
	ch := strings.ToLower(strings.TrimSpace(c.Notifications.Channel))
	if ch == "" {
		return "console"
	}
	return ch
}

// LogChatID is the chat that receives mirrored log records.
func (c *Config) LogChatID() int64 {
	if c.Logging.Telegram.ChatID != 0 {
		return c.Logging.Telegram.ChatID
	}
	return c.Telegram.ChatID
}

// StatusPath returns the snapshot file path, or "" when disabled.
func (c *Config) StatusPath() string {
	p := strings.TrimSpace(c.Status.Path)
	switch strings.ToLower(p) {
	case "":
		return "./data/status.json"
	case "none", "off":
		return ""
	}
	return p
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Scheduler.MaxAlarms < 0 || cfg.Scheduler.MaxJobs < 0 {
		errs = append(errs, errors.New("scheduler: max_alarms and max_jobs must be >= 0"))
	}

	switch cfg.Channel() {
	case "console":
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required for the telegram channel"))
		}
		if cfg.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required for the telegram channel"))
		}
	default:
		errs = append(errs, fmt.Errorf("notifications.channel: unknown channel %q", cfg.Notifications.Channel))
	}

	if lt := cfg.Logging.Telegram; lt.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required for logging.telegram"))
		}
		if cfg.LogChatID() == 0 {
			errs = append(errs, errors.New("logging.telegram.chat_id or telegram.chat_id is required for logging.telegram"))
		}
		if lt.RatePerSec < 0 {
			errs = append(errs, errors.New("logging.telegram.rate_per_sec must be >= 0"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path is required for sqlite"))
			}
		case "postgres", "postgresql", "pg":
			if strings.TrimSpace(st.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn is required for postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDuration("storage.busy_timeout", st.BusyTimeout, 0); err != nil {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"task_engine.default_timeout": cfg.TaskEngine.DefaultTimeout,
		"task_engine.retry_base":      cfg.TaskEngine.RetryBase,
		"task_engine.retry_max_delay": cfg.TaskEngine.RetryMaxDelay,
		"telegram.timeout":            cfg.Telegram.Timeout,
		"status.interval":             cfg.Status.Interval,
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.send_timeout"] = n.SendTimeout
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	for path, raw := range durations {
		if _, err := ParseDuration(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := cfg.ReminderRequests(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
