package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	TaskEngine    TaskEngineConfig    `json:"task_engine"`
	Notifier      *NotifierConfig     `json:"notifier,omitempty"`
	Notifications NotificationsConfig `json:"notifications"`
	Telegram      TelegramConfig      `json:"telegram"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Status        StatusConfig        `json:"status"`
	Reminders     []ReminderConfig    `json:"reminders"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into a Telegram chat through
// the telegram section's bot.
type LoggingTelegram struct {
	Enabled bool `json:"enabled"`
	// ChatID defaults to telegram.chat_id.
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the exact-timer and periodic-job facilities.
type SchedulerConfig struct {
	// Timezone is the IANA zone reminder times are expressed in. Empty means Local.
	Timezone string `json:"timezone,omitempty"`
	// MaxAlarms caps pending exact alarms (default 500).
	MaxAlarms int `json:"max_alarms,omitempty"`
	// MaxJobs caps periodic jobs (0 = unlimited).
	MaxJobs int `json:"max_jobs,omitempty"`
	// FallbackKey names the single periodic fallback stream.
	FallbackKey string `json:"fallback_key,omitempty"`
	// DisableFallback turns off the periodic fallback mechanism.
	DisableFallback bool `json:"disable_fallback,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fire and job handlers.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// NotificationsConfig is the user-facing delivery switch.
type NotificationsConfig struct {
	// PermissionGranted gates every delivery. Reminders keep re-arming while it
	// is false; they are just not shown.
	PermissionGranted bool `json:"permission_granted"`
	// Channel is "telegram" or "console".
	Channel string `json:"channel"`
	// ParseMode is passed to the transport ("HTML" or empty).
	ParseMode string `json:"parse_mode,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// StorageConfig controls the delivery log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/weeknotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// StatusConfig controls the snapshot file read by `weeknotify status`.
type StatusConfig struct {
	// Path defaults to ./data/status.json. "none" disables the file.
	Path string `json:"path,omitempty"`
	// Interval between rewrites (default 30s).
	Interval string `json:"interval,omitempty"`
}

// ReminderConfig declares one weekly notification stream.
type ReminderConfig struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Weekday string `json:"weekday"`
	// Time is "HH:MM" in the scheduler timezone.
	Time string `json:"time"`
}
