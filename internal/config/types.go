package config

// Config is the whole taskbot configuration. Omitted fields keep the values from Default().
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Console   ConsoleConfig   `json:"console"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  NotifierConfig  `json:"notifier"`
	Jobs      JobsConfig      `json:"jobs"`
	Reminders RemindersConfig `json:"reminders"`
	LLM       LLMConfig       `json:"llm"`
	Voice     VoiceConfig     `json:"voice"`
	MCP       MCPConfig       `json:"mcp"`
	Debug     DebugConfig     `json:"debug"`
	General   GeneralConfig   `json:"general"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AllowedUserIDs restricts who may use the bot. Empty allows everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

// ConsoleConfig runs the bot against a local readline prompt instead of Telegram.
type ConsoleConfig struct {
	Enabled     bool   `json:"enabled"`
	UserID      int64  `json:"user_id"`
	Prompt      string `json:"prompt,omitempty"`
	HistoryFile string `json:"history_file,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator forwards WARN+ log lines to a Telegram chat.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
//	"storage": { "driver": "sqlite", "path": "./taskbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// NotifierConfig controls outbound delivery. All durations are Go duration strings.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	SendTimeout     string `json:"send_timeout"`
	// DeliveredTTL is how long a delivered reminder key is remembered.
	DeliveredTTL string `json:"delivered_ttl"`
}

// JobsConfig controls cron-driven background jobs. Specs accept cron
// expressions (with optional seconds), descriptors like "@every 1h", or Go durations.
type JobsConfig struct {
	Enabled            bool   `json:"enabled"`
	ConditionCheckSpec string `json:"condition_check_spec"`
	MorningDigest      bool   `json:"morning_digest"`
	JobTimeout         string `json:"job_timeout"`
}

type RemindersConfig struct {
	Scheduler          SchedulerConfig       `json:"scheduler"`
	DeadlineReminders  []DeadlineOffset      `json:"deadline_reminders"`
	TimeBasedReminders TimeBasedConfig       `json:"time_based_reminders"`
	ConditionChecks    ConditionChecksConfig `json:"condition_checks"`
	MorningReminders   MorningConfig         `json:"morning_reminders"`
	SnoozeMinutes      []int                 `json:"snooze_minutes"`
}

// SchedulerConfig tunes the reminder engine. Type is "event" (alias "smart") or "polling".
type SchedulerConfig struct {
	Type                  string `json:"type"`
	InitialLookaheadHours int    `json:"initial_lookahead_hours"`
	DailyReloadWindow     []int  `json:"daily_reload_window"`
	CleanupTime           string `json:"cleanup_time"`
	ConfigReloadTime      string `json:"config_reload_time"`
	RetentionDays         int    `json:"old_reminders_retention_days"`
	PollInterval          string `json:"poll_interval"`
	DeliveryTimeout       string `json:"delivery_timeout"`
	RetryMax              int    `json:"retry_max"`
	RetryBase             string `json:"retry_base"`
	RetryMaxDelay         string `json:"retry_max_delay"`
}

// DeadlineOffset fires DaysBefore days before a date-only due date at Time ("HH:MM").
type DeadlineOffset struct {
	DaysBefore int    `json:"days_before"`
	Time       string `json:"time"`
}

type TimeBasedConfig struct {
	Enabled       bool  `json:"enabled"`
	HoursBefore   []int `json:"hours_before"`
	MinutesBefore []int `json:"minutes_before"`
}

type ConditionChecksConfig struct {
	// DefaultInterval is in seconds.
	DefaultInterval int    `json:"default_interval"`
	DefaultTime     string `json:"default_time"`
}

type MorningConfig struct {
	Enabled bool   `json:"enabled"`
	Time    string `json:"time"`
}

// LLMConfig selects the task extraction provider: "deepseek", "ollama" or "none".
type LLMConfig struct {
	Provider    string  `json:"provider"`
	APIKey      string  `json:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model"`
	Timeout     string  `json:"timeout"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// VoiceConfig points at an OpenAI-compatible transcription endpoint.
type VoiceConfig struct {
	Enabled     bool   `json:"enabled"`
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key,omitempty"`
	Model       string `json:"model"`
	Language    string `json:"language,omitempty"`
	MaxDuration string `json:"max_duration"`
	Timeout     string `json:"timeout"`
}

// MCPConfig exposes task tools over the streamable HTTP MCP transport.
type MCPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
	UserID  int64  `json:"user_id"`
	Token   string `json:"token,omitempty"`
}

// DebugConfig serves pprof and /healthz. Keep Addr on loopback or set Token.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr"`
	Token                string `json:"token,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

type GeneralConfig struct {
	// Timezone is an IANA name; "Local" or empty uses the host zone.
	Timezone string `json:"timezone"`
	// MinReminderInterval is in minutes; derived reminders closer than this collapse.
	MinReminderInterval int `json:"min_reminder_interval"`
}
