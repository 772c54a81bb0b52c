package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Default returns the documented defaults for every section.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{PollTimeout: "10s"},
		Console:  ConsoleConfig{Prompt: "taskbot> ", UserID: 1},
		Logging: LoggingConfig{
			Level:    "info",
			Console:  true,
			File:     LoggingFile{Path: "./taskbot.log"},
			Operator: LoggingOperator{MinLevel: "warn", RatePerSec: 1},
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./taskbot.db", BusyTimeout: "5s"},
		Notifier: NotifierConfig{
			Enabled:         true,
			Workers:         2,
			QueueSize:       512,
			RatePerSec:      20,
			RetryMax:        3,
			RetryBase:       "500ms",
			RetryMaxDelay:   "10s",
			DedupWindow:     "1m",
			DedupMaxEntries: 2000,
			SendTimeout:     "10s",
			DeliveredTTL:    "168h",
		},
		Jobs: JobsConfig{
			Enabled:            true,
			ConditionCheckSpec: "@every 1h",
			JobTimeout:         "5m",
		},
		Reminders: RemindersConfig{
			Scheduler: SchedulerConfig{
				Type:                  "event",
				InitialLookaheadHours: 72,
				DailyReloadWindow:     []int{48, 72},
				CleanupTime:           "23:55",
				ConfigReloadTime:      "03:00",
				RetentionDays:         7,
				PollInterval:          "1m",
				DeliveryTimeout:       "30s",
				RetryMax:              3,
				RetryBase:             "30s",
				RetryMaxDelay:         "10m",
			},
			DeadlineReminders: []DeadlineOffset{
				{DaysBefore: 2, Time: "09:00"},
				{DaysBefore: 1, Time: "18:00"},
				{DaysBefore: 0, Time: "10:00"},
				{DaysBefore: 0, Time: "16:00"},
			},
			TimeBasedReminders: TimeBasedConfig{Enabled: true, HoursBefore: []int{3, 1}},
			ConditionChecks:    ConditionChecksConfig{DefaultInterval: 86400, DefaultTime: "10:00"},
			MorningReminders:   MorningConfig{Enabled: true, Time: "09:00"},
			SnoozeMinutes:      []int{15, 60},
		},
		LLM: LLMConfig{
			Provider:    "none",
			Model:       "deepseek-chat",
			Timeout:     "30s",
			Temperature: 0.2,
			MaxTokens:   512,
		},
		Voice: VoiceConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "whisper-1",
			MaxDuration: "3m",
			Timeout:     "60s",
		},
		MCP:     MCPConfig{Addr: "127.0.0.1:8765", Path: "/mcp"},
		Debug:   DebugConfig{Addr: "127.0.0.1:6060"},
		General: GeneralConfig{Timezone: "Local", MinReminderInterval: 60},
	}
}

// Normalize replaces malformed values with their defaults and returns one
// warning per replaced field. It never fails.
func (c *Config) Normalize() []string {
	def := Default()
	var warns []string
	fix := func(path string, bad bool, reset func()) {
		if bad {
			reset()
			warns = append(warns, path+": invalid value, using default")
		}
	}

	durs := []struct {
		path string
		v    *string
		def  string
	}{
		{"telegram.poll_timeout", &c.Telegram.PollTimeout, def.Telegram.PollTimeout},
		{"storage.busy_timeout", &c.Storage.BusyTimeout, def.Storage.BusyTimeout},
		{"notifier.retry_base", &c.Notifier.RetryBase, def.Notifier.RetryBase},
		{"notifier.retry_max_delay", &c.Notifier.RetryMaxDelay, def.Notifier.RetryMaxDelay},
		{"notifier.dedup_window", &c.Notifier.DedupWindow, def.Notifier.DedupWindow},
		{"notifier.send_timeout", &c.Notifier.SendTimeout, def.Notifier.SendTimeout},
		{"notifier.delivered_ttl", &c.Notifier.DeliveredTTL, def.Notifier.DeliveredTTL},
		{"jobs.job_timeout", &c.Jobs.JobTimeout, def.Jobs.JobTimeout},
		{"reminders.scheduler.poll_interval", &c.Reminders.Scheduler.PollInterval, def.Reminders.Scheduler.PollInterval},
		{"reminders.scheduler.delivery_timeout", &c.Reminders.Scheduler.DeliveryTimeout, def.Reminders.Scheduler.DeliveryTimeout},
		{"reminders.scheduler.retry_base", &c.Reminders.Scheduler.RetryBase, def.Reminders.Scheduler.RetryBase},
		{"reminders.scheduler.retry_max_delay", &c.Reminders.Scheduler.RetryMaxDelay, def.Reminders.Scheduler.RetryMaxDelay},
		{"llm.timeout", &c.LLM.Timeout, def.LLM.Timeout},
		{"voice.max_duration", &c.Voice.MaxDuration, def.Voice.MaxDuration},
		{"voice.timeout", &c.Voice.Timeout, def.Voice.Timeout},
	}
	for _, d := range durs {
		_, err := ParseDurationField(d.path, *d.v)
		fix(d.path, err != nil, func() { *d.v = d.def })
	}

	clocks := []struct {
		path string
		v    *string
		def  string
	}{
		{"reminders.scheduler.cleanup_time", &c.Reminders.Scheduler.CleanupTime, def.Reminders.Scheduler.CleanupTime},
		{"reminders.scheduler.config_reload_time", &c.Reminders.Scheduler.ConfigReloadTime, def.Reminders.Scheduler.ConfigReloadTime},
		{"reminders.condition_checks.default_time", &c.Reminders.ConditionChecks.DefaultTime, def.Reminders.ConditionChecks.DefaultTime},
		{"reminders.morning_reminders.time", &c.Reminders.MorningReminders.Time, def.Reminders.MorningReminders.Time},
	}
	for _, cl := range clocks {
		_, err := ParseClock(*cl.v)
		fix(cl.path, err != nil, func() { *cl.v = cl.def })
	}

	s := &c.Reminders.Scheduler
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "event", "smart", "polling":
	default:
		fix("reminders.scheduler.type", true, func() { s.Type = def.Reminders.Scheduler.Type })
	}
	fix("reminders.scheduler.initial_lookahead_hours", s.InitialLookaheadHours <= 0, func() {
		s.InitialLookaheadHours = def.Reminders.Scheduler.InitialLookaheadHours
	})
	w := s.DailyReloadWindow
	fix("reminders.scheduler.daily_reload_window", len(w) != 2 || w[0] < 0 || w[0] >= w[1], func() {
		s.DailyReloadWindow = slices.Clone(def.Reminders.Scheduler.DailyReloadWindow)
	})
	fix("reminders.scheduler.old_reminders_retention_days", s.RetentionDays <= 0, func() {
		s.RetentionDays = def.Reminders.Scheduler.RetentionDays
	})
	fix("reminders.scheduler.retry_max", s.RetryMax < 0, func() { s.RetryMax = def.Reminders.Scheduler.RetryMax })

	badDeadline := false
	for _, d := range c.Reminders.DeadlineReminders {
		if _, err := ParseClock(d.Time); err != nil || d.DaysBefore < 0 {
			badDeadline = true
			break
		}
	}
	fix("reminders.deadline_reminders", badDeadline, func() {
		c.Reminders.DeadlineReminders = slices.Clone(def.Reminders.DeadlineReminders)
	})
	tb := &c.Reminders.TimeBasedReminders
	fix("reminders.time_based_reminders", slices.ContainsFunc(tb.HoursBefore, negative) || slices.ContainsFunc(tb.MinutesBefore, negative), func() {
		*tb = def.Reminders.TimeBasedReminders
		tb.HoursBefore = slices.Clone(def.Reminders.TimeBasedReminders.HoursBefore)
	})
	fix("reminders.condition_checks.default_interval", c.Reminders.ConditionChecks.DefaultInterval <= 0, func() {
		c.Reminders.ConditionChecks.DefaultInterval = def.Reminders.ConditionChecks.DefaultInterval
	})
	fix("reminders.snooze_minutes", len(c.Reminders.SnoozeMinutes) == 0 || slices.ContainsFunc(c.Reminders.SnoozeMinutes, nonPositive), func() {
		c.Reminders.SnoozeMinutes = slices.Clone(def.Reminders.SnoozeMinutes)
	})

	if _, err := loadLocation(c.General.Timezone); err != nil {
		fix("general.timezone", true, func() { c.General.Timezone = def.General.Timezone })
	}
	fix("general.min_reminder_interval", c.General.MinReminderInterval < 0, func() {
		c.General.MinReminderInterval = def.General.MinReminderInterval
	})
	switch strings.ToLower(strings.TrimSpace(c.LLM.Provider)) {
	case "deepseek", "ollama", "none":
	default:
		fix("llm.provider", true, func() { c.LLM.Provider = def.LLM.Provider })
	}
	fix("llm.max_tokens", c.LLM.MaxTokens <= 0, func() { c.LLM.MaxTokens = def.LLM.MaxTokens })
	fix("llm.temperature", c.LLM.Temperature < 0 || c.LLM.Temperature > 2, func() { c.LLM.Temperature = def.LLM.Temperature })
	return warns
}

// Validate rejects configs that cannot run at all. Used before committing a hot reload.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "sqlite3", "file":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Notifier.Workers < 0 || c.Notifier.QueueSize < 0 || c.Notifier.RetryMax < 0 {
		return fmt.Errorf("notifier: workers, queue_size and retry_max must be >= 0")
	}
	if c.MCP.Enabled && strings.TrimSpace(c.MCP.Addr) == "" {
		return fmt.Errorf("mcp.addr is required when mcp.enabled is true")
	}
	if c.Debug.Enabled && strings.TrimSpace(c.Debug.Addr) == "" {
		return fmt.Errorf("debug.addr is required when debug.enabled is true")
	}
	return nil
}

// Location resolves general.timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := loadLocation(c.General.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func negative(v int) bool    { return v < 0 }
func nonPositive(v int) bool { return v <= 0 }
