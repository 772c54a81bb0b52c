package app

import (
	"fmt"
	"strings"
	"time"

	"taskbot/internal/bot"
	"taskbot/internal/config"
	"taskbot/internal/jobs"
	"taskbot/internal/llm"
	"taskbot/internal/mcpserver"
	"taskbot/internal/notifier"
	"taskbot/internal/observability/pprof"
	"taskbot/internal/storage"
	"taskbot/internal/transport/console"
	telegram "taskbot/internal/transport/telegram/adapter"
	"taskbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapLogConfig leaves the operator sink off until a chat is configured, so
// Apply does not warn about a missing target.
func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled && l.Operator.ChatID != 0,
			ChatID:     l.Operator.ChatID,
			ThreadID:   l.Operator.ThreadID,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       config.DurationOr(n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   config.DurationOr(n.RetryMaxDelay, 10*time.Second),
		DedupWindow:     config.DurationOr(n.DedupWindow, time.Minute),
		DedupMaxEntries: n.DedupMaxEntries,
		SendTimeout:     config.DurationOr(n.SendTimeout, 10*time.Second),
		DeliveredTTL:    config.DurationOr(n.DeliveredTTL, 7*24*time.Hour),
	}
}

func mapJobsConfig(cfg *config.Config) jobs.Config {
	return jobs.Config{
		Enabled:  cfg.Jobs.Enabled,
		Timeout:  config.DurationOr(cfg.Jobs.JobTimeout, 5*time.Minute),
		Location: cfg.Location(),
	}
}

func mapLLMConfig(cfg *config.Config) llm.Config {
	l := cfg.LLM
	return llm.Config{
		Provider:    l.Provider,
		APIKey:      l.APIKey,
		BaseURL:     l.BaseURL,
		Model:       l.Model,
		Timeout:     config.DurationOr(l.Timeout, 30*time.Second),
		Temperature: l.Temperature,
		MaxTokens:   l.MaxTokens,
	}
}

func mapTranscriberConfig(cfg *config.Config) llm.TranscriberConfig {
	v := cfg.Voice
	return llm.TranscriberConfig{
		BaseURL:  v.BaseURL,
		APIKey:   v.APIKey,
		Model:    v.Model,
		Language: v.Language,
		Timeout:  config.DurationOr(v.Timeout, time.Minute),
	}
}

func mapVoiceConfig(cfg *config.Config) bot.VoiceConfig {
	return bot.VoiceConfig{
		Enabled:     cfg.Voice.Enabled,
		MaxDuration: config.DurationOr(cfg.Voice.MaxDuration, 3*time.Minute),
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
	}
}

func mapConsoleConfig(cfg *config.Config) console.Config {
	return console.Config{
		UserID:      cfg.Console.UserID,
		Prompt:      cfg.Console.Prompt,
		HistoryFile: cfg.Console.HistoryFile,
	}
}

func mapMCPConfig(cfg *config.Config) mcpserver.Config {
	m := cfg.MCP
	return mcpserver.Config{Addr: m.Addr, Path: m.Path, UserID: m.UserID, Token: m.Token}
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	return pprof.Config{
		Addr:                 d.Addr,
		Token:                d.Token,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}

// owners returns the owner list used for access checks and operator notices.
// The local console user always owns a console session.
func owners(cfg *config.Config) []int64 {
	out := append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	if cfg.Console.Enabled && cfg.Console.UserID != 0 {
		for _, id := range out {
			if id == cfg.Console.UserID {
				return out
			}
		}
		out = append(out, cfg.Console.UserID)
	}
	return out
}

// validate rejects reloads the running services cannot apply.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.General.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("general.timezone: invalid %q: %w", tz, err)
		}
	}
	if cfg.Jobs.Enabled {
		if _, err := jobs.ParseSchedule(cfg.Jobs.ConditionCheckSpec); err != nil {
			return fmt.Errorf("jobs.condition_check_spec: %w", err)
		}
	}
	if _, err := config.ParseClock(cfg.Reminders.MorningReminders.Time); cfg.Reminders.MorningReminders.Enabled && err != nil {
		return fmt.Errorf("reminders.morning_reminders.time: %w", err)
	}
	if !cfg.Console.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required unless console.enabled is true")
	}
	return nil
}
