package config

import (
	"reflect"
	"sort"

	"taskbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe log
// fields describing them. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field
	section := func(name string, o, n any, fields ...logx.Field) {
		if reflect.DeepEqual(o, n) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("telegram", oldCfg.Telegram, newCfg.Telegram,
		logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedUserIDs)),
	)
	section("console", oldCfg.Console, newCfg.Console, logx.Bool("console.enabled", newCfg.Console.Enabled))
	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled),
	)
	section("storage", oldCfg.Storage, newCfg.Storage, logx.String("storage.driver", newCfg.Storage.Driver))
	section("notifier", oldCfg.Notifier, newCfg.Notifier,
		logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
		logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
	)
	section("jobs", oldCfg.Jobs, newCfg.Jobs,
		logx.Bool("jobs.enabled", newCfg.Jobs.Enabled),
		logx.String("jobs.condition_check_spec", newCfg.Jobs.ConditionCheckSpec),
	)
	section("reminders", oldCfg.Reminders, newCfg.Reminders,
		logx.String("reminders.scheduler.type", newCfg.Reminders.Scheduler.Type),
		logx.Int("reminders.deadline_offsets", len(newCfg.Reminders.DeadlineReminders)),
		logx.Bool("reminders.morning", newCfg.Reminders.MorningReminders.Enabled),
	)
	section("llm", oldCfg.LLM, newCfg.LLM,
		logx.String("llm.provider", newCfg.LLM.Provider),
		logx.String("llm.model", newCfg.LLM.Model),
		logx.Bool("llm.api_key_set", newCfg.LLM.APIKey != ""),
	)
	section("voice", oldCfg.Voice, newCfg.Voice,
		logx.Bool("voice.enabled", newCfg.Voice.Enabled),
		logx.Bool("voice.api_key_set", newCfg.Voice.APIKey != ""),
	)
	section("mcp", oldCfg.MCP, newCfg.MCP,
		logx.Bool("mcp.enabled", newCfg.MCP.Enabled),
		logx.String("mcp.addr", newCfg.MCP.Addr),
	)
	section("debug", oldCfg.Debug, newCfg.Debug,
		logx.Bool("debug.enabled", newCfg.Debug.Enabled),
		logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
	)
	section("general", oldCfg.General, newCfg.General, logx.String("general.timezone", newCfg.General.Timezone))

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "telegram", "console", "mcp", "debug":
			out = append(out, s)
		}
	}
	return out
}
