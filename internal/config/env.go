package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides, e.g. TASKBOT_TELEGRAM_TOKEN.
const EnvPrefix = "TASKBOT_"

// ApplyEnv overlays secrets and deployment knobs from the environment onto cfg.
// Keys are the lowercased variable names without the prefix.
func ApplyEnv(cfg *Config, prefix string) error {
	k := koanf.New(".")
	if err := k.Load(env.Provider(prefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, prefix))
	}), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	strs := map[string]*string{
		"telegram_token":   &cfg.Telegram.Token,
		"storage_driver":   &cfg.Storage.Driver,
		"storage_path":     &cfg.Storage.Path,
		"llm_provider":     &cfg.LLM.Provider,
		"llm_api_key":      &cfg.LLM.APIKey,
		"llm_base_url":     &cfg.LLM.BaseURL,
		"llm_model":        &cfg.LLM.Model,
		"voice_api_key":    &cfg.Voice.APIKey,
		"voice_base_url":   &cfg.Voice.BaseURL,
		"mcp_addr":         &cfg.MCP.Addr,
		"mcp_token":        &cfg.MCP.Token,
		"debug_token":      &cfg.Debug.Token,
		"general_timezone": &cfg.General.Timezone,
		"log_level":        &cfg.Logging.Level,
	}
	for key, dst := range strs {
		if k.Exists(key) {
			*dst = k.String(key)
		}
	}

	if k.Exists("telegram_owner_user_ids") {
		ids, err := parseIDList(k.String("telegram_owner_user_ids"))
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_OWNER_USER_IDS: %w", prefix, err)
		}
		cfg.Telegram.OwnerUserIDs = ids
	}
	if k.Exists("telegram_allowed_user_ids") {
		ids, err := parseIDList(k.String("telegram_allowed_user_ids"))
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_ALLOWED_USER_IDS: %w", prefix, err)
		}
		cfg.Telegram.AllowedUserIDs = ids
	}
	if k.Exists("console_enabled") {
		b, err := strconv.ParseBool(k.String("console_enabled"))
		if err != nil {
			return fmt.Errorf("%sCONSOLE_ENABLED: %w", prefix, err)
		}
		cfg.Console.Enabled = b
	}
	return nil
}

func parseIDList(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
