package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Reminders.Scheduler.InitialLookaheadHours != 72 {
		t.Fatalf("lookahead = %d, want 72", cfg.Reminders.Scheduler.InitialLookaheadHours)
	}
	if got := len(cfg.Reminders.DeadlineReminders); got != 4 {
		t.Fatalf("deadline offsets = %d, want 4", got)
	}
}

func TestParseYAMLKeepsOmittedDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", `
reminders:
  scheduler:
    cleanup_time: "22:30"
  time_based_reminders:
    enabled: true
    hours_before: [2]
    minutes_before: [30]
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	s := cfg.Reminders.Scheduler
	if s.CleanupTime != "22:30" || s.ConfigReloadTime != "03:00" || s.RetentionDays != 7 {
		t.Fatalf("scheduler = %+v", s)
	}
	tb := cfg.Reminders.TimeBasedReminders
	if len(tb.HoursBefore) != 1 || tb.HoursBefore[0] != 2 || len(tb.MinutesBefore) != 1 {
		t.Fatalf("time based = %+v", tb)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"reminders":{"nope":1}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestYAMLToJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"empty", "", "{}", false},
		{"numeric keys", "1: a\nb: [2, 3]\n", `{"1":"a","b":[2,3]}`, false},
		{"two documents", "a: 1\n---\nb: 2\n", "", true},
		{"broken", "a: [1\n", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := yamlToJSON([]byte(tc.in))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if !tc.wantErr && string(got) != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{} {}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestNormalizeReplacesMalformedFields(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Reminders.Scheduler.CleanupTime = "25:99"
	cfg.Reminders.Scheduler.DailyReloadWindow = []int{72, 48}
	cfg.Reminders.DeadlineReminders = []DeadlineOffset{{DaysBefore: 1, Time: "nope"}}
	cfg.Notifier.SendTimeout = "soon"
	cfg.General.Timezone = "Mars/Olympus"

	warns := cfg.Normalize()
	if len(warns) != 5 {
		t.Fatalf("warnings = %v, want 5", warns)
	}
	def := Default()
	if cfg.Reminders.Scheduler.CleanupTime != "23:55" {
		t.Fatalf("cleanup_time = %q", cfg.Reminders.Scheduler.CleanupTime)
	}
	if len(cfg.Reminders.DeadlineReminders) != len(def.Reminders.DeadlineReminders) {
		t.Fatalf("deadline table not restored: %+v", cfg.Reminders.DeadlineReminders)
	}
	if cfg.Notifier.SendTimeout != "10s" || cfg.General.Timezone != "Local" {
		t.Fatalf("notifier/general not restored: %+v %+v", cfg.Notifier, cfg.General)
	}
}

func TestLoadMalformedFileFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{not json`)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Reminders.Scheduler.RetentionDays != 7 {
		t.Fatalf("retention = %d", cfg.Reminders.Scheduler.RetentionDays)
	}
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"general":{"timezone":"UTC"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if changed, err := m.Reload(ctx); err != nil || changed {
		t.Fatalf("Reload() unchanged = (%v, %v)", changed, err)
	}

	writeFile(t, dir, "config.json", `{"general":{"timezone":"UTC"},"reminders":{"morning_reminders":{"enabled":false,"time":"08:00"}}}`)
	changed, err := m.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("Reload() changed = (%v, %v)", changed, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Reminders.MorningReminders.Time != "08:00" {
			t.Fatalf("published morning time = %q", cfg.Reminders.MorningReminders.Time)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	writeFile(t, dir, "config.json", `{broken`)
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("expected malformed reload to be rejected")
	}
	if m.Get().Reminders.MorningReminders.Time != "08:00" {
		t.Fatal("previous config should stay active after rejected reload")
	}
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("TBTEST_TELEGRAM_TOKEN", "secret")
	t.Setenv("TBTEST_TELEGRAM_OWNER_USER_IDS", "10, 20")
	t.Setenv("TBTEST_LLM_PROVIDER", "ollama")

	cfg := Default()
	if err := ApplyEnv(cfg, "TBTEST_"); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	if cfg.Telegram.Token != "secret" || cfg.LLM.Provider != "ollama" {
		t.Fatalf("overlay not applied: %+v %+v", cfg.Telegram, cfg.LLM)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 20 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestClock(t *testing.T) {
	t.Parallel()
	c, err := ParseClock("23:55")
	if err != nil {
		t.Fatalf("ParseClock error: %v", err)
	}
	loc := time.UTC
	before := time.Date(2025, 10, 10, 12, 0, 0, 0, loc)
	if got := c.Next(before); !got.Equal(time.Date(2025, 10, 10, 23, 55, 0, 0, loc)) {
		t.Fatalf("Next(before) = %v", got)
	}
	exact := time.Date(2025, 10, 10, 23, 55, 0, 0, loc)
	if got := c.Next(exact); !got.Equal(time.Date(2025, 10, 11, 23, 55, 0, 0, loc)) {
		t.Fatalf("Next(exact) = %v", got)
	}
	for _, bad := range []string{"24:00", "12:60", "noon", "7"} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("ParseClock(%q) expected error", bad)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.LLM.APIKey = "k"
	b.Storage.Path = "/tmp/other.db"
	sections, attrs := SummarizeConfigChange(a, b)
	if len(sections) != 2 || sections[0] != "llm" || sections[1] != "storage" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("RestartRequired = %v", got)
	}
}
