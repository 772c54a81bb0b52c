package jobs

import (
	"fmt"
	"strings"
	"time"

	"taskbot/internal/config"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecDaily
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 9 * * *", "@hourly", "@every 1h"
//   - interval: "55m", "2h30m", "every:90s"
//   - daily clock: "daily:09:00", "at:21:30"
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
	At    config.Clock
}

// CronSpec renders the spec in the form accepted by the cron parser.
func (p ParsedSpec) CronSpec() string {
	switch p.Kind {
	case SpecInterval:
		return "@every " + p.Every.String()
	case SpecDaily:
		return fmt.Sprintf("%d %d * * *", p.At.Minute, p.At.Hour)
	default:
		return p.Cron
	}
}

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	for _, p := range []string{"daily:", "at:"} {
		if strings.HasPrefix(low, p) {
			c, err := config.ParseClock(s[len(p):])
			if err != nil {
				return ParsedSpec{}, err
			}
			return ParsedSpec{Kind: SpecDaily, At: c}, nil
		}
	}
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	}
	if strings.HasPrefix(low, "every:") {
		return parseEvery(s[len("every:"):])
	}
	if strings.HasPrefix(s, "@every") {
		return parseEvery(strings.TrimPrefix(s, "@every"))
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseEvery(s)
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 9 * * *', a duration like '1h', or 'daily:09:00')", raw)
}

func parseEvery(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
	}
	if d < time.Second {
		return ParsedSpec{}, fmt.Errorf("interval must be >= 1s")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}
