package reminder

import (
	"strings"
	"time"

	"taskbot/internal/config"
)

const (
	StrategyEvent   = "event"
	StrategyPolling = "polling"
)

// Policy is the engine's view of the reminders configuration.
type Policy struct {
	Strategy string

	Lookahead   time.Duration
	ReloadStart time.Duration
	ReloadEnd   time.Duration
	// CatchUp bounds how far back past-due unsent reminders are picked up by
	// Load and by the daily reload.
	CatchUp time.Duration

	CleanupAt      config.Clock
	ConfigReloadAt config.Clock
	Retention      time.Duration

	PollInterval    time.Duration
	DeliveryTimeout time.Duration
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration

	Location *time.Location
}

// DefaultPolicy mirrors config.Default().
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default())
}

// PolicyFromConfig maps cfg to a Policy, substituting defaults for unusable values.
func PolicyFromConfig(cfg *config.Config) Policy {
	if cfg == nil {
		cfg = config.Default()
	}
	s := cfg.Reminders.Scheduler

	p := Policy{
		Strategy:        StrategyEvent,
		Lookahead:       72 * time.Hour,
		ReloadStart:     48 * time.Hour,
		ReloadEnd:       72 * time.Hour,
		CleanupAt:       config.ClockOr(s.CleanupTime, config.Clock{Hour: 23, Minute: 55}),
		ConfigReloadAt:  config.ClockOr(s.ConfigReloadTime, config.Clock{Hour: 3}),
		Retention:       7 * 24 * time.Hour,
		PollInterval:    config.DurationOr(s.PollInterval, time.Minute),
		DeliveryTimeout: config.DurationOr(s.DeliveryTimeout, 30*time.Second),
		RetryMax:        s.RetryMax,
		RetryBase:       config.DurationOr(s.RetryBase, 30*time.Second),
		RetryMaxDelay:   config.DurationOr(s.RetryMaxDelay, 10*time.Minute),
		Location:        cfg.Location(),
	}
	if strings.EqualFold(strings.TrimSpace(s.Type), StrategyPolling) {
		p.Strategy = StrategyPolling
	}
	if s.InitialLookaheadHours > 0 {
		p.Lookahead = time.Duration(s.InitialLookaheadHours) * time.Hour
	}
	if w := s.DailyReloadWindow; len(w) == 2 && w[0] >= 0 && w[0] < w[1] {
		p.ReloadStart = time.Duration(w[0]) * time.Hour
		p.ReloadEnd = time.Duration(w[1]) * time.Hour
	}
	if s.RetentionDays > 0 {
		p.Retention = time.Duration(s.RetentionDays) * 24 * time.Hour
	}
	if p.RetryMax < 0 {
		p.RetryMax = 0
	}
	p.CatchUp = p.Retention
	return p
}

// horizonEnd is the latest fire time held in memory for a reminder scheduled at now.
func (p Policy) horizonEnd(now time.Time) time.Time { return now.Add(p.Lookahead) }
