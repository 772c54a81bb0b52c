package reminder

import (
	"sort"
	"strings"
	"time"

	"taskbot/internal/config"
	"taskbot/internal/storage"
)

// DeadlineRule fires DaysBefore days before a date-only due date at At.
type DeadlineRule struct {
	DaysBefore int
	At         config.Clock
}

// DerivePolicy decides which reminders a new task gets.
type DerivePolicy struct {
	Deadlines      []DeadlineRule
	TimeBased      bool
	HoursBefore    []int
	MinutesBefore  []int
	Morning        bool
	MorningAt      config.Clock
	MinInterval    time.Duration
	SnoozeMinutes  []int
	ConditionEvery time.Duration
	Location       *time.Location
}

func DerivePolicyFromConfig(cfg *config.Config) DerivePolicy {
	if cfg == nil {
		cfg = config.Default()
	}
	r := cfg.Reminders
	p := DerivePolicy{
		TimeBased:      r.TimeBasedReminders.Enabled,
		HoursBefore:    append([]int(nil), r.TimeBasedReminders.HoursBefore...),
		MinutesBefore:  append([]int(nil), r.TimeBasedReminders.MinutesBefore...),
		Morning:        r.MorningReminders.Enabled,
		MorningAt:      config.ClockOr(r.MorningReminders.Time, config.Clock{Hour: 9}),
		MinInterval:    time.Duration(cfg.General.MinReminderInterval) * time.Minute,
		SnoozeMinutes:  append([]int(nil), r.SnoozeMinutes...),
		ConditionEvery: time.Duration(r.ConditionChecks.DefaultInterval) * time.Second,
		Location:       cfg.Location(),
	}
	for _, d := range r.DeadlineReminders {
		c, err := config.ParseClock(d.Time)
		if err != nil || d.DaysBefore < 0 {
			continue
		}
		p.Deadlines = append(p.Deadlines, DeadlineRule{DaysBefore: d.DaysBefore, At: c})
	}
	if p.ConditionEvery <= 0 {
		p.ConditionEvery = 24 * time.Hour
	}
	return p
}

// Candidate is one reminder instant derived for a task.
type Candidate struct {
	At   time.Time
	Kind storage.Kind
}

// DeriveInput carries the task attributes relevant to reminders.
type DeriveInput struct {
	Task storage.Task
	// ReminderTime is an explicit "HH:MM" the user asked to be reminded at.
	ReminderTime string
}

// Derive returns the future reminder instants for in, ordered by time.
//
// Date-only due dates use the deadline table; due dates with a time use the
// hour and minute offsets. A morning reminder lands on the due day. Derived
// candidates strictly closer than MinInterval to an earlier kept one are
// dropped. An explicit reminder time is always kept; it fires today, or
// tomorrow when that time has already passed.
func Derive(p DerivePolicy, in DeriveInput, now time.Time) []Candidate {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	var derived []Candidate
	if due, hasTime, ok := in.Task.Due(loc); ok {
		if hasTime {
			if p.TimeBased {
				for _, h := range p.HoursBefore {
					derived = append(derived, Candidate{At: due.Add(-time.Duration(h) * time.Hour), Kind: storage.KindTimeBased})
				}
				for _, m := range p.MinutesBefore {
					derived = append(derived, Candidate{At: due.Add(-time.Duration(m) * time.Minute), Kind: storage.KindTimeBased})
				}
			}
		} else {
			for _, rule := range p.Deadlines {
				day := due.AddDate(0, 0, -rule.DaysBefore)
				derived = append(derived, Candidate{At: rule.At.On(day), Kind: storage.KindDeadline})
			}
		}
		if p.Morning {
			m := p.MorningAt.On(due)
			if !hasTime || m.Before(due) {
				derived = append(derived, Candidate{At: m, Kind: storage.KindMorning})
			}
		}
	}

	derived = future(derived, now)
	sortCandidates(derived)
	out := spaceOut(derived, p.MinInterval)

	if c, err := config.ParseClock(strings.TrimSpace(in.ReminderTime)); err == nil && in.ReminderTime != "" {
		at := c.On(now)
		if !at.After(now) {
			at = c.On(now.AddDate(0, 0, 1))
		}
		if !containsInstant(out, at) {
			out = append(out, Candidate{At: at, Kind: storage.KindTimeBased})
			sortCandidates(out)
		}
	}
	return out
}

func future(cs []Candidate, now time.Time) []Candidate {
	out := cs[:0]
	for _, c := range cs {
		if c.At.After(now) {
			out = append(out, c)
		}
	}
	return out
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].At.Before(cs[j].At) })
}

// spaceOut keeps sorted candidates at least minGap apart, dropping exact duplicates always.
func spaceOut(cs []Candidate, minGap time.Duration) []Candidate {
	var out []Candidate
	for _, c := range cs {
		if n := len(out); n > 0 {
			gap := c.At.Sub(out[n-1].At)
			if gap == 0 || gap < minGap {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func containsInstant(cs []Candidate, at time.Time) bool {
	for _, c := range cs {
		if c.At.Equal(at) {
			return true
		}
	}
	return false
}

// SnoozeAt returns when a reminder snoozed for minutes at now fires again.
func SnoozeAt(now time.Time, minutes int) time.Time {
	if minutes <= 0 {
		minutes = 15
	}
	return now.Add(time.Duration(minutes) * time.Minute)
}
