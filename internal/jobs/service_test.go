package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskbot/internal/config"
	"taskbot/internal/eventbus"
	"taskbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		kind SpecKind
		cron string
		bad  bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "0 30 9 * * *", kind: SpecCron, cron: "0 30 9 * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron: 15 * * * *", kind: SpecCron, cron: "15 * * * *"},
		{in: "@every 1h", kind: SpecInterval, cron: "@every 1h0m0s"},
		{in: "90s", kind: SpecInterval, cron: "@every 1m30s"},
		{in: "every: 2h30m", kind: SpecInterval, cron: "@every 2h30m0s"},
		{in: "daily:09:00", kind: SpecDaily, cron: "0 9 * * *"},
		{in: "AT:21:05", kind: SpecDaily, cron: "5 21 * * *"},
		{in: "", bad: true},
		{in: "cron:", bad: true},
		{in: "500ms", bad: true},
		{in: "daily:25:00", bad: true},
		{in: "soon", bad: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.bad {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if ps.Kind != tc.kind || ps.CronSpec() != tc.cron {
			t.Fatalf("%q: kind=%v cron=%q", tc.in, ps.Kind, ps.CronSpec())
		}
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Add("x", "* * *", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
	if err := s.Add("", "1h", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected name error")
	}
}

func TestRunNowRecordsHistoryAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.JobRan)
	t.Cleanup(unsub)

	s := New(Config{Enabled: true}, logx.Nop(), bus)
	boom := errors.New("boom")
	if err := s.Add("checks", "1h", func(context.Context) error { return boom }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.RunNow(context.Background(), "checks"); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err=%v", err)
	}

	h := s.Snapshot().History
	if len(h) != 1 || h[0].Name != "checks" || h[0].Err != "boom" {
		t.Fatalf("history=%+v", h)
	}
	select {
	case ev := <-ch:
		re, ok := ev.Data.(RunEvent)
		if !ok || re.Name != "checks" || re.Error != "boom" {
			t.Fatalf("event=%+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	_ = s.Add("p", "1h", func(context.Context) error { panic("bad") })
	if err := s.RunNow(context.Background(), "p"); err == nil {
		t.Fatalf("expected panic error")
	}
}

func TestRunAppliesTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timeout: 20 * time.Millisecond}, logx.Nop(), nil)
	_ = s.Add("slow", "1h", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestReRegisterReplaces(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	var n atomic.Int32
	_ = s.Add("j", "1h", func(context.Context) error { n.Add(1); return nil })
	_ = s.Add("j", "2h", func(context.Context) error { n.Add(10); return nil })
	if got := len(s.Snapshot().Jobs); got != 1 {
		t.Fatalf("jobs=%d", got)
	}
	_ = s.RunNow(context.Background(), "j")
	if n.Load() != 10 {
		t.Fatalf("old func ran")
	}
	if !s.Remove("j") || s.Remove("j") {
		t.Fatalf("remove semantics")
	}
}

func TestStartedSnapshotHasNextRun(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	s := New(Config{Enabled: true, Location: loc}, logx.Nop(), nil)
	if err := s.AddDaily("digest", config.Clock{Hour: 9}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	snap := s.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].Spec != "0 9 * * *" {
		t.Fatalf("jobs=%+v", snap.Jobs)
	}
	next := snap.Jobs[0].Next.In(loc)
	if next.IsZero() || next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("next=%v", next)
	}
}

func TestDisabledDoesNotStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	_ = s.Add("j", "1h", func(context.Context) error { return nil })
	s.Start(context.Background())
	if !s.Snapshot().Jobs[0].Next.IsZero() {
		t.Fatalf("disabled service scheduled a job")
	}
}

func TestStartupSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	sch := withStartupSpread(time.Minute, now)
	first := sch.Next(now)
	if first.Before(now.Add(time.Minute)) || !first.Before(now.Add(2*time.Minute)) {
		t.Fatalf("first=%v", first)
	}
	if second := sch.Next(first); !second.After(first) {
		t.Fatalf("second=%v", second)
	}
}
