package reminder

import (
	"context"
	"time"

	"taskbot/internal/eventbus"
	"taskbot/pkg/logx"
)

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

// nextClock returns at when it is still pending today, otherwise the same
// clock on the following day.
func nextClock(at, now time.Time, doneToday bool) time.Time {
	if !doneToday {
		if at.Before(now) {
			return now
		}
		return at
	}
	y, m, d := at.Date()
	return time.Date(y, m, d+1, at.Hour(), at.Minute(), 0, 0, at.Location())
}

// markClocksPassed treats daily clocks already behind now as done for today,
// so a start at 10:00 does not trigger the 03:00 config reload.
func (e *Engine) markClocksPassed(now time.Time, p Policy) {
	local := now.In(p.Location)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastCleanupDay == "" && !local.Before(p.CleanupAt.On(local)) {
		e.lastCleanupDay = dayKey(local)
	}
	if e.lastConfigDay == "" && !local.Before(p.ConfigReloadAt.On(local)) {
		e.lastConfigDay = dayKey(local)
	}
}

// maintain runs whichever of the daily reload, retention cleanup and config
// reload are due. Store failures are logged and never stop the loop.
func (e *Engine) maintain(ctx context.Context, now time.Time) {
	e.mu.Lock()
	p := e.policy
	loaded := e.loaded
	lastReload := e.lastReload
	covered := e.coveredUntil
	local := now.In(p.Location)
	today := dayKey(local)
	cleanupDue := e.lastCleanupDay != today && !local.Before(p.CleanupAt.On(local))
	configDue := e.lastConfigDay != today && !local.Before(p.ConfigReloadAt.On(local))
	e.mu.Unlock()

	if !e.polling() {
		switch {
		case !loaded && !now.Before(lastReload.Add(24*time.Hour)):
			if _, err := e.Load(ctx, now.Add(-p.CatchUp), now.Add(p.Lookahead)); err != nil {
				e.log.Error("initial reminder load failed", logx.Err(err))
				e.retryReloadLater(now)
			}
		case loaded && now.Sub(lastReload) >= 24*time.Hour:
			e.dailyReload(ctx, now, p, covered)
		}
	}

	if cleanupDue {
		e.cleanup(ctx, now, p)
		e.mu.Lock()
		e.lastCleanupDay = today
		e.lastCleanup = now
		e.mu.Unlock()
	}
	if configDue {
		if e.reloadCfg != nil {
			if err := e.reloadCfg(ctx); err != nil {
				e.log.Warn("config re-read failed; keeping previous config", logx.Err(err))
			}
		}
		e.Reload()
		e.mu.Lock()
		e.lastConfigDay = today
		e.mu.Unlock()
		e.publish(eventbus.MaintenanceRan, map[string]any{"op": "config_reload"})
	}
}

// retryReloadLater makes the next reload due reloadRetry from now. Until the
// initial load succeeds the retry repeats the full initial window.
func (e *Engine) retryReloadLater(now time.Time) {
	e.mu.Lock()
	e.lastReload = now.Add(-24*time.Hour + reloadRetry)
	e.mu.Unlock()
}

// dailyReload merges the [now+ReloadStart, now+ReloadEnd] band. The band
// starts earlier when a late reload left a gap after the covered range, and
// past-due unsent reminders (failed or missed) are picked up again.
func (e *Engine) dailyReload(ctx context.Context, now time.Time, p Policy, covered time.Time) {
	start := now.Add(p.ReloadStart)
	if !covered.IsZero() && covered.Before(start) {
		start = covered
	}
	end := now.Add(p.ReloadEnd)

	added, err := e.Merge(ctx, start, end)
	if err != nil {
		e.log.Error("daily reload failed", logx.Err(err))
		e.retryReloadLater(now)
		return
	}
	backlog, err := e.Merge(ctx, now.Add(-p.CatchUp), now)
	if err != nil {
		e.log.Warn("backlog reload failed", logx.Err(err))
	}

	e.mu.Lock()
	e.lastReload = now
	qlen := e.queue.Len()
	e.mu.Unlock()

	e.log.Info("daily reload",
		logx.Int("added", added), logx.Int("backlog", backlog), logx.Int("queue", qlen),
		logx.Time("from", start), logx.Time("to", end))
	e.publish(eventbus.MaintenanceRan, map[string]any{"op": "daily_reload", "added": added, "backlog": backlog})
	e.signal()
}

// cleanup deletes sent reminders that fired before now minus retention.
func (e *Engine) cleanup(ctx context.Context, now time.Time, p Policy) {
	cutoff := now.Add(-p.Retention)
	n, err := e.store.DeleteSentOlderThan(ctx, cutoff)
	if err != nil {
		e.log.Error("reminder cleanup failed", logx.Err(err), logx.Time("cutoff", cutoff))
		return
	}
	e.cleaned.Add(uint64(n))
	e.log.Info("old reminders cleaned", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	e.publish(eventbus.MaintenanceRan, map[string]any{"op": "cleanup", "deleted": n})
}
