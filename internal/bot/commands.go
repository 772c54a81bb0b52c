package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskbot/internal/storage"
	"taskbot/internal/tasks"
	"taskbot/internal/transport/router"
	"taskbot/pkg/logx"
	"taskbot/pkg/tgui"
)

const welcome = `👋 <b>Hi! I keep track of your tasks.</b>

Just write what you need to do, for example:
<i>Submit the report to the client by Friday 15:00</i>

I will work out the due date, priority and category, and remind you in time.
Voice notes work too. See /help for commands.`

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, welcome, nil)
}

func (b *Bot) listReply(ctx context.Context, req *router.Request, title string, list []storage.Task, err error) error {
	if err != nil {
		return err
	}
	cats, err := b.tasks.Categories(ctx, req.FromID)
	if err != nil {
		b.log.Warn("list categories failed", logx.Err(err))
	}
	return req.Reply(ctx, tasks.FormatList(title, list, cats), nil)
}

func (b *Bot) cmdToday(ctx context.Context, req *router.Request) error {
	list, err := b.tasks.Today(ctx, req.FromID)
	return b.listReply(ctx, req, "Today", list, err)
}

func (b *Bot) cmdWeek(ctx context.Context, req *router.Request) error {
	list, err := b.tasks.Week(ctx, req.FromID)
	return b.listReply(ctx, req, "Next 7 days", list, err)
}

func (b *Bot) cmdAll(ctx context.Context, req *router.Request) error {
	list, err := b.tasks.All(ctx, req.FromID)
	return b.listReply(ctx, req, "All tasks", list, err)
}

func (b *Bot) cmdCategories(ctx context.Context, req *router.Request) error {
	cats, err := b.tasks.Categories(ctx, req.FromID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, tasks.FormatCategories(cats), nil)
}

func (b *Bot) cmdCategory(ctx context.Context, req *router.Request) error {
	name := strings.TrimSpace(req.Text)
	if name == "" {
		return req.Reply(ctx, "Usage: "+tgui.Code("/category <name>").String(), nil)
	}
	list, err := b.tasks.ByCategory(ctx, req.FromID, name)
	return b.listReply(ctx, req, tasks.DefaultIcon(name)+" "+name, list, err)
}

// taskID parses the first argument as a task id, replying with usage when it is missing.
func taskID(ctx context.Context, req *router.Request, usage string) (int64, bool) {
	if len(req.Args) > 0 {
		if id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	_ = req.Reply(ctx, "Usage: "+tgui.Code(usage).String(), nil)
	return 0, false
}

// userError replies for domain errors and passes the rest up.
func userError(ctx context.Context, req *router.Request, id int64, err error) error {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return req.Reply(ctx, fmt.Sprintf("❌ Task #%d not found", id), nil)
	case errors.Is(err, tasks.ErrTaskFinished):
		return req.Reply(ctx, fmt.Sprintf("✅ Task #%d is already done", id), nil)
	case errors.Is(err, tasks.ErrBadSnooze):
		return req.Reply(ctx, "⏰ Snooze must be between 1 minute and 7 days", nil)
	}
	return err
}

func (b *Bot) cmdDone(ctx context.Context, req *router.Request) error {
	id, ok := taskID(ctx, req, "/done <id>")
	if !ok {
		return nil
	}
	if err := b.tasks.Complete(ctx, req.FromID, id); err != nil {
		return userError(ctx, req, id, err)
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Task #%d done", id), nil)
}

func (b *Bot) cmdDelete(ctx context.Context, req *router.Request) error {
	id, ok := taskID(ctx, req, "/delete <id>")
	if !ok {
		return nil
	}
	if err := b.tasks.Delete(ctx, req.FromID, id); err != nil {
		return userError(ctx, req, id, err)
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 Task #%d deleted", id), nil)
}

func (b *Bot) cmdSnooze(ctx context.Context, req *router.Request) error {
	id, ok := taskID(ctx, req, "/snooze <id> <minutes>")
	if !ok {
		return nil
	}
	minutes := 60
	if len(req.Args) > 1 {
		m, err := strconv.Atoi(req.Args[1])
		if err != nil {
			return req.Reply(ctx, "Usage: "+tgui.Code("/snooze <id> <minutes>").String(), nil)
		}
		minutes = m
	}
	at, err := b.tasks.Snooze(ctx, req.FromID, id, minutes)
	if err != nil {
		return userError(ctx, req, id, err)
	}
	return req.Reply(ctx, snoozedText(id, at), nil)
}

func snoozedText(id int64, at time.Time) string {
	return fmt.Sprintf("⏰ Task #%d: I will remind you at %s", id, at.Format("15:04 02.01"))
}

func (b *Bot) cmdMyID(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, "🆔 Your user id: "+tgui.Code(strconv.FormatInt(req.FromID, 10)).String(), nil)
}

func (b *Bot) cmdStatus(ctx context.Context, req *router.Request) error {
	var st *storage.Stats
	if b.store != nil {
		s, err := b.store.Stats(ctx)
		if err != nil {
			b.log.Warn("store stats failed", logx.Err(err))
		} else {
			st = &s
		}
	}
	return req.Reply(ctx, b.statusText(st, time.Now()), nil)
}

func (b *Bot) statusText(st *storage.Stats, now time.Time) string {
	m := tgui.New().Title("📊", "Status").
		KV("Uptime", now.Sub(b.started).Truncate(time.Second).String())
	if b.engine != nil {
		s := b.engine.Snapshot()
		m.Section("Scheduler").
			KV("Strategy", s.Strategy).
			KV("Running", strconv.FormatBool(s.Running)).
			KV("Queued", strconv.Itoa(s.QueueLen)).
			KV("Next", fmtTime(s.Head)).
			KV("Covered until", fmtTime(s.CoveredUntil)).
			KV("Last reload", fmtTime(s.LastReload)).
			KV("Last cleanup", fmtTime(s.LastCleanup)).
			KV("Delivered", strconv.FormatUint(s.Dispatched, 10)).
			KV("Failed", strconv.FormatUint(s.Failed, 10))
	}
	if st != nil {
		m.Section("Storage").
			KV("Tasks", fmt.Sprintf("%d (%d active)", st.Tasks, st.ActiveTasks)).
			KV("Reminders", fmt.Sprintf("%d pending, %d sent", st.Unsent, st.Sent))
	}
	if b.jobs != nil {
		js := b.jobs.Snapshot()
		if len(js.Jobs) > 0 {
			m.Section("Jobs")
			for _, j := range js.Jobs {
				m.Line(j.Name + ": next " + fmtTime(j.Next))
			}
		}
	}
	return m.Build().Text
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("02.01 15:04")
}

func (b *Bot) cmdReset(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 || req.Args[0] != "confirm" {
		return req.Reply(ctx, "⚠️ This deletes every task and reminder. Send "+tgui.Code("/reset confirm").String()+" to proceed.", nil)
	}
	if err := b.store.Reset(ctx); err != nil {
		return err
	}
	n := 0
	if b.engine != nil {
		n = b.engine.Clear()
	}
	req.Logger.Warn("data reset", logx.Int("dropped_queue", n))
	return req.Reply(ctx, "🧹 All data deleted", nil)
}
