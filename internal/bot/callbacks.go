package bot

import (
	"context"
	"fmt"
	"strconv"

	"taskbot/internal/tasks"
	"taskbot/internal/transport/router"
	"taskbot/pkg/tgui"
)

func callbackTask(req *router.Request) (int64, bool) {
	id, err := req.Callback.Int64(0)
	return id, err == nil && id > 0
}

func (b *Bot) cbDone(ctx context.Context, req *router.Request) error {
	id, ok := callbackTask(req)
	if !ok {
		return nil
	}
	if err := b.tasks.Complete(ctx, req.FromID, id); err != nil {
		return userError(ctx, req, id, err)
	}
	return req.Send(ctx, tgui.Message{Text: fmt.Sprintf("✅ Task #%d done", id)})
}

func (b *Bot) cbSnooze(ctx context.Context, req *router.Request) error {
	id, ok := callbackTask(req)
	if !ok {
		return nil
	}
	minutes := 15
	if len(req.Callback.Args) > 1 {
		if m, err := strconv.Atoi(req.Callback.Args[1]); err == nil {
			minutes = m
		}
	}
	at, err := b.tasks.Snooze(ctx, req.FromID, id, minutes)
	if err != nil {
		return userError(ctx, req, id, err)
	}
	return req.Send(ctx, tgui.Message{Text: snoozedText(id, at)})
}

func (b *Bot) cbView(ctx context.Context, req *router.Request) error {
	id, ok := callbackTask(req)
	if !ok {
		return nil
	}
	t, err := b.tasks.Get(ctx, req.FromID, id)
	if err != nil {
		return userError(ctx, req, id, err)
	}
	icon := ""
	if t.Category != "" {
		cats, _ := b.tasks.Categories(ctx, req.FromID)
		for _, c := range cats {
			if c.Name == t.Category {
				icon = c.Icon
			}
		}
	}
	return req.Send(ctx, tasks.FormatTask(t, icon))
}

func (b *Bot) cbDelete(ctx context.Context, req *router.Request) error {
	id, ok := callbackTask(req)
	if !ok {
		return nil
	}
	t, err := b.tasks.Get(ctx, req.FromID, id)
	if err != nil {
		return userError(ctx, req, id, err)
	}
	m := tgui.New().
		RawLine("🗑 Delete " + tgui.B("#"+strconv.FormatInt(id, 10)+" "+t.Title).String() + "?").
		Inline(tasks.DeleteConfirmKeyboard(id)).
		Build()
	return req.Send(ctx, m)
}

func (b *Bot) cbConfirmDelete(ctx context.Context, req *router.Request) error {
	id, ok := callbackTask(req)
	if !ok {
		return nil
	}
	if err := b.tasks.Delete(ctx, req.FromID, id); err != nil {
		return userError(ctx, req, id, err)
	}
	return req.Send(ctx, tgui.Message{Text: fmt.Sprintf("🗑 Task #%d deleted", id)})
}
