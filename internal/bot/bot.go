// Package bot is the chat surface: commands, inline callbacks and the
// free-text and voice handlers that create tasks.
package bot

import (
	"context"
	"sync/atomic"
	"time"

	"taskbot/internal/jobs"
	"taskbot/internal/reminder"
	"taskbot/internal/storage"
	"taskbot/internal/tasks"
	"taskbot/internal/transport"
	"taskbot/internal/transport/router"
	"taskbot/pkg/logx"
)

// Engine is the part of the reminder engine the chat surface reads or resets.
type Engine interface {
	Snapshot() reminder.Snapshot
	Clear() int
}

type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// VoiceConfig gates voice notes.
type VoiceConfig struct {
	Enabled     bool
	MaxDuration time.Duration
}

type Options struct {
	Tasks       *tasks.Service
	Store       storage.Store
	Engine      Engine
	Jobs        *jobs.Service
	Transcriber Transcriber
	Voice       VoiceConfig
	Log         logx.Logger
	// Started is reported by /status.
	Started time.Time
}

type Bot struct {
	tasks   *tasks.Service
	store   storage.Store
	engine  Engine
	jobs    *jobs.Service
	tr      Transcriber
	log     logx.Logger
	started time.Time

	voice atomic.Pointer[VoiceConfig]
}

func New(opts Options) *Bot {
	b := &Bot{
		tasks:   opts.Tasks,
		store:   opts.Store,
		engine:  opts.Engine,
		jobs:    opts.Jobs,
		tr:      opts.Transcriber,
		log:     opts.Log,
		started: opts.Started,
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	if b.started.IsZero() {
		b.started = time.Now()
	}
	b.SetVoice(opts.Voice)
	return b
}

// SetVoice applies reloaded voice settings.
func (b *Bot) SetVoice(v VoiceConfig) {
	if v.MaxDuration <= 0 {
		v.MaxDuration = 2 * time.Minute
	}
	b.voice.Store(&v)
}

// Register installs every route on r.
func (b *Bot) Register(r *router.Router) {
	cmds := b.Commands()
	help := router.Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "list commands",
		Handle: func(ctx context.Context, req *router.Request) error {
			return req.Reply(ctx, router.HelpText(r.Commands(), req.Owner), nil)
		},
	}
	cmds = append(cmds[:1:1], append([]router.Command{help}, cmds[1:]...)...)
	r.SetRegistry(cmds, b.Callbacks(), b.handleInput)
}

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "welcome message", Handle: b.cmdStart},
		{Name: "today", Description: "tasks due today", Handle: b.cmdToday},
		{Name: "week", Description: "tasks due within 7 days", Handle: b.cmdWeek},
		{Name: "all", Aliases: []string{"list"}, Description: "all active tasks", Handle: b.cmdAll},
		{Name: "categories", Description: "your categories", Handle: b.cmdCategories},
		{Name: "category", Usage: "/category <name>", Description: "tasks in a category", Handle: b.cmdCategory},
		{Name: "done", Usage: "/done <id>", Description: "mark a task done", Handle: b.cmdDone},
		{Name: "delete", Usage: "/delete <id>", Description: "delete a task", Handle: b.cmdDelete},
		{Name: "snooze", Usage: "/snooze <id> <minutes>", Description: "remind again later", Handle: b.cmdSnooze},
		{Name: "myid", Description: "show your user id", Handle: b.cmdMyID},
		{Name: "status", Description: "scheduler status", Access: router.AccessOwnerOnly, Handle: b.cmdStatus},
		{Name: "reset", Usage: "/reset confirm", Description: "wipe all data", Access: router.AccessOwnerOnly, Handle: b.cmdReset},
	}
}

func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: "task", Action: "done", Handle: b.cbDone},
		{Scope: "task", Action: "snooze", Handle: b.cbSnooze},
		{Scope: "task", Action: "view", Handle: b.cbView},
		{Scope: "task", Action: "delete", Handle: b.cbDelete},
		{Scope: "task", Action: "confirm_delete", Handle: b.cbConfirmDelete},
	}
}

// DigestSender adapts a transport to tasks.Sender for private chats.
func DigestSender(ad transport.Adapter) tasks.Sender {
	return func(ctx context.Context, owner int64, html string) error {
		_, err := ad.SendText(ctx, transport.ChatTarget{ChatID: owner}, html, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return err
	}
}
