// Package app wires configuration, storage, the reminder engine and the chat
// transports into one process and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskbot/internal/bot"
	"taskbot/internal/config"
	"taskbot/internal/eventbus"
	"taskbot/internal/jobs"
	"taskbot/internal/llm"
	"taskbot/internal/mcpserver"
	"taskbot/internal/notifier"
	"taskbot/internal/observability/pprof"
	"taskbot/internal/reminder"
	"taskbot/internal/runtime/supervisor"
	"taskbot/internal/storage"
	"taskbot/internal/tasks"
	"taskbot/internal/transport"
	"taskbot/internal/transport/console"
	"taskbot/internal/transport/router"
	telegram "taskbot/internal/transport/telegram/adapter"
	"taskbot/pkg/logx"
)

const (
	jobConditionChecks = "condition_checks"
	jobMorningDigest   = "morning_digest"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter
	router  *router.Router
	bot     *bot.Bot

	engine *reminder.Engine
	notif  *notifier.Service
	jobs   *jobs.Service
	tasks  *tasks.Service
	mcp    *mcpserver.Server
	debug  *pprof.Server

	updates chan transport.Update

	mu         sync.Mutex
	stopReason StopReason
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	// The logging service is built from the config, so loading reports to the console.
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	var ad transport.Adapter
	if cfg.Console.Enabled {
		ad = console.New(mapConsoleConfig(cfg), log.With(logx.String("comp", "console")))
	} else {
		tg, err := telegram.New(mapTelegramConfig(cfg), log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		ad = tg
	}
	logSvc.SetSender(func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(ctx, transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, nil)
		return err
	})

	notif := notifier.New(mapNotifierConfig(cfg), ad, log.With(logx.String("comp", "notifier")), bus, store)

	// The composer needs the task service, which needs the engine.
	var svc *tasks.Service
	engine := reminder.New(reminder.Options{
		Store:     store,
		Deliverer: bot.Deliverer(notif),
		Policy:    func() reminder.Policy { return reminder.PolicyFromConfig(cfgm.Get()) },
		Composer:  func(ctx context.Context, e reminder.Entry) string { return svc.Compose(ctx, e) },
		Log:       log.With(logx.String("comp", "reminder")),
		Bus:       bus,
		// The daily reload reads the file even when the watch missed an edit.
		ReloadConfig: rereadConfig(cfgm),
	})

	ex, err := llm.New(mapLLMConfig(cfg), log.With(logx.String("comp", "llm")))
	if err != nil {
		log.Warn("llm provider unusable, falling back to verbatim tasks", logx.Err(err))
		ex = llm.NewService(nil, 0, log.With(logx.String("comp", "llm")))
	}

	svc = tasks.New(tasks.Options{
		Store:     store,
		Extractor: ex,
		Scheduler: engine,
		Policy:    func() reminder.DerivePolicy { return reminder.DerivePolicyFromConfig(cfgm.Get()) },
		Log:       log.With(logx.String("comp", "tasks")),
	})

	jobSvc := jobs.New(mapJobsConfig(cfg), log.With(logx.String("comp", "jobs")), bus)

	b := bot.New(bot.Options{
		Tasks:       svc,
		Store:       store,
		Engine:      engine,
		Jobs:        jobSvc,
		Transcriber: llm.NewTranscriber(mapTranscriberConfig(cfg)),
		Voice:       mapVoiceConfig(cfg),
		Log:         log.With(logx.String("comp", "bot")),
	})
	r := router.New(router.Options{
		Log:     log.With(logx.String("comp", "router")),
		Adapter: ad,
		Owners:  owners(cfg),
		Allowed: cfg.Telegram.AllowedUserIDs,
	})
	b.Register(r)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		router:  r,
		bot:     b,
		engine:  engine,
		notif:   notif,
		jobs:    jobSvc,
		tasks:   svc,
		updates: make(chan transport.Update, 256),
	}
	if cfg.MCP.Enabled {
		a.mcp = mcpserver.New(mapMCPConfig(cfg), svc, engine, log.With(logx.String("comp", "mcp")))
	}
	if cfg.Debug.Enabled {
		a.debug = pprof.New(mapDebugConfig(cfg), a.health, log.With(logx.String("comp", "debug")))
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error,
// closed console or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StopReason reports why Done closed, when the app decided it itself.
func (a *App) StopReason() StopReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopReason != "" {
		return a.stopReason
	}
	if a.Err() != nil {
		return StopFatalError
	}
	return StopUnknown
}

func (a *App) setStopReason(r StopReason) {
	a.mu.Lock()
	if a.stopReason == "" {
		a.stopReason = r
	}
	a.mu.Unlock()
}

// registerJobs (re)binds the periodic jobs to the current config.
func (a *App) registerJobs(cfg *config.Config) error {
	a.jobs.Remove(jobConditionChecks)
	a.jobs.Remove(jobMorningDigest)

	if err := a.jobs.Add(jobConditionChecks, cfg.Jobs.ConditionCheckSpec, func(ctx context.Context) error {
		_, err := a.tasks.RunConditionChecks(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register %s: %w", jobConditionChecks, err)
	}

	if cfg.Jobs.MorningDigest {
		at := config.ClockOr(cfg.Reminders.MorningReminders.Time, config.Clock{Hour: 9})
		send := bot.DigestSender(a.adapter)
		if err := a.jobs.AddDaily(jobMorningDigest, at, func(ctx context.Context) error {
			_, err := a.tasks.MorningDigest(ctx, send)
			return err
		}); err != nil {
			return fmt.Errorf("register %s: %w", jobMorningDigest, err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	if err := a.registerJobs(cfg); err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	// Run returns nil on cancel, which ends the restart loop.
	a.sup.GoRestart("reminder.engine", a.engine.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	if a.jobs.Enabled() {
		a.jobs.Start(a.sup.Context())
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.router.PublishMenu(mctx); err != nil {
			a.log.Warn("command menu publish failed", logx.Err(err))
		}
	})

	if cc, ok := a.adapter.(interface{ Closed() <-chan struct{} }); ok {
		a.sup.Go0("console.closed", func(c context.Context) {
			select {
			case <-c.Done():
			case <-cc.Closed():
				a.setStopReason(StopConsoleClosed)
				a.sup.Cancel()
			}
		})
	}

	if a.mcp != nil {
		// The MCP surface is optional; losing it never stops the bot.
		a.sup.Go0("mcp.server", func(c context.Context) {
			if err := a.mcp.Run(c); err != nil {
				a.log.Error("mcp server exited", logx.Err(err))
			}
		})
	}

	if a.debug != nil {
		a.sup.Go0("debug.server", func(c context.Context) {
			if err := a.debug.Run(c); err != nil {
				a.log.Error("debug server exited", logx.Err(err))
			}
		})
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	sdNotify(a.log, daemon.SdNotifyReady)
	if every := watchdogInterval(); every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			watchdog(c, every, func() bool { return a.engine.Snapshot().Running }, a.log)
		})
	}

	a.announce(a.sup.Context(), "✅ <b>taskbot started</b>")
	a.log.Info("app started",
		logx.String("transport", transportName(a.adapter)),
		logx.String("strategy", a.engine.Strategy()),
		logx.Bool("mcp", a.mcp != nil))
	return nil
}

// health backs /healthz: the engine loop must be running.
func (a *App) health() (any, bool) {
	snap := a.engine.Snapshot()
	return map[string]any{
		"strategy":   snap.Strategy,
		"running":    snap.Running,
		"queue_len":  snap.QueueLen,
		"next_wake":  snap.NextWake,
		"dispatched": snap.Dispatched,
		"failed":     snap.Failed,
		"transport":  transportName(a.adapter),
	}, snap.Running
}

func transportName(ad transport.Adapter) string {
	if _, ok := ad.(*console.Adapter); ok {
		return "console"
	}
	return "telegram"
}

// announce queues an operator notice to every owner.
func (a *App) announce(ctx context.Context, html string) {
	for _, id := range a.cfgm.Get().Telegram.OwnerUserIDs {
		err := a.notif.Notify(ctx, notifier.Notification{
			Priority: 5,
			Target:   transport.ChatTarget{ChatID: id},
			Text:     html,
			Options:  &transport.SendOptions{ParseMode: "HTML", DisablePreview: true},
		})
		if err != nil {
			a.log.Debug("owner notice not queued", logx.Int64("owner", id), logx.Err(err))
		}
	}
}

// applyConfig pushes a reloaded config into the running services.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))
	a.router.SetAccess(owners(next), next.Telegram.AllowedUserIDs)
	a.bot.SetVoice(mapVoiceConfig(next))

	prevNotif := a.notif.Enabled()
	ncfg := mapNotifierConfig(next)
	a.notif.Apply(ncfg)
	switch {
	case prevNotif && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}

	prevJobs := a.jobs.Enabled()
	jcfg := mapJobsConfig(next)
	a.jobs.Apply(jcfg)
	if err := a.registerJobs(next); err != nil {
		a.log.Warn("job re-registration failed", logx.Err(err))
	}
	switch {
	case prevJobs && !jcfg.Enabled:
		a.log.Info("jobs disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.jobs.Stop(stopCtx)
		cancel()
	case !prevJobs && jcfg.Enabled:
		a.log.Info("jobs enabled via config")
		a.jobs.Start(c)
	}

	a.engine.Reload()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// step runs one shutdown step bounded by limit so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = rem
			}
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduling stops before delivery so nothing new is queued behind the notice.
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("reminder", time.Second, func(context.Context) error { a.engine.Stop(); return nil })
	a.announce(ctx, "🛑 <b>taskbot stopping</b> ("+string(reason)+")")
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()

	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// rereadConfig reloads the config file. Subscribers see the new config only
// when its content changed.
func rereadConfig(cfgm *config.ConfigManager) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := cfgm.Reload(ctx)
		return err
	}
}
