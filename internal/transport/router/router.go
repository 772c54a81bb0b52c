// Package router dispatches transport updates to command, callback and
// free-text handlers on a bounded worker pool.
package router

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskbot/internal/runtime/supervisor"
	"taskbot/internal/transport"
	"taskbot/pkg/logx"
	"taskbot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Hidden commands are routed but left out of help and the menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is one routed update.
type Request struct {
	Update   transport.Update
	Chat     transport.ChatTarget
	FromID   int64
	Command  string
	Args     []string
	Text     string
	Callback tgui.Callback
	ReqID    string
	Owner    bool

	Adapter transport.Adapter
	Logger  logx.Logger
}

// Reply sends HTML text to the request's chat.
func (r *Request) Reply(ctx context.Context, html string, kb *tgui.Inline) error {
	_, err := tgui.Message{Text: html, Opt: &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Keyboard:       kb.Keyboard(),
	}}.Send(ctx, r.Adapter, r.Chat)
	return err
}

// Send delivers a built message, editing the pressed message for callbacks.
func (r *Request) Send(ctx context.Context, m tgui.Message) error {
	if cb := r.Update.Callback; cb != nil && cb.MessageID != 0 {
		return m.Edit(ctx, r.Adapter, transport.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID})
	}
	_, err := m.Send(ctx, r.Adapter, r.Chat)
	return err
}

type Options struct {
	Log     logx.Logger
	Adapter transport.Adapter
	Owners  []int64
	// Allowed restricts the bot to these users (owners are always allowed). Empty allows everyone.
	Allowed   []int64
	Workers   int
	QueueSize int
	// Timeout applies to handlers without their own.
	Timeout time.Duration
}

type Router struct {
	log     logx.Logger
	adapter transport.Adapter
	timeout time.Duration
	workers int

	mu        sync.RWMutex
	cmds      map[string]*Command
	ordered   []*Command
	callbacks map[string]CallbackRoute
	fallback  HandlerFunc
	owners    []int64
	allowed   []int64

	jobs chan func()

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(opts Options) *Router {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	r := &Router{
		log:       opts.Log,
		adapter:   opts.Adapter,
		timeout:   opts.Timeout,
		workers:   opts.Workers,
		cmds:      map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		jobs:      make(chan func(), opts.QueueSize),
	}
	r.SetAccess(opts.Owners, opts.Allowed)
	return r
}

// SetAccess swaps the owner and allow lists; safe during config reloads.
func (r *Router) SetAccess(owners, allowed []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.allowed = slices.Clone(allowed)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

func (r *Router) permitted(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.allowed) == 0 || slices.Contains(r.allowed, id) || slices.Contains(r.owners, id)
}

// SetRegistry replaces all routes. fallback receives non-command messages.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute, fallback HandlerFunc) {
	byName := map[string]*Command{}
	var ordered []*Command
	for i := range cmds {
		c := cmds[i]
		name := normalizeName(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		ordered = append(ordered, &c)
		byName[name] = &c
		for _, a := range c.Aliases {
			if a = normalizeName(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = &c
				}
			}
		}
	}
	routes := map[string]CallbackRoute{}
	for _, cb := range cbs {
		if cb.Scope == "" || cb.Action == "" || cb.Handle == nil {
			continue
		}
		routes[cb.Scope+":"+cb.Action] = cb
	}

	r.mu.Lock()
	r.cmds = byName
	r.ordered = ordered
	r.callbacks = routes
	r.fallback = fallback
	r.mu.Unlock()
}

// Commands lists visible commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.ordered))
	for _, c := range r.ordered {
		if !c.Hidden {
			out = append(out, *c)
		}
	}
	return out
}

// PublishMenu pushes the visible commands to adapters with a command menu.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, MenuCommands(r.Commands()))
}

func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Run dispatches updates until ctx ends or updates closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "router"))),
		supervisor.WithCancelOnError(false),
	)
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("router started", logx.Int("workers", r.workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in router job", logx.Int("worker", worker), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) enqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Route resolves one update and queues its handler.
func (r *Router) Route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up)
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !r.permitted(msg.FromID) {
		r.log.Debug("message from unlisted user ignored", logx.Int64("from_id", msg.FromID))
		return
	}
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Text:    strings.TrimSpace(msg.Text),
		Owner:   r.isOwner(msg.FromID),
		Adapter: r.adapter,
	}

	name, args, isCmd := ParseCommand(req.Text)
	if !isCmd {
		r.mu.RLock()
		fb := r.fallback
		r.mu.RUnlock()
		if fb == nil {
			return
		}
		req.Command = "text"
		if msg.Voice != nil {
			req.Command = "voice"
		}
		r.dispatch(ctx, req, fb, 0)
		return
	}

	r.mu.RLock()
	cmd := r.cmds[name]
	r.mu.RUnlock()
	if cmd == nil {
		_ = req.Reply(ctx, "❓ Unknown command. Try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !req.Owner {
		_ = req.Reply(ctx, "⛔ This command is for the bot owner only.", nil)
		return
	}
	req.Command = cmd.Name
	req.Args = args
	req.Text = strings.Join(args, " ")
	r.dispatch(ctx, req, cmd.Handle, cmd.Timeout)
}

func (r *Router) routeCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	parsed, err := tgui.ParseCallback(cb.Data)
	if err != nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	r.mu.RLock()
	route, ok := r.callbacks[parsed.Scope+":"+parsed.Action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	owner := r.isOwner(cb.FromID)
	if !r.permitted(cb.FromID) || (route.Access == AccessOwnerOnly && !owner) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	req := &Request{
		Update:   up,
		Chat:     transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:   cb.FromID,
		Command:  "cb:" + parsed.Scope + ":" + parsed.Action,
		Callback: parsed,
		Owner:    owner,
		Adapter:  r.adapter,
	}
	h := route.Handle
	wrapped := func(c context.Context, req *Request) error {
		err := h(c, req)
		_ = r.adapter.AnswerCallback(c, cb.ID, "")
		return err
	}
	if !r.dispatchOr(ctx, req, wrapped, route.Timeout) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy, try again")
	}
}

func (r *Router) dispatch(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) {
	if !r.dispatchOr(ctx, req, h, timeout) {
		_ = req.Reply(ctx, "⏳ Busy, try again in a moment.", nil)
	}
}

func (r *Router) dispatchOr(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = r.timeout
	}
	req.ReqID = newReqID()
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)
	final := Chain(h, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(timeout))
	return r.enqueue(func() {
		if err := final(ctx, req); err != nil && ctx.Err() == nil {
			_ = req.Reply(ctx, "⚠️ Something went wrong, please try again.", nil)
		}
	})
}

// ParseCommand splits "/name@bot arg1 arg2" into its lowercased name and args.
func ParseCommand(text string) (name string, args []string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return "", nil, false
	}
	name = strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = normalizeName(name)
	if name == "" {
		return "", nil, false
	}
	return name, parts[1:], true
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
}
