package reminder

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"taskbot/internal/eventbus"
	"taskbot/internal/storage"
	"taskbot/pkg/logx"
)

var ErrStopped = errors.New("reminder engine stopped")

// reloadRetry is how soon a failed daily reload is attempted again.
const reloadRetry = time.Minute

// Notice is one reminder handed to the Deliverer.
type Notice struct {
	ReminderID int64
	TaskID     int64
	OwnerID    int64
	Kind       storage.Kind
	Title      string
	Text       string
	FireTime   time.Time
	Attempt    int
}

// Deliverer sends a notice to its owner. A nil error means delivery was confirmed.
type Deliverer interface {
	Deliver(ctx context.Context, n Notice) error
}

type DelivererFunc func(ctx context.Context, n Notice) error

func (f DelivererFunc) Deliver(ctx context.Context, n Notice) error { return f(ctx, n) }

// Composer builds the message text for e. An empty result falls back to Format.
type Composer func(ctx context.Context, e Entry) string

type Options struct {
	Store     storage.Store
	Deliverer Deliverer
	// Policy is read at construction and again on every Reload.
	Policy   func() Policy
	Composer Composer
	Log      logx.Logger
	Bus      eventbus.Bus
	// ReloadConfig re-reads the configuration source before the daily policy
	// reload. A failure keeps the previous config.
	ReloadConfig func(ctx context.Context) error
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine owns the horizon queue. Schedule, Load, Merge, Forget and the Run
// loop are the only mutators.
type Engine struct {
	store     storage.Store
	deliver   Deliverer
	policyFn  func() Policy
	composer  Composer
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time
	wake      chan struct{}
	pollerRef *Poller
	reloadCfg func(ctx context.Context) error

	mu           sync.Mutex
	queue        *Queue
	policy       Policy
	strategy     string
	loaded       bool
	lastReload   time.Time
	coveredUntil time.Time
	// inflight holds entries scheduled while a Load query runs; nil otherwise.
	inflight       map[int64]Entry
	lastCleanupDay string
	lastConfigDay  string
	lastCleanup    time.Time
	nextWake       time.Time
	running        bool
	stopped        bool

	dispatched atomic.Uint64
	failed     atomic.Uint64
	requeued   atomic.Uint64
	exhausted  atomic.Uint64
	cleaned    atomic.Uint64
}

func New(opts Options) *Engine {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy
	}
	e := &Engine{
		store:     opts.Store,
		deliver:   opts.Deliverer,
		policyFn:  opts.Policy,
		composer:  opts.Composer,
		log:       opts.Log,
		bus:       opts.Bus,
		now:       opts.Now,
		wake:      make(chan struct{}, 1),
		queue:     NewQueue(),
		reloadCfg: opts.ReloadConfig,
	}
	e.policy = e.loadPolicy()
	e.strategy = e.policy.Strategy
	e.pollerRef = &Poller{
		store:    e.store,
		deliver:  e.deliver,
		composer: e.composer,
		log:      e.log.With(logx.String("comp", "poller")),
		now:      e.now,
		timeout:  func() time.Duration { return e.currentPolicy().DeliveryTimeout },
		onSent:   func(n Notice) { e.dispatched.Add(1); e.publish(eventbus.ReminderDispatched, n) },
		onFail:   func(n Notice, err error) { e.failed.Add(1); e.publish(eventbus.ReminderFailed, n) },
	}
	return e
}

func (e *Engine) loadPolicy() Policy {
	p := e.policyFn()
	if p.Location == nil {
		p.Location = time.Local
	}
	if p.Lookahead <= 0 {
		p.Lookahead = 72 * time.Hour
	}
	if p.DeliveryTimeout <= 0 {
		p.DeliveryTimeout = 30 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Minute
	}
	return p
}

func (e *Engine) currentPolicy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// Strategy reports the dispatch strategy chosen at construction.
func (e *Engine) Strategy() string { return e.strategy }

func (e *Engine) polling() bool { return e.strategy == StrategyPolling }

// Schedule persists a reminder and, when it falls inside the horizon, adds it
// to the queue. The loop is woken when the reminder becomes the earliest entry.
func (e *Engine) Schedule(ctx context.Context, taskID, ownerID int64, fireTime time.Time, kind storage.Kind) (int64, error) {
	e.mu.Lock()
	stopped := e.stopped
	p := e.policy
	e.mu.Unlock()
	if stopped {
		return 0, ErrStopped
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("invalid reminder kind %q", kind)
	}

	id, err := e.store.SaveReminder(ctx, storage.Reminder{
		TaskID:    taskID,
		OwnerID:   ownerID,
		FireTime:  fireTime,
		Kind:      kind,
		CreatedAt: e.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("save reminder: %w", err)
	}
	e.publish(eventbus.ReminderScheduled, map[string]any{"id": id, "task_id": taskID, "kind": string(kind), "fire_time": fireTime})

	now := e.now()
	if e.polling() || fireTime.After(p.horizonEnd(now)) {
		e.log.Debug("reminder persisted outside horizon",
			logx.Int64("id", id), logx.Int64("task_id", taskID), logx.Time("fire_time", fireTime))
		return id, nil
	}

	title, ok, err := e.store.GetTaskTitle(ctx, taskID)
	if err != nil {
		e.log.Warn("task title lookup failed", logx.Int64("task_id", taskID), logx.Err(err))
	} else if !ok {
		e.log.Warn("reminder scheduled for unknown task", logx.Int64("task_id", taskID))
	}

	en := Entry{
		ID:       id,
		TaskID:   taskID,
		OwnerID:  ownerID,
		FireTime: fireTime,
		Kind:     kind,
		Title:    title,
	}
	e.mu.Lock()
	head := e.queue.Insert(en)
	if e.inflight != nil {
		e.inflight[id] = en
	}
	e.mu.Unlock()

	e.log.Debug("reminder queued",
		logx.Int64("id", id), logx.String("kind", string(kind)),
		logx.Time("fire_time", fireTime), logx.Bool("head", head))
	if head {
		e.signal()
	}
	return id, nil
}

// signal wakes the loop. The channel holds one pending signal, so a signal
// sent while the loop is not sleeping is consumed by its next sleep.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Load replaces the queue with unsent reminders in [start, end] and resets
// the daily reload clock. Reminders scheduled while the query runs are kept.
func (e *Engine) Load(ctx context.Context, start, end time.Time) (int, error) {
	e.mu.Lock()
	e.inflight = map[int64]Entry{}
	e.mu.Unlock()

	rows, err := e.store.QueryUnsentInWindow(ctx, start, end)
	if err != nil {
		e.mu.Lock()
		e.inflight = nil
		e.mu.Unlock()
		return 0, fmt.Errorf("load reminders: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, entryFromPending(r))
	}

	e.mu.Lock()
	e.queue.Load(entries)
	late := make([]Entry, 0, len(e.inflight))
	for _, en := range e.inflight {
		late = append(late, en)
	}
	// ids grow with each save, so this keeps schedule order for equal fire times
	slices.SortFunc(late, func(a, b Entry) int { return cmp.Compare(a.ID, b.ID) })
	for _, en := range late {
		e.queue.Insert(en)
	}
	e.inflight = nil
	e.loaded = true
	e.lastReload = e.now()
	e.coveredUntil = end
	n := e.queue.Len()
	head, hasHead := e.queue.PeekEarliest()
	e.mu.Unlock()

	fields := []logx.Field{logx.Int("count", n), logx.Time("from", start), logx.Time("to", end)}
	if hasHead {
		fields = append(fields, logx.Time("first", head))
	}
	e.log.Info("reminders loaded", fields...)
	e.signal()
	return n, nil
}

// Merge adds unsent reminders in [start, end] that are not already queued.
func (e *Engine) Merge(ctx context.Context, start, end time.Time) (int, error) {
	rows, err := e.store.QueryUnsentInWindow(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("merge reminders: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, entryFromPending(r))
	}

	e.mu.Lock()
	added := e.queue.Merge(entries)
	if end.After(e.coveredUntil) {
		e.coveredUntil = end
	}
	e.mu.Unlock()

	e.log.Debug("reminders merged",
		logx.Int("added", added), logx.Int("found", len(rows)),
		logx.Time("from", start), logx.Time("to", end))
	return added, nil
}

// Forget drops every queued entry of taskID. Their store rows are left alone.
func (e *Engine) Forget(taskID int64) int {
	e.mu.Lock()
	n := e.queue.RemoveTask(taskID)
	for id, en := range e.inflight {
		if en.TaskID == taskID {
			delete(e.inflight, id)
		}
	}
	e.mu.Unlock()
	if n > 0 {
		e.log.Debug("task reminders dropped from queue", logx.Int64("task_id", taskID), logx.Int("count", n))
	}
	return n
}

// Clear empties the queue, for use after the store was wiped.
func (e *Engine) Clear() int {
	e.mu.Lock()
	n := e.queue.remove(func(Entry) bool { return true })
	if e.inflight != nil {
		e.inflight = map[int64]Entry{}
	}
	e.mu.Unlock()
	e.signal()
	return n
}

// Reload re-reads the policy. Strategy changes take effect on restart.
func (e *Engine) Reload() {
	p := e.loadPolicy()
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	e.log.Info("reminder policy reloaded",
		logx.Duration("lookahead", p.Lookahead),
		logx.String("cleanup_at", p.CleanupAt.String()),
		logx.Duration("retention", p.Retention),
		logx.Int("retry_max", p.RetryMax),
	)
	e.signal()
}

// Stop makes further Schedule calls fail with ErrStopped and wakes the loop.
// The loop itself exits when its context is cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.signal()
}

// Run drives the engine until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("reminder engine already running")
	}
	e.running = true
	p := e.policy
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.markClocksPassed(e.now(), p)
	e.log.Info("service started", logx.String("strategy", e.strategy), logx.Duration("lookahead", p.Lookahead))
	defer e.log.Info("service stopped")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		now := e.now()
		e.maintain(ctx, now)
		if e.polling() {
			e.pollerRef.Tick(ctx, now)
		} else {
			e.drain(ctx, now)
		}

		wake := e.computeWake(e.now())
		if err := e.sleepUntil(ctx, wake); err != nil {
			return nil
		}
	}
}

func (e *Engine) sleepUntil(ctx context.Context, wake time.Time) error {
	d := wake.Sub(e.now())
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.wake:
		e.log.Trace("woken by schedule")
	case <-t.C:
	}
	return nil
}

// computeWake returns the earliest of the queue head, the next daily reload
// and the next cleanup and config-reload instants.
func (e *Engine) computeWake(now time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.policy
	local := now.In(p.Location)

	var wake time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}
	if e.polling() {
		consider(now.Add(p.PollInterval))
	} else {
		if head, ok := e.queue.PeekEarliest(); ok {
			consider(head)
		}
		if e.lastReload.IsZero() {
			consider(now)
		} else {
			consider(e.lastReload.Add(24 * time.Hour))
		}
	}
	consider(nextClock(p.CleanupAt.On(local), local, e.lastCleanupDay == dayKey(local)))
	consider(nextClock(p.ConfigReloadAt.On(local), local, e.lastConfigDay == dayKey(local)))
	if wake.IsZero() {
		wake = now.Add(time.Hour)
	}
	e.nextWake = wake
	return wake
}

// drain pops every due entry and dispatches it. A failure never blocks the
// remaining entries.
func (e *Engine) drain(ctx context.Context, now time.Time) {
	e.mu.Lock()
	due := e.queue.PopAllDue(now)
	p := e.policy
	e.mu.Unlock()
	if len(due) == 0 {
		return
	}
	e.log.Debug("draining due reminders", logx.Int("count", len(due)))
	for i, en := range due {
		if ctx.Err() != nil {
			e.requeueAll(due[i:])
			return
		}
		e.dispatch(ctx, en, p)
	}
}

func (e *Engine) requeueAll(entries []Entry) {
	e.mu.Lock()
	for _, en := range entries {
		e.queue.Insert(en)
	}
	e.mu.Unlock()
}

func (e *Engine) dispatch(ctx context.Context, en Entry, p Policy) {
	n, err := send(ctx, sendArgs{
		store:    e.store,
		deliver:  e.deliver,
		composer: e.composer,
		timeout:  p.DeliveryTimeout,
		log:      e.log,
	}, en)
	if err == nil {
		e.dispatched.Add(1)
		e.publish(eventbus.ReminderDispatched, n)
		return
	}

	e.failed.Add(1)
	en.Attempt++
	if en.Attempt > p.RetryMax {
		e.exhausted.Add(1)
		e.log.Error("reminder delivery failed; left unsent for the next reload",
			logx.Int64("id", en.ID), logx.Int64("owner", en.OwnerID),
			logx.Int("attempts", en.Attempt), logx.Err(err))
		e.publish(eventbus.ReminderFailed, n)
		return
	}

	delay := backoffDelay(p, en.Attempt)
	en.FireTime = e.now().Add(delay)
	e.mu.Lock()
	head := e.queue.Insert(en)
	e.mu.Unlock()
	e.requeued.Add(1)
	e.log.Warn("reminder delivery failed; requeued",
		logx.Int64("id", en.ID), logx.Int64("owner", en.OwnerID),
		logx.Int("attempt", en.Attempt), logx.Duration("retry_in", delay), logx.Err(err))
	e.publish(eventbus.ReminderRequeued, n)
	if head {
		e.signal()
	}
}

// backoffDelay is exponential in attempt with ±20% jitter, capped at RetryMaxDelay.
func backoffDelay(p Policy, attempt int) time.Duration {
	base := p.RetryBase
	if base <= 0 {
		base = 30 * time.Second
	}
	maxD := p.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	r := (rand.Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + r))
	if d > maxD {
		d = maxD
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

// Snapshot is a point-in-time view for status reports.
type Snapshot struct {
	Strategy     string
	Running      bool
	QueueLen     int
	Head         time.Time
	NextWake     time.Time
	LastReload   time.Time
	CoveredUntil time.Time
	LastCleanup  time.Time
	Lookahead    time.Duration
	Dispatched   uint64
	Failed       uint64
	Requeued     uint64
	Exhausted    uint64
	Cleaned      uint64
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	head, _ := e.queue.PeekEarliest()
	s := Snapshot{
		Strategy:     e.strategy,
		Running:      e.running,
		QueueLen:     e.queue.Len(),
		Head:         head,
		NextWake:     e.nextWake,
		LastReload:   e.lastReload,
		CoveredUntil: e.coveredUntil,
		LastCleanup:  e.lastCleanup,
		Lookahead:    e.policy.Lookahead,
	}
	e.mu.Unlock()
	s.Dispatched = e.dispatched.Load()
	s.Failed = e.failed.Load()
	s.Requeued = e.requeued.Load()
	s.Exhausted = e.exhausted.Load()
	s.Cleaned = e.cleaned.Load()
	return s
}

// Entries returns a copy of the horizon queue.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Entries()
}
