package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taskbot/internal/config"
	"taskbot/internal/storage"
	"taskbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
	fail    int // fail this many deliveries first
	ch      chan Notice
}

func (r *recorder) Deliver(ctx context.Context, n Notice) error {
	r.mu.Lock()
	if r.fail > 0 {
		r.fail--
		r.mu.Unlock()
		return errors.New("recipient unreachable")
	}
	r.notices = append(r.notices, n)
	ch := r.ch
	r.mu.Unlock()
	if ch != nil {
		ch <- n
	}
	return nil
}

func (r *recorder) sent() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func testPolicy() Policy {
	return Policy{
		Strategy:        StrategyEvent,
		Lookahead:       72 * time.Hour,
		ReloadStart:     48 * time.Hour,
		ReloadEnd:       72 * time.Hour,
		CatchUp:         7 * 24 * time.Hour,
		CleanupAt:       config.Clock{Hour: 23, Minute: 55},
		ConfigReloadAt:  config.Clock{Hour: 3},
		Retention:       7 * 24 * time.Hour,
		PollInterval:    time.Minute,
		DeliveryTimeout: time.Second,
		RetryMax:        2,
		RetryBase:       time.Minute,
		RetryMaxDelay:   10 * time.Minute,
		Location:        time.UTC,
	}
}

type harness struct {
	eng   *Engine
	store storage.Store
	clock *fakeClock
	rec   *recorder
	task  int64
}

func newHarness(t *testing.T, mutate func(*Policy)) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	task := &storage.Task{OwnerID: 42, Title: "Submit report"}
	if _, err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	p := testPolicy()
	if mutate != nil {
		mutate(&p)
	}
	clock := &fakeClock{t: t0}
	rec := &recorder{}
	eng := New(Options{
		Store:     st,
		Deliverer: rec,
		Policy:    func() Policy { return p },
		Now:       clock.Now,
	})
	return &harness{eng: eng, store: st, clock: clock, rec: rec, task: task.ID}
}

func (h *harness) save(t *testing.T, fire time.Time, kind storage.Kind) int64 {
	t.Helper()
	id, err := h.store.SaveReminder(context.Background(), storage.Reminder{TaskID: h.task, OwnerID: 42, FireTime: fire, Kind: kind})
	if err != nil {
		t.Fatalf("SaveReminder: %v", err)
	}
	return id
}

func ids(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestEngine_LoadKeepsOnlyWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	r10 := h.save(t, at(10*time.Hour), storage.KindDeadline)
	r50 := h.save(t, at(50*time.Hour), storage.KindDeadline)
	h.save(t, at(100*time.Hour), storage.KindDeadline)

	n, err := h.eng.Load(ctx, t0, t0.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := ids(h.eng.Entries())
	if n != 2 || len(got) != 2 || got[0] != r10 || got[1] != r50 {
		t.Fatalf("queue=%v n=%d, want [%d %d]", got, n, r10, r50)
	}
	if e := h.eng.Entries()[0]; e.Title != "Submit report" || e.OwnerID != 42 {
		t.Fatalf("entry projection: %+v", e)
	}
}

func TestEngine_MergeAddsOnlyNewEntries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	r10 := h.save(t, at(10*time.Hour), storage.KindDeadline)
	if _, err := h.eng.Load(ctx, t0, t0.Add(24*time.Hour)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	h.save(t, at(49*time.Hour), storage.KindDeadline)
	h.save(t, at(71*time.Hour), storage.KindMorning)
	h.save(t, at(80*time.Hour), storage.KindDeadline)

	before := len(h.eng.Entries())
	added, err := h.eng.Merge(ctx, t0.Add(48*time.Hour), t0.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	entries := h.eng.Entries()
	if added != 2 || len(entries) != before+2 {
		t.Fatalf("added=%d len=%d before=%d", added, len(entries), before)
	}
	if entries[0].ID != r10 {
		t.Fatalf("head=%d, want %d", entries[0].ID, r10)
	}
	if again, _ := h.eng.Merge(ctx, t0.Add(48*time.Hour), t0.Add(72*time.Hour)); again != 0 {
		t.Fatalf("second merge added %d", again)
	}
}

func TestEngine_ScheduleInsideAndBeyondHorizon(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	inside, err := h.eng.Schedule(ctx, h.task, 42, at(72*time.Hour), storage.KindDeadline)
	if err != nil {
		t.Fatalf("Schedule inside: %v", err)
	}
	beyond, err := h.eng.Schedule(ctx, h.task, 42, at(73*time.Hour), storage.KindDeadline)
	if err != nil {
		t.Fatalf("Schedule beyond: %v", err)
	}
	got := ids(h.eng.Entries())
	if len(got) != 1 || got[0] != inside {
		t.Fatalf("queue=%v, want only %d", got, inside)
	}
	if _, err := h.store.GetReminder(ctx, beyond); err != nil {
		t.Fatalf("beyond-horizon reminder not persisted: %v", err)
	}

	// a reload loading the same window must not duplicate the scheduled entry
	if _, err := h.eng.Merge(ctx, t0, t0.Add(72*time.Hour)); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := ids(h.eng.Entries()); len(got) != 1 {
		t.Fatalf("duplicate after merge: %v", got)
	}
}

func TestEngine_ScheduleRejectsBadKindAndStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.eng.Schedule(ctx, h.task, 42, at(time.Hour), storage.Kind("weekly")); err == nil {
		t.Fatalf("expected invalid kind error")
	}
	h.eng.Stop()
	if _, err := h.eng.Schedule(ctx, h.task, 42, at(time.Hour), storage.KindDeadline); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestEngine_ScheduleSignalsOnlyForNewHead(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	drain := func() bool {
		select {
		case <-h.eng.wake:
			return true
		default:
			return false
		}
	}
	if _, err := h.eng.Schedule(ctx, h.task, 42, at(5*time.Hour), storage.KindDeadline); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !drain() {
		t.Fatalf("first entry must signal")
	}
	if _, err := h.eng.Schedule(ctx, h.task, 42, at(6*time.Hour), storage.KindDeadline); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if drain() {
		t.Fatalf("later entry must not signal")
	}
	if _, err := h.eng.Schedule(ctx, h.task, 42, at(2*time.Hour), storage.KindDeadline); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !drain() {
		t.Fatalf("new earliest entry must signal")
	}
}

func TestEngine_DrainMarksSentOnSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	past := h.save(t, t0.Add(-2*time.Hour), storage.KindDeadline)
	due := h.save(t, t0, storage.KindMorning)
	later := h.save(t, at(time.Hour), storage.KindDeadline)
	if _, err := h.eng.Load(ctx, t0.Add(-24*time.Hour), t0.Add(72*time.Hour)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	h.eng.drain(ctx, t0)

	sent := h.rec.sent()
	if len(sent) != 2 || sent[0].ReminderID != past || sent[1].ReminderID != due {
		t.Fatalf("sent=%+v", sent)
	}
	if !strings.Contains(sent[0].Text, "Submit report") {
		t.Fatalf("text=%q", sent[0].Text)
	}
	for _, id := range []int64{past, due} {
		r, _ := h.store.GetReminder(ctx, id)
		if !r.Sent {
			t.Fatalf("reminder %d not marked sent", id)
		}
	}
	if got := ids(h.eng.Entries()); len(got) != 1 || got[0] != later {
		t.Fatalf("queue=%v", got)
	}
	if s := h.eng.Snapshot(); s.Dispatched != 2 {
		t.Fatalf("snapshot=%+v", s)
	}
}

func TestEngine_FailedDeliveryIsRequeuedThenLeftUnsent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rec.fail = 100
	id := h.save(t, t0, storage.KindDeadline)
	if _, err := h.eng.Load(ctx, t0, t0.Add(72*time.Hour)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	now := t0
	for attempt := 1; attempt <= 2; attempt++ {
		h.eng.drain(ctx, now)
		entries := h.eng.Entries()
		if len(entries) != 1 || entries[0].ID != id || entries[0].Attempt != attempt {
			t.Fatalf("attempt %d: queue=%+v", attempt, entries)
		}
		if !entries[0].FireTime.After(now) {
			t.Fatalf("retry not delayed: %v", entries[0].FireTime)
		}
		now = entries[0].FireTime
		h.clock.Set(now)
	}

	h.eng.drain(ctx, now)
	if got := h.eng.Entries(); len(got) != 0 {
		t.Fatalf("exhausted entry still queued: %+v", got)
	}
	r, err := h.store.GetReminder(ctx, id)
	if err != nil || r.Sent {
		t.Fatalf("failed reminder must stay unsent: %+v err=%v", r, err)
	}
	s := h.eng.Snapshot()
	if s.Failed != 3 || s.Requeued != 2 || s.Exhausted != 1 {
		t.Fatalf("snapshot=%+v", s)
	}

	// the next daily reload picks the backlog up again
	h.rec.mu.Lock()
	h.rec.fail = 0
	h.rec.mu.Unlock()
	next := t0.Add(24 * time.Hour)
	h.clock.Set(next)
	h.eng.maintain(ctx, next)
	h.eng.drain(ctx, next)
	if sent := h.rec.sent(); len(sent) != 1 || sent[0].ReminderID != id {
		t.Fatalf("backlog not redelivered: %+v", sent)
	}
}

func TestEngine_DeliveryTimeoutDoesNotStallDrain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(p *Policy) { p.DeliveryTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	var mu sync.Mutex
	var delivered []int64
	h.eng.deliver = DelivererFunc(func(ctx context.Context, n Notice) error {
		if n.Kind == storage.KindDeadline {
			<-ctx.Done()
			return ctx.Err()
		}
		mu.Lock()
		delivered = append(delivered, n.ReminderID)
		mu.Unlock()
		return nil
	})
	h.save(t, t0, storage.KindDeadline)
	ok := h.save(t, t0, storage.KindMorning)
	if _, err := h.eng.Load(ctx, t0, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	start := time.Now()
	h.eng.drain(ctx, t0)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("drain blocked for %v", time.Since(start))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != ok {
		t.Fatalf("delivered=%v", delivered)
	}
}

func TestEngine_ComposerOverridesText(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.eng.composer = func(_ context.Context, e Entry) string {
		if e.Kind == storage.KindConditionCheck {
			return "Is it sunny yet?"
		}
		return ""
	}
	h.save(t, t0, storage.KindConditionCheck)
	h.save(t, t0, storage.KindDeadline)
	if _, err := h.eng.Load(ctx, t0, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	h.eng.drain(ctx, t0)
	sent := h.rec.sent()
	if len(sent) != 2 || sent[0].Text != "Is it sunny yet?" || !strings.Contains(sent[1].Text, "🚨") {
		t.Fatalf("sent=%+v", sent)
	}
}

func TestEngine_Forget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, d := range []time.Duration{time.Hour, 2 * time.Hour} {
		if _, err := h.eng.Schedule(ctx, h.task, 42, at(d), storage.KindDeadline); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if n := h.eng.Forget(h.task); n != 2 {
		t.Fatalf("forgot %d", n)
	}
	if len(h.eng.Entries()) != 0 {
		t.Fatalf("queue not empty")
	}
}

func TestEngine_Clear(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if _, err := h.eng.Schedule(context.Background(), h.task, 42, at(time.Hour), storage.KindSnoozed); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if n := h.eng.Clear(); n != 1 || len(h.eng.Entries()) != 0 {
		t.Fatalf("cleared %d, left %d", n, len(h.eng.Entries()))
	}
}

func TestEngine_ComputeWake(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name  string
		now   time.Time
		head  time.Duration // 0 = empty queue
		want  time.Time
		setup func(e *Engine)
	}{
		{
			name: "cleanup clock before reload",
			now:  t0,
			want: time.Date(2026, 10, 15, 23, 55, 0, 0, time.UTC),
		},
		{
			name: "queue head first",
			now:  t0,
			head: time.Hour,
			want: at(time.Hour),
		},
		{
			name: "config reload after cleanup ran",
			now:  time.Date(2026, 10, 15, 23, 56, 0, 0, time.UTC),
			want: time.Date(2026, 10, 16, 3, 0, 0, 0, time.UTC),
			setup: func(e *Engine) {
				e.lastCleanupDay = "2026-10-15"
				e.lastConfigDay = "2026-10-15"
			},
		},
		{
			name: "daily reload",
			now:  time.Date(2026, 10, 15, 4, 0, 0, 0, time.UTC),
			want: time.Date(2026, 10, 15, 4, 0, 0, 0, time.UTC).Add(24 * time.Hour),
			setup: func(e *Engine) {
				e.policy.CleanupAt = config.Clock{Hour: 5}
				e.policy.ConfigReloadAt = config.Clock{Hour: 6}
				e.lastCleanupDay = "2026-10-15"
				e.lastConfigDay = "2026-10-15"
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.clock.Set(tc.now)
			if tc.head > 0 {
				h.save(t, tc.now.Add(tc.head), storage.KindDeadline)
			}
			if _, err := h.eng.Load(ctx, tc.now, tc.now.Add(72*time.Hour)); err != nil {
				t.Fatalf("Load: %v", err)
			}
			h.eng.markClocksPassed(tc.now, h.eng.policy)
			if tc.setup != nil {
				tc.setup(h.eng)
			}
			if got := h.eng.computeWake(tc.now); !got.Equal(tc.want) {
				t.Fatalf("wake=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestEngine_CleanupRunsOncePerDayAtClock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	cleanupAt := time.Date(2026, 10, 15, 23, 55, 0, 0, time.UTC)
	old := h.save(t, cleanupAt.Add(-8*24*time.Hour), storage.KindDeadline)
	kept := h.save(t, cleanupAt.Add(-7*24*time.Hour), storage.KindDeadline)
	for _, id := range []int64{old, kept} {
		if err := h.store.MarkSent(ctx, id); err != nil {
			t.Fatalf("MarkSent: %v", err)
		}
	}
	h.eng.markClocksPassed(t0, h.eng.policy)

	h.clock.Set(cleanupAt.Add(-time.Minute))
	h.eng.maintain(ctx, cleanupAt.Add(-time.Minute))
	if _, err := h.store.GetReminder(ctx, old); err != nil {
		t.Fatalf("cleanup ran before its clock")
	}

	h.clock.Set(cleanupAt)
	h.eng.maintain(ctx, cleanupAt)
	if _, err := h.store.GetReminder(ctx, old); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old sent reminder survived cleanup: %v", err)
	}
	if _, err := h.store.GetReminder(ctx, kept); err != nil {
		t.Fatalf("reminder at the retention boundary was deleted: %v", err)
	}
	if s := h.eng.Snapshot(); s.Cleaned != 1 || !s.LastCleanup.Equal(cleanupAt) {
		t.Fatalf("snapshot=%+v", s)
	}

	// second pass the same day is a no-op
	again := h.save(t, cleanupAt.Add(-9*24*time.Hour), storage.KindDeadline)
	_ = h.store.MarkSent(ctx, again)
	h.eng.maintain(ctx, cleanupAt.Add(time.Minute))
	if _, err := h.store.GetReminder(ctx, again); err != nil {
		t.Fatalf("cleanup ran twice in one day")
	}
}

func TestEngine_ConfigReloadAtClock(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file"}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var mu sync.Mutex
	calls := 0
	eng := New(Options{
		Store:     st,
		Deliverer: &recorder{},
		Policy: func() Policy {
			mu.Lock()
			defer mu.Unlock()
			calls++
			p := testPolicy()
			p.RetryMax = calls
			return p
		},
	})
	start := time.Date(2026, 10, 15, 1, 0, 0, 0, time.UTC)
	eng.markClocksPassed(start, eng.currentPolicy())
	eng.maintain(context.Background(), time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC))
	if got := eng.currentPolicy().RetryMax; got != 2 {
		t.Fatalf("policy not reloaded, retry_max=%d", got)
	}
	eng.maintain(context.Background(), time.Date(2026, 10, 15, 3, 1, 0, 0, time.UTC))
	if got := eng.currentPolicy().RetryMax; got != 2 {
		t.Fatalf("policy reloaded twice, retry_max=%d", got)
	}
}

func TestEngine_InitialLoadDispatchesPastDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	missed := h.save(t, t0.Add(-3*time.Hour), storage.KindDeadline)
	h.eng.maintain(ctx, t0)
	h.eng.drain(ctx, t0)
	if sent := h.rec.sent(); len(sent) != 1 || sent[0].ReminderID != missed {
		t.Fatalf("sent=%+v", sent)
	}
	if s := h.eng.Snapshot(); !s.LastReload.Equal(t0) || !s.CoveredUntil.Equal(t0.Add(72*time.Hour)) {
		t.Fatalf("snapshot=%+v", s)
	}
}

type failingWindowStore struct {
	storage.Store
}

func (failingWindowStore) QueryUnsentInWindow(context.Context, time.Time, time.Time) ([]storage.PendingReminder, error) {
	return nil, errors.New("disk on fire")
}

// flakyWindowStore fails the first n window queries.
type flakyWindowStore struct {
	storage.Store
	mu   sync.Mutex
	fail int
}

func (s *flakyWindowStore) QueryUnsentInWindow(ctx context.Context, start, end time.Time) ([]storage.PendingReminder, error) {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return nil, errors.New("disk on fire")
	}
	s.mu.Unlock()
	return s.Store.QueryUnsentInWindow(ctx, start, end)
}

func TestEngine_ReloadFailureRetriesSoon(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.eng.store = failingWindowStore{Store: h.store}
	h.eng.maintain(context.Background(), t0)
	if s := h.eng.Snapshot(); !s.LastReload.Equal(t0.Add(-24*time.Hour + reloadRetry)) {
		t.Fatalf("lastReload=%v", s.LastReload)
	}
	if wake := h.eng.computeWake(t0); !wake.Equal(t0.Add(reloadRetry)) {
		t.Fatalf("wake=%v", wake)
	}
}

func TestEngine_FailedInitialLoadRetriesFullWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	missed := h.save(t, at(-3*time.Hour), storage.KindDeadline)
	soon := h.save(t, at(10*time.Hour), storage.KindDeadline)
	late := h.save(t, at(60*time.Hour), storage.KindDeadline)
	h.save(t, at(100*time.Hour), storage.KindDeadline)
	h.eng.store = &flakyWindowStore{Store: h.store, fail: 1}

	h.eng.maintain(ctx, t0)
	if got := h.eng.Entries(); len(got) != 0 {
		t.Fatalf("queue after failed load=%v", ids(got))
	}

	// too early for the retry
	h.eng.maintain(ctx, t0.Add(reloadRetry/2))
	if got := h.eng.Entries(); len(got) != 0 {
		t.Fatalf("retried before the retry delay: %v", ids(got))
	}

	retry := t0.Add(reloadRetry)
	h.eng.maintain(ctx, retry)
	got := ids(h.eng.Entries())
	want := []int64{missed, soon, late}
	if len(got) != len(want) {
		t.Fatalf("queue after retry=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue after retry=%v want %v", got, want)
		}
	}
	if s := h.eng.Snapshot(); !s.CoveredUntil.Equal(retry.Add(72 * time.Hour)) {
		t.Fatalf("coveredUntil=%v", s.CoveredUntil)
	}
}

// gatedWindowStore parks the first window query after it has read its rows
// until release is closed.
type gatedWindowStore struct {
	storage.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedWindowStore) QueryUnsentInWindow(ctx context.Context, start, end time.Time) ([]storage.PendingReminder, error) {
	rows, err := s.Store.QueryUnsentInWindow(ctx, start, end)
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return rows, err
}

func TestEngine_ScheduleDuringLoadIsKept(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	existing := h.save(t, at(5*time.Hour), storage.KindDeadline)
	gate := &gatedWindowStore{Store: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	h.eng.store = gate

	done := make(chan error, 1)
	go func() {
		_, err := h.eng.Load(ctx, t0.Add(-24*time.Hour), t0.Add(72*time.Hour))
		done <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("load never queried the store")
	}

	added, err := h.eng.Schedule(ctx, h.task, 42, at(2*time.Hour), storage.KindSnoozed)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := ids(h.eng.Entries())
	if len(got) != 2 || got[0] != added || got[1] != existing {
		t.Fatalf("queue=%v want [%d %d]", got, added, existing)
	}
}

func TestEngine_ForgetDuringLoadStaysForgotten(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	gate := &gatedWindowStore{Store: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	h.eng.store = gate

	done := make(chan error, 1)
	go func() {
		_, err := h.eng.Load(ctx, t0, t0.Add(72*time.Hour))
		done <- err
	}()
	<-gate.entered
	if _, err := h.eng.Schedule(ctx, h.task, 42, at(2*time.Hour), storage.KindSnoozed); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	h.eng.Forget(h.task)
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := h.eng.Entries(); len(got) != 0 {
		t.Fatalf("forgotten reminder came back: %v", ids(got))
	}
}

func TestEngine_ConfigReloadRereadsSource(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file"}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var mu sync.Mutex
	source := 2 // retry_max as stored in the config source
	cached := source
	rereads := 0
	fail := false
	eng := New(Options{
		Store:     st,
		Deliverer: &recorder{},
		Policy: func() Policy {
			mu.Lock()
			defer mu.Unlock()
			p := testPolicy()
			p.RetryMax = cached
			return p
		},
		ReloadConfig: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			rereads++
			if fail {
				return errors.New("config unreadable")
			}
			cached = source
			return nil
		},
	})

	start := time.Date(2026, 10, 15, 1, 0, 0, 0, time.UTC)
	eng.markClocksPassed(start, eng.currentPolicy())
	mu.Lock()
	source = 5
	mu.Unlock()

	eng.maintain(context.Background(), time.Date(2026, 10, 15, 2, 59, 0, 0, time.UTC))
	if got := eng.currentPolicy().RetryMax; got != 2 {
		t.Fatalf("reloaded before the clock, retry_max=%d", got)
	}
	eng.maintain(context.Background(), time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC))
	if got := eng.currentPolicy().RetryMax; got != 5 {
		t.Fatalf("edit not picked up, retry_max=%d", got)
	}

	mu.Lock()
	source = 9
	fail = true
	mu.Unlock()
	eng.maintain(context.Background(), time.Date(2026, 10, 16, 3, 0, 0, 0, time.UTC))
	if got := eng.currentPolicy().RetryMax; got != 5 {
		t.Fatalf("failed re-read replaced policy, retry_max=%d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if rereads != 2 {
		t.Fatalf("rereads=%d want 2", rereads)
	}
}

func TestEngine_RunWakesForNewEarliestReminder(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file"}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	task := &storage.Task{OwnerID: 1, Title: "Stretch"}
	if _, err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	rec := &recorder{ch: make(chan Notice, 1)}
	eng := New(Options{Store: st, Deliverer: rec, Policy: func() Policy {
		p := testPolicy()
		p.Location = time.Local
		return p
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the loop time to load and go to sleep for hours
	time.Sleep(50 * time.Millisecond)
	if _, err := eng.Schedule(context.Background(), task.ID, 1, time.Now().Add(100*time.Millisecond), storage.KindSnoozed); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case n := <-rec.ch:
		if n.Kind != storage.KindSnoozed || n.OwnerID != 1 {
			t.Fatalf("notice=%+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduled reminder was not delivered")
	}
}
