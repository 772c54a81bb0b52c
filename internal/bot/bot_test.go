package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taskbot/internal/llm"
	"taskbot/internal/reminder"
	"taskbot/internal/storage"
	"taskbot/internal/tasks"
	"taskbot/internal/transport"
	"taskbot/internal/transport/router"
	"taskbot/pkg/logx"
	"taskbot/pkg/tgui"
)

const owner = int64(100)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type out struct {
	text string
	kb   transport.Keyboard
	edit bool
}

type fakeAdapter struct {
	mu   sync.Mutex
	msgs []out
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }

func (f *fakeAdapter) record(text string, opt *transport.SendOptions, edit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := out{text: text, edit: edit}
	if opt != nil {
		o.kb = opt.Keyboard
	}
	f.msgs = append(f.msgs, o)
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.record(text, opt, false)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.record(text, opt, true)
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) all() []out {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]out(nil), f.msgs...)
}

type voiceAdapter struct {
	fakeAdapter
	audio []byte
}

func (v *voiceAdapter) DownloadVoice(context.Context, transport.Voice) ([]byte, error) {
	return v.audio, nil
}

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(_ context.Context, _ string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("empty audio")
	}
	return f.text, nil
}

// remindAtOne extracts every text as an undated task with a 13:00 reminder.
type remindAtOne struct{}

func (remindAtOne) Extract(_ context.Context, text string, _ time.Time) (llm.Extraction, error) {
	return llm.Extraction{Title: text, Priority: storage.PriorityMedium, ReminderNeeded: true, ReminderTime: "13:00"}, nil
}

func (remindAtOne) ConditionQuestion(context.Context, string, []string) (string, error) {
	return "", nil
}

type env struct {
	ad     transport.Adapter
	fake   *fakeAdapter
	store  storage.Store
	engine *reminder.Engine
	ch     chan transport.Update
}

func newEnv(t *testing.T, ad transport.Adapter, fake *fakeAdapter, voice VoiceConfig) *env {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	now := func() time.Time { return t0 }

	eng := reminder.New(reminder.Options{
		Store: st,
		Policy: func() reminder.Policy {
			p := reminder.DefaultPolicy()
			p.Location = time.UTC
			return p
		},
		Log: logx.Nop(),
		Now: now,
	})
	dp := reminder.DerivePolicyFromConfig(nil)
	dp.Location = time.UTC
	svc := tasks.New(tasks.Options{
		Store:     st,
		Extractor: remindAtOne{},
		Scheduler: eng,
		Policy:    func() reminder.DerivePolicy { return dp },
		Log:       logx.Nop(),
		Now:       now,
	})
	b := New(Options{
		Tasks:       svc,
		Store:       st,
		Engine:      eng,
		Transcriber: fakeTranscriber{text: "call the plumber"},
		Voice:       voice,
		Log:         logx.Nop(),
	})
	r := router.New(router.Options{Adapter: ad, Owners: []int64{owner}, Log: logx.Nop()})
	b.Register(r)

	ch := make(chan transport.Update, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, ch)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &env{ad: ad, fake: fake, store: st, engine: eng, ch: ch}
}

func newTextEnv(t *testing.T) *env {
	fake := &fakeAdapter{}
	return newEnv(t, fake, fake, VoiceConfig{})
}

// send pushes one update and waits for the n-th outgoing message.
func (e *env) send(t *testing.T, up transport.Update) out {
	t.Helper()
	before := len(e.fake.all())
	e.ch <- up
	deadline := time.Now().Add(2 * time.Second)
	for {
		if msgs := e.fake.all(); len(msgs) > before {
			return msgs[len(msgs)-1]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func text(from int64, s string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: from, FromID: from, Text: s}}
}

func press(from int64, data string) transport.Update {
	return transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "cb", ChatID: from, FromID: from, MessageID: 9, Data: data}}
}

func TestFreeTextCreatesTaskAndQueuesReminder(t *testing.T) {
	t.Parallel()
	e := newTextEnv(t)
	got := e.send(t, text(owner, "renew passport"))
	if !strings.Contains(got.text, "Task #1 saved") || !strings.Contains(got.text, "1 reminder scheduled") {
		t.Fatalf("reply=%q", got.text)
	}
	if len(got.kb) == 0 || got.kb[0][0].Data != tgui.Data("task", "done", "1") {
		t.Fatalf("keyboard=%+v", got.kb)
	}
	entries := e.engine.Entries()
	if len(entries) != 1 || !entries[0].FireTime.Equal(time.Date(2026, 10, 15, 13, 0, 0, 0, time.UTC)) || entries[0].Title != "renew passport" {
		t.Fatalf("entries=%+v", entries)
	}

	done := e.send(t, press(owner, tgui.Data("task", "done", "1")))
	if !done.edit || !strings.Contains(done.text, "Task #1 done") {
		t.Fatalf("done reply=%+v", done)
	}
	if n := len(e.engine.Entries()); n != 0 {
		t.Fatalf("queue still has %d entries", n)
	}
}

func TestCommandsOnTasks(t *testing.T) {
	t.Parallel()
	e := newTextEnv(t)
	e.send(t, text(owner, "water plants"))

	if r := e.send(t, text(owner, "/snooze 1 30")); !strings.Contains(r.text, "remind you at 12:30 15.10") {
		t.Fatalf("snooze=%q", r.text)
	}
	if r := e.send(t, text(owner, "/snooze 1 0")); !strings.Contains(r.text, "between 1 minute and 7 days") {
		t.Fatalf("bad snooze=%q", r.text)
	}
	if r := e.send(t, text(owner+1, "/done 1")); !strings.Contains(r.text, "not found") {
		t.Fatalf("foreign done=%q", r.text)
	}
	if r := e.send(t, text(owner, "/done")); !strings.Contains(r.text, "Usage") {
		t.Fatalf("usage=%q", r.text)
	}
	if r := e.send(t, text(owner, "/all")); !strings.Contains(r.text, "#1 water plants") {
		t.Fatalf("all=%q", r.text)
	}
	if r := e.send(t, text(owner, "/today")); !strings.Contains(r.text, "nothing here") {
		t.Fatalf("today=%q", r.text)
	}
	if r := e.send(t, text(owner, "/myid")); !strings.Contains(r.text, "100") {
		t.Fatalf("myid=%q", r.text)
	}
}

func TestDeleteConfirmFlow(t *testing.T) {
	t.Parallel()
	e := newTextEnv(t)
	e.send(t, text(owner, "old task"))

	ask := e.send(t, press(owner, tgui.Data("task", "delete", "1")))
	if !strings.Contains(ask.text, "Delete") || len(ask.kb) == 0 {
		t.Fatalf("ask=%+v", ask)
	}
	if ask.kb[0][0].Data != tgui.Data("task", "confirm_delete", "1") {
		t.Fatalf("confirm button=%+v", ask.kb[0][0])
	}
	gone := e.send(t, press(owner, ask.kb[0][0].Data))
	if !strings.Contains(gone.text, "deleted") {
		t.Fatalf("gone=%q", gone.text)
	}
	if _, err := e.store.GetTask(context.Background(), 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("task still stored: %v", err)
	}
}

func TestOwnerCommands(t *testing.T) {
	t.Parallel()
	e := newTextEnv(t)
	e.send(t, text(owner, "something"))

	if r := e.send(t, text(owner+1, "/status")); !strings.Contains(r.text, "owner only") {
		t.Fatalf("non-owner status=%q", r.text)
	}
	if r := e.send(t, text(owner, "/status")); !strings.Contains(r.text, "Scheduler") || !strings.Contains(r.text, "Queued") {
		t.Fatalf("status=%q", r.text)
	}
	if r := e.send(t, text(owner, "/reset")); !strings.Contains(r.text, "/reset confirm") {
		t.Fatalf("reset prompt=%q", r.text)
	}
	if r := e.send(t, text(owner, "/reset confirm")); !strings.Contains(r.text, "All data deleted") {
		t.Fatalf("reset=%q", r.text)
	}
	st, _ := e.store.Stats(context.Background())
	if st.Tasks != 0 || len(e.engine.Entries()) != 0 {
		t.Fatalf("stats=%+v entries=%d", st, len(e.engine.Entries()))
	}
}

func TestVoiceDisabled(t *testing.T) {
	t.Parallel()
	e := newTextEnv(t)
	up := text(owner, "")
	up.Message.Voice = &transport.Voice{FileID: "f", Duration: 3}
	if r := e.send(t, up); !strings.Contains(r.text, "not enabled") {
		t.Fatalf("reply=%q", r.text)
	}
}

func TestVoiceCreatesTask(t *testing.T) {
	t.Parallel()
	va := &voiceAdapter{audio: []byte("ogg")}
	e := newEnv(t, va, &va.fakeAdapter, VoiceConfig{Enabled: true, MaxDuration: time.Minute})

	long := text(owner, "")
	long.Message.Voice = &transport.Voice{FileID: "f", Duration: 120}
	if r := e.send(t, long); !strings.Contains(r.text, "too long") {
		t.Fatalf("long=%q", r.text)
	}

	up := text(owner, "")
	up.Message.Voice = &transport.Voice{FileID: "f", Duration: 5}
	e.ch <- up
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := va.all()
		if n := len(msgs); n >= 3 {
			if !strings.Contains(msgs[n-2].text, "call the plumber") || !strings.Contains(msgs[n-1].text, "🎤") || !strings.Contains(msgs[n-1].text, "saved") {
				t.Fatalf("msgs=%+v", msgs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no task reply: %+v", va.all())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReminderDelivery(t *testing.T) {
	t.Parallel()
	d := ReminderDelivery(reminder.Notice{ReminderID: 3, TaskID: 8, OwnerID: 55, Text: "<b>x</b>"})
	if d.Target.ChatID != 55 || d.ReminderID != 3 || d.Options.ParseMode != "HTML" {
		t.Fatalf("delivery=%+v", d)
	}
	cb, err := tgui.ParseCallback(d.Options.Keyboard[0][0].Data)
	if err != nil || cb.Action != "done" || cb.Args[0] != "8" {
		t.Fatalf("cb=%+v err=%v", cb, err)
	}
}
