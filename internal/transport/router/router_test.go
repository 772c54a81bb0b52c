package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taskbot/internal/transport"
	"taskbot/pkg/logx"
	"taskbot/pkg/tgui"
)

type sent struct {
	chat int64
	text string
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sent
	answered []string
	menu     []transport.BotCommand
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to.ChatID, text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	_, err := f.SendText(ctx, transport.ChatTarget{ChatID: ref.ChatID}, text, opt)
	return err
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startRouter(t *testing.T, opts Options) (*Router, *fakeAdapter, chan transport.Update) {
	t.Helper()
	ad := &fakeAdapter{}
	opts.Adapter = ad
	opts.Log = logx.Nop()
	r := New(opts)
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
	return r, ad, ch
}

func msg(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: from, FromID: from, Text: text}}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/Today", "today", nil, true},
		{"/snooze@task_bot 12 30", "snooze", []string{"12", "30"}, true},
		{`/category "home office"`, "category", []string{"home office"}, true},
		{"buy milk", "", nil, false},
		{"/", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := ParseCommand(tc.in)
		if name != tc.name || ok != tc.ok || strings.Join(args, "|") != strings.Join(tc.args, "|") {
			t.Fatalf("ParseCommand(%q)=%q %q %v", tc.in, name, args, ok)
		}
	}
}

func TestRouteCommandAliasAndFallback(t *testing.T) {
	t.Parallel()
	r, ad, ch := startRouter(t, Options{})
	var got []string
	var mu sync.Mutex
	record := func(tag string) HandlerFunc {
		return func(_ context.Context, req *Request) error {
			mu.Lock()
			got = append(got, tag+":"+req.Text)
			mu.Unlock()
			return nil
		}
	}
	r.SetRegistry([]Command{
		{Name: "done", Aliases: []string{"d"}, Handle: record("done")},
	}, nil, record("text"))

	ch <- msg(1, "/done 12")
	ch <- msg(1, "/d 13")
	ch <- msg(1, "call mom")
	ch <- msg(1, "/nope")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3 && len(ad.texts()) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{"done:12": true, "done:13": true, "text:call mom": true}
	for _, g := range got {
		if !want[g] {
			t.Fatalf("unexpected dispatch %q in %v", g, got)
		}
	}
	if !strings.Contains(ad.texts()[0], "Unknown command") {
		t.Fatalf("reply=%q", ad.texts()[0])
	}
}

func TestOwnerOnlyAndAllowList(t *testing.T) {
	t.Parallel()
	r, ad, ch := startRouter(t, Options{Owners: []int64{1}, Allowed: []int64{2}})
	ran := make(chan int64, 4)
	r.SetRegistry([]Command{
		{Name: "reset", Access: AccessOwnerOnly, Handle: func(_ context.Context, req *Request) error {
			ran <- req.FromID
			return nil
		}},
	}, nil, nil)

	ch <- msg(3, "/reset") // not allowed at all
	ch <- msg(2, "/reset") // allowed but not owner
	ch <- msg(1, "/reset")

	select {
	case id := <-ran:
		if id != 1 {
			t.Fatalf("ran for %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("owner command not run")
	}
	waitFor(t, func() bool { return len(ad.texts()) == 1 })
	if !strings.Contains(ad.texts()[0], "owner only") {
		t.Fatalf("reply=%q", ad.texts()[0])
	}
}

func TestCallbackRouting(t *testing.T) {
	t.Parallel()
	r, ad, ch := startRouter(t, Options{})
	got := make(chan tgui.Callback, 1)
	r.SetRegistry(nil, []CallbackRoute{{Scope: "task", Action: "done", Handle: func(_ context.Context, req *Request) error {
		got <- req.Callback
		return nil
	}}}, nil)

	ch <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "c1", FromID: 5, ChatID: 5, Data: tgui.Data("task", "done", "42")}}
	ch <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "c2", FromID: 5, ChatID: 5, Data: "junk"}}

	select {
	case cb := <-got:
		if id, _ := cb.Int64(0); id != 42 {
			t.Fatalf("cb=%+v", cb)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not routed")
	}
	waitFor(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.answered) == 2
	})
}

func TestHandlerErrorAndPanicReply(t *testing.T) {
	t.Parallel()
	r, ad, ch := startRouter(t, Options{})
	r.SetRegistry([]Command{
		{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }},
		{Name: "fail", Handle: func(context.Context, *Request) error { return errors.New("db down") }},
	}, nil, nil)
	ch <- msg(1, "/boom")
	ch <- msg(1, "/fail")
	waitFor(t, func() bool { return len(ad.texts()) == 2 })
	for _, txt := range ad.texts() {
		if !strings.Contains(txt, "Something went wrong") {
			t.Fatalf("reply=%q", txt)
		}
	}
}

func TestHelpAndMenu(t *testing.T) {
	t.Parallel()
	cmds := []Command{
		{Name: "today", Description: "tasks due today"},
		{Name: "reset", Description: "wipe <all>", Access: AccessOwnerOnly},
		{Name: "my-id", Description: "show id"},
	}
	if h := HelpText(cmds, false); strings.Contains(h, "reset") || !strings.Contains(h, "tasks due today") {
		t.Fatalf("help=%s", h)
	}
	if h := HelpText(cmds, true); !strings.Contains(h, "wipe &lt;all&gt;") {
		t.Fatalf("owner help=%s", h)
	}
	menu := MenuCommands(cmds)
	if len(menu) != 3 || menu[2].Command != "my_id" || !strings.HasPrefix(menu[1].Description, "🔒") {
		t.Fatalf("menu=%+v", menu)
	}
}

func TestPublishMenuSkipsHidden(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := New(Options{Adapter: ad})
	noop := func(context.Context, *Request) error { return nil }
	r.SetRegistry([]Command{{Name: "help", Handle: noop}, {Name: "debug", Hidden: true, Handle: noop}}, nil, nil)
	if err := r.PublishMenu(context.Background()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ad.menu) != 1 || ad.menu[0].Command != "help" {
		t.Fatalf("menu=%+v", ad.menu)
	}
}
