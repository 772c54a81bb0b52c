// Package console is a local readline transport for running the bot without Telegram.
//
// Outgoing keyboards are numbered; typing "!N" presses button N of the last one.
package console

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"taskbot/internal/runtime/supervisor"
	"taskbot/internal/transport"
	"taskbot/pkg/logx"
)

type Config struct {
	UserID      int64
	Prompt      string
	HistoryFile string
	// Stdin and Stdout override the terminal, mostly for tests.
	Stdin  io.ReadCloser
	Stdout io.Writer
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	rl      *readline.Instance
	sup     *supervisor.Supervisor
	out     io.Writer
	buttons []transport.Button
	nextMsg int
	nextCB  int

	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.UserID == 0 {
		cfg.UserID = 1
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "task> "
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, closed: make(chan struct{})}
}

// Closed is closed once the input stream ends (EOF or Ctrl-C).
func (a *Adapter) Closed() <-chan struct{} { return a.closed }

func filterInput(r rune) (rune, bool) {
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	rc := &readline.Config{
		Prompt:              a.cfg.Prompt,
		HistoryFile:         a.cfg.HistoryFile,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
		Stdin:               a.cfg.Stdin,
		Stdout:              a.cfg.Stdout,
	}
	if a.cfg.Stdin != nil {
		// piped input: no raw mode
		rc.FuncIsTerminal = func() bool { return false }
	}
	rl, err := readline.NewEx(rc)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "console"))))
	a.mu.Lock()
	a.rl = rl
	a.sup = sup
	a.out = rl.Stdout()
	a.mu.Unlock()

	sup.Go0("console.close_on_cancel", func(c context.Context) {
		<-c.Done()
		_ = rl.Close()
	})
	sup.Go("console.read", func(c context.Context) error {
		for {
			line, err := rl.Readline()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
					a.log.Info("console input closed")
					a.closeOnce.Do(func() { close(a.closed) })
					return nil
				}
				if c.Err() != nil {
					return nil
				}
				return err
			}
			up, ok := a.toUpdate(strings.TrimSpace(line))
			if !ok {
				continue
			}
			select {
			case out <- up:
			case <-c.Done():
				return nil
			}
		}
	})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// toUpdate maps a typed line to a message, or to a button press for "!N".
func (a *Adapter) toUpdate(line string) (transport.Update, bool) {
	if line == "" {
		return transport.Update{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if strings.HasPrefix(line, "!") {
		n, err := strconv.Atoi(line[1:])
		if err == nil && n >= 1 && n <= len(a.buttons) {
			a.nextCB++
			return transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
				ID:        "console-" + strconv.Itoa(a.nextCB),
				FromID:    a.cfg.UserID,
				ChatID:    a.cfg.UserID,
				MessageID: a.nextMsg,
				Data:      a.buttons[n-1].Data,
			}}, true
		}
	}
	a.nextMsg++
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID:     a.nextMsg,
		ChatID: a.cfg.UserID,
		FromID: a.cfg.UserID,
		Text:   line,
	}}, true
}

func (a *Adapter) print(s string) {
	a.mu.Lock()
	w := a.out
	a.mu.Unlock()
	if w == nil {
		return
	}
	_, _ = io.WriteString(w, s)
}

func (a *Adapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	var kb transport.Keyboard
	if opt != nil {
		kb = opt.Keyboard
	}
	a.mu.Lock()
	a.nextMsg++
	id := a.nextMsg
	a.buttons = flatten(kb)
	a.mu.Unlock()
	a.print(Render(text, opt))
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	_, err := a.SendText(ctx, transport.ChatTarget{ChatID: ref.ChatID}, "✏️ "+text, opt)
	return err
}

func (a *Adapter) AnswerCallback(_ context.Context, _ string, text string) error {
	if text != "" {
		a.print("» " + text + "\n")
	}
	return nil
}

func flatten(kb transport.Keyboard) []transport.Button {
	var out []transport.Button
	for _, row := range kb {
		out = append(out, row...)
	}
	return out
}

var tagRe = regexp.MustCompile(`<[^>]+>`)

// Render turns an outgoing message into terminal text.
func Render(text string, opt *transport.SendOptions) string {
	if opt != nil && strings.EqualFold(opt.ParseMode, "HTML") {
		text = html.UnescapeString(tagRe.ReplaceAllString(text, ""))
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n")
	if opt != nil && len(opt.Keyboard) > 0 {
		n := 0
		for _, row := range opt.Keyboard {
			var cells []string
			for _, btn := range row {
				n++
				cells = append(cells, "["+strconv.Itoa(n)+"] "+btn.Text)
			}
			b.WriteString("  " + strings.Join(cells, "  ") + "\n")
		}
	}
	return b.String()
}

var _ transport.Adapter = (*Adapter)(nil)
