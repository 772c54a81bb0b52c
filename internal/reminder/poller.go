package reminder

import (
	"context"
	"errors"
	"time"

	"taskbot/internal/storage"
	"taskbot/pkg/logx"
)

type sendArgs struct {
	store    storage.Store
	deliver  Deliverer
	composer Composer
	timeout  time.Duration
	log      logx.Logger
}

// send composes, delivers and marks one reminder sent. The reminder is marked
// sent only after the Deliverer confirms.
func send(ctx context.Context, a sendArgs, en Entry) (Notice, error) {
	dctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text := ""
	if a.composer != nil {
		text = a.composer(dctx, en)
	}
	if text == "" {
		text = Format(en)
	}
	n := Notice{
		ReminderID: en.ID,
		TaskID:     en.TaskID,
		OwnerID:    en.OwnerID,
		Kind:       en.Kind,
		Title:      en.Title,
		Text:       text,
		FireTime:   en.FireTime,
		Attempt:    en.Attempt,
	}
	if a.deliver == nil {
		return n, errors.New("no deliverer configured")
	}
	if err := a.deliver.Deliver(dctx, n); err != nil {
		return n, err
	}

	if err := a.store.MarkSent(ctx, en.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.log.Debug("sent reminder no longer stored", logx.Int64("id", en.ID))
		} else {
			// delivered; a later reload may resend and the delivery dedup absorbs it
			a.log.Warn("mark sent failed", logx.Int64("id", en.ID), logx.Err(err))
		}
	}
	a.log.Info("reminder sent",
		logx.Int64("id", en.ID), logx.Int64("owner", en.OwnerID),
		logx.String("kind", string(en.Kind)), logx.Time("fire_time", en.FireTime))
	return n, nil
}

// Poller is the fixed-interval strategy: every tick it sends all unsent due
// reminders straight from the store. Failed reminders stay unsent and are
// retried on the next tick.
type Poller struct {
	store    storage.Store
	deliver  Deliverer
	composer Composer
	log      logx.Logger
	now      func() time.Time
	timeout  func() time.Duration
	onSent   func(Notice)
	onFail   func(Notice, error)
}

// newPoller returns a poller detached from any Engine. Tests use it as the
// reference the event-driven strategy is checked against.
func newPoller(store storage.Store, deliver Deliverer, timeout time.Duration, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		store:   store,
		deliver: deliver,
		log:     log,
		now:     time.Now,
		timeout: func() time.Duration { return timeout },
	}
}

// Tick sends every unsent reminder with fire time <= now and returns how many
// were delivered.
func (p *Poller) Tick(ctx context.Context, now time.Time) int {
	due, err := p.store.QueryUnsentDue(ctx, now)
	if err != nil {
		p.log.Error("poll query failed", logx.Err(err))
		return 0
	}
	sent := 0
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		n, err := send(ctx, sendArgs{
			store:    p.store,
			deliver:  p.deliver,
			composer: p.composer,
			timeout:  p.timeout(),
			log:      p.log,
		}, entryFromPending(r))
		if err != nil {
			p.log.Warn("reminder delivery failed", logx.Int64("id", r.ID), logx.Err(err))
			if p.onFail != nil {
				p.onFail(n, err)
			}
			continue
		}
		sent++
		if p.onSent != nil {
			p.onSent(n)
		}
	}
	return sent
}

// run ticks every interval until ctx is done. The Engine drives Tick from its
// own loop instead.
func (p *Poller) run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		p.Tick(ctx, p.now())
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
