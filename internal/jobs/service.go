package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskbot/internal/config"
	"taskbot/internal/eventbus"
	"taskbot/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

type Config struct {
	Enabled  bool
	Timeout  time.Duration // per run; 0 means 5m
	Location *time.Location
}

type Func func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    ParsedSpec
	fn      Func
	entryID cron.EntryID
	running sync.Mutex
}

type HistoryItem struct {
	Name  string
	Start time.Time
	Took  time.Duration
	Err   string
}

type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Jobs     []JobInfo
	History  []HistoryItem
}

// RunEvent is the payload of eventbus.JobRan.
type RunEvent struct {
	Name  string        `json:"name"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*jobDef

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional accepts both 5 and 6 field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. A location change restarts the cron runner with the
// registered jobs.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldLoc := s.location()
	s.cfg = cfg
	if s.c != nil && oldLoc.String() != s.location().String() {
		s.restartLocked()
	}
}

func (s *Service) location() *time.Location {
	if s.cfg.Location == nil {
		return time.Local
	}
	return s.cfg.Location
}

// Add registers fn under name, replacing any job with the same name.
func (s *Service) Add(name, schedule string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.New("job func required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: ps, fn: fn}
	s.defs[name] = d
	if s.c != nil {
		if err := s.scheduleLocked(d); err != nil {
			return err
		}
		s.log.Debug("job registered", logx.String("name", name), logx.String("spec", ps.CronSpec()), logx.Time("next", s.c.Entry(d.entryID).Next))
	}
	return nil
}

// AddDaily registers fn at clock every day in the configured location.
func (s *Service) AddDaily(name string, at config.Clock, fn Func) error {
	return s.Add(name, "daily:"+at.String(), fn)
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.location().String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) startLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.location()),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.scheduleLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.location().String()))
}

func (s *Service) scheduleLocked(d *jobDef) error {
	ctx := s.ctx
	job := cron.FuncJob(func() { s.run(ctx, d) })
	if d.spec.Kind == SpecInterval {
		d.entryID = s.c.Schedule(withStartupSpread(d.spec.Every, time.Now().In(s.location())), job)
		return nil
	}
	id, err := s.c.AddJob(d.spec.CronSpec(), job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// Stop halts triggering and cancels running jobs once ctx expires.
// Registered jobs are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped")
}

// RunNow runs a registered job synchronously.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}
	return s.run(ctx, d)
}

func (s *Service) run(parent context.Context, d *jobDef) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	if !d.running.TryLock() {
		s.log.Debug("job still running, skip", logx.String("name", d.name))
		return nil
	}
	defer d.running.Unlock()

	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", d.name, r)
			s.log.Error("job panic", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
		}
		s.record(d.name, start, err)
	}()
	return d.fn(ctx)
}

func (s *Service) record(name string, start time.Time, err error) {
	it := HistoryItem{Name: name, Start: start, Took: time.Since(start)}
	if err != nil {
		it.Err = err.Error()
		s.log.Warn("job failed", logx.String("name", name), logx.Duration("took", it.Took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("name", name), logx.Duration("took", it.Took))
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobRan, Data: RunEvent{Name: name, Took: it.Took, Error: it.Err}})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.location().String()}
	for _, d := range s.defs {
		it := JobInfo{Name: d.name, Spec: d.spec.CronSpec()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	s.mu.Unlock()
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
