// Package tasks is the task-creation service: it turns text into stored tasks,
// derives their reminders and hands them to the reminder engine.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskbot/internal/llm"
	"taskbot/internal/reminder"
	"taskbot/internal/storage"
	"taskbot/pkg/logx"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrEmptyText    = errors.New("empty task text")
	ErrBadSnooze    = errors.New("snooze minutes out of range")
	ErrTaskFinished = errors.New("task already done")
)

const maxSnoozeMinutes = 7 * 24 * 60

// Scheduler is the write side of the reminder engine.
type Scheduler interface {
	Schedule(ctx context.Context, taskID, ownerID int64, fireTime time.Time, kind storage.Kind) (int64, error)
	Forget(taskID int64) int
}

type Options struct {
	Store     storage.Store
	Extractor llm.Extractor
	Scheduler Scheduler
	// Policy is read on every call so config reloads apply to new tasks.
	Policy func() reminder.DerivePolicy
	Log    logx.Logger
	Now    func() time.Time
}

type Service struct {
	store  storage.Store
	ex     llm.Extractor
	sched  Scheduler
	policy func() reminder.DerivePolicy
	log    logx.Logger
	now    func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		store:  opts.Store,
		ex:     opts.Extractor,
		sched:  opts.Scheduler,
		policy: opts.Policy,
		log:    opts.Log,
		now:    opts.Now,
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.policy == nil {
		s.policy = func() reminder.DerivePolicy { return reminder.DerivePolicyFromConfig(nil) }
	}
	if s.ex == nil {
		s.ex = llm.NewService(nil, 0, s.log)
	}
	return s
}

// Created describes a freshly stored task.
type Created struct {
	Task         storage.Task
	CategoryIcon string
	Reminders    []reminder.Candidate
	// Scheduled counts candidates the engine accepted.
	Scheduled int
	Fallback  bool
}

func (s *Service) location() *time.Location {
	if loc := s.policy().Location; loc != nil {
		return loc
	}
	return time.Local
}

func (s *Service) CreateFromText(ctx context.Context, owner int64, text string) (Created, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Created{}, ErrEmptyText
	}
	pol := s.policy()
	now := s.now().In(s.location())

	ex, err := s.ex.Extract(ctx, text, now)
	if err != nil {
		return Created{}, fmt.Errorf("extract task: %w", err)
	}

	var out Created
	out.Fallback = ex.Fallback
	if ex.Category != "" {
		cat, err := s.store.EnsureCategory(ctx, owner, ex.Category, DefaultIcon(ex.Category))
		if err != nil {
			s.log.Warn("ensure category failed", logx.String("category", ex.Category), logx.Err(err))
			ex.Category = ""
		} else {
			ex.Category = cat.Name
			out.CategoryIcon = cat.Icon
		}
	}

	t := storage.Task{
		OwnerID:                owner,
		RawText:                text,
		Title:                  ex.Title,
		Description:            ex.Description,
		Conditions:             ex.Conditions,
		Tags:                   ex.Tags,
		Priority:               ex.Priority,
		DueDate:                ex.DueDate,
		DueTime:                ex.DueTime,
		Category:               ex.Category,
		Status:                 storage.StatusActive,
		CreatedAt:              now,
		ConditionCheckInterval: pol.ConditionEvery,
	}
	if len(t.Conditions) > 0 {
		t.LastConditionCheck = now
	}
	id, err := s.store.CreateTask(ctx, &t)
	if err != nil {
		return Created{}, fmt.Errorf("save task: %w", err)
	}
	t.ID = id
	out.Task = t

	reminderAt := ""
	if ex.ReminderNeeded {
		reminderAt = ex.ReminderTime
	}
	out.Reminders = reminder.Derive(pol, reminder.DeriveInput{Task: t, ReminderTime: reminderAt}, now)
	for _, c := range out.Reminders {
		if _, err := s.sched.Schedule(ctx, t.ID, owner, c.At, c.Kind); err != nil {
			s.log.Warn("schedule reminder failed", logx.Int64("task_id", t.ID), logx.Time("at", c.At), logx.String("kind", string(c.Kind)), logx.Err(err))
			continue
		}
		out.Scheduled++
	}
	s.log.Info("task created",
		logx.Int64("task_id", t.ID),
		logx.Int64("owner_id", owner),
		logx.String("due", strings.TrimSpace(t.DueDate+" "+t.DueTime)),
		logx.Int("reminders", out.Scheduled),
		logx.Bool("fallback", ex.Fallback),
	)
	return out, nil
}

// Get returns owner's task.
func (s *Service) Get(ctx context.Context, owner, id int64) (storage.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && t.OwnerID != owner) {
		return storage.Task{}, ErrNotFound
	}
	return t, err
}

func (s *Service) Complete(ctx context.Context, owner, id int64) error {
	if err := s.store.MarkTaskDone(ctx, owner, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	n := s.sched.Forget(id)
	s.log.Info("task done", logx.Int64("task_id", id), logx.Int("forgotten", n))
	return nil
}

func (s *Service) Delete(ctx context.Context, owner, id int64) error {
	if err := s.store.DeleteTask(ctx, owner, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	n := s.sched.Forget(id)
	s.log.Info("task deleted", logx.Int64("task_id", id), logx.Int("forgotten", n))
	return nil
}

// Snooze schedules one more reminder minutes from now.
func (s *Service) Snooze(ctx context.Context, owner, id int64, minutes int) (time.Time, error) {
	if minutes <= 0 || minutes > maxSnoozeMinutes {
		return time.Time{}, ErrBadSnooze
	}
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return time.Time{}, err
	}
	if t.Status == storage.StatusDone {
		return time.Time{}, ErrTaskFinished
	}
	at := reminder.SnoozeAt(s.now(), minutes)
	if _, err := s.sched.Schedule(ctx, t.ID, owner, at, storage.KindSnoozed); err != nil {
		return time.Time{}, fmt.Errorf("snooze task %d: %w", id, err)
	}
	return at, nil
}

func (s *Service) today() string {
	return s.now().In(s.location()).Format("2006-01-02")
}

// Today lists owner's active tasks due today.
func (s *Service) Today(ctx context.Context, owner int64) ([]storage.Task, error) {
	d := s.today()
	return s.store.ListTasks(ctx, storage.TaskFilter{OwnerID: owner, Status: storage.StatusActive, DueFrom: d, DueTo: d})
}

// Week lists active tasks due in the next seven days, overdue ones included.
func (s *Service) Week(ctx context.Context, owner int64) ([]storage.Task, error) {
	end := s.now().In(s.location()).AddDate(0, 0, 7).Format("2006-01-02")
	return s.store.ListTasks(ctx, storage.TaskFilter{OwnerID: owner, Status: storage.StatusActive, DueFrom: "0000-01-01", DueTo: end})
}

func (s *Service) All(ctx context.Context, owner int64) ([]storage.Task, error) {
	return s.store.ListTasks(ctx, storage.TaskFilter{OwnerID: owner, Status: storage.StatusActive})
}

func (s *Service) ByCategory(ctx context.Context, owner int64, name string) ([]storage.Task, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, nil
	}
	return s.store.ListTasks(ctx, storage.TaskFilter{OwnerID: owner, Status: storage.StatusActive, Category: name})
}

func (s *Service) Categories(ctx context.Context, owner int64) ([]storage.Category, error) {
	return s.store.ListCategories(ctx, owner)
}

// RunConditionChecks schedules an immediate condition_check reminder for
// every task whose check interval has elapsed. It returns the number scheduled.
func (s *Service) RunConditionChecks(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.TasksForConditionCheck(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("condition check query: %w", err)
	}
	n := 0
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.sched.Schedule(ctx, t.ID, t.OwnerID, now, storage.KindConditionCheck); err != nil {
			s.log.Warn("schedule condition check failed", logx.Int64("task_id", t.ID), logx.Err(err))
			continue
		}
		if err := s.store.TouchConditionCheck(ctx, t.ID, now); err != nil {
			s.log.Warn("touch condition check failed", logx.Int64("task_id", t.ID), logx.Err(err))
		}
		n++
	}
	if n > 0 {
		s.log.Info("condition checks scheduled", logx.Int("count", n))
	}
	return n, nil
}

// Sender delivers a digest to one owner.
type Sender func(ctx context.Context, owner int64, html string) error

// MorningDigest sends each owner with active tasks due today one summary.
func (s *Service) MorningDigest(ctx context.Context, send Sender) (int, error) {
	d := s.today()
	list, err := s.store.ListTasks(ctx, storage.TaskFilter{Status: storage.StatusActive, DueFrom: d, DueTo: d})
	if err != nil {
		return 0, fmt.Errorf("digest query: %w", err)
	}
	byOwner := map[int64][]storage.Task{}
	var owners []int64
	for _, t := range list {
		if _, ok := byOwner[t.OwnerID]; !ok {
			owners = append(owners, t.OwnerID)
		}
		byOwner[t.OwnerID] = append(byOwner[t.OwnerID], t)
	}
	sent := 0
	for _, owner := range owners {
		cats, _ := s.store.ListCategories(ctx, owner)
		if err := send(ctx, owner, FormatDigest(byOwner[owner], cats, s.now().In(s.location()))); err != nil {
			s.log.Warn("digest send failed", logx.Int64("owner_id", owner), logx.Err(err))
			continue
		}
		sent++
	}
	return sent, nil
}

// Compose renders reminder text; condition checks get a model-written question.
func (s *Service) Compose(ctx context.Context, e reminder.Entry) string {
	if e.Kind != storage.KindConditionCheck {
		return ""
	}
	if len(e.Conditions) == 0 {
		t, err := s.store.GetTask(ctx, e.TaskID)
		if err != nil || len(t.Conditions) == 0 {
			return ""
		}
		e.Conditions = t.Conditions
		if e.Title == "" {
			e.Title = t.Title
		}
	}
	q, err := s.ex.ConditionQuestion(ctx, e.Title, e.Conditions)
	if err != nil || strings.TrimSpace(q) == "" {
		return ""
	}
	return FormatConditionCheck(e, q)
}
