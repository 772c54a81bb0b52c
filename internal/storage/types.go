package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage. Driver is "sqlite" (alias "sqlite3") or "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities high first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

type TaskStatus string

const (
	StatusActive TaskStatus = "active"
	StatusDone   TaskStatus = "done"
)

// Kind is the reason a reminder fires.
type Kind string

const (
	KindDeadline       Kind = "deadline"
	KindMorning        Kind = "morning"
	KindTimeBased      Kind = "time_based"
	KindConditionCheck Kind = "condition_check"
	KindSnoozed        Kind = "snoozed"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDeadline, KindMorning, KindTimeBased, KindConditionCheck, KindSnoozed:
		return true
	}
	return false
}

type Task struct {
	ID          int64      `json:"id"`
	OwnerID     int64      `json:"owner_id"`
	RawText     string     `json:"raw_text,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Conditions  []string   `json:"conditions,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Priority    Priority   `json:"priority"`
	DueDate     string     `json:"due_date,omitempty"` // YYYY-MM-DD
	DueTime     string     `json:"due_time,omitempty"` // HH:MM
	Category    string     `json:"category,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`

	LastConditionCheck     time.Time     `json:"last_condition_check,omitempty"`
	ConditionCheckInterval time.Duration `json:"condition_check_interval"`
}

// Due resolves the due date and optional time in loc. ok is false when the
// task has no parsable due date.
func (t Task) Due(loc *time.Location) (due time.Time, hasTime bool, ok bool) {
	if t.DueDate == "" {
		return time.Time{}, false, false
	}
	if t.DueTime != "" {
		if d, err := time.ParseInLocation("2006-01-02 15:04", t.DueDate+" "+t.DueTime, loc); err == nil {
			return d, true, true
		}
	}
	d, err := time.ParseInLocation("2006-01-02", t.DueDate, loc)
	if err != nil {
		return time.Time{}, false, false
	}
	return d, false, true
}

type Reminder struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	OwnerID   int64     `json:"owner_id"`
	FireTime  time.Time `json:"fire_time"`
	Kind      Kind      `json:"kind"`
	Sent      bool      `json:"sent"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingReminder is an unsent reminder joined with its task.
type PendingReminder struct {
	ID         int64
	TaskID     int64
	OwnerID    int64
	Title      string
	Conditions []string
	Kind       Kind
	FireTime   time.Time
}

type Category struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Name        string    `json:"name"`
	Icon        string    `json:"icon,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ActiveTasks int       `json:"-"`
}

// TaskFilter selects tasks. Zero fields do not filter. DueFrom/DueTo are
// inclusive YYYY-MM-DD bounds; IncludeUndated keeps tasks without a due date
// when a due range is set.
type TaskFilter struct {
	OwnerID        int64
	Status         TaskStatus
	Category       string
	DueFrom        string
	DueTo          string
	IncludeUndated bool
	Limit          int
}

type Stats struct {
	Tasks       int
	ActiveTasks int
	Unsent      int
	Sent        int
}

// Store is the persistence API used by the reminder engine and the task service.
type Store interface {
	CreateTask(ctx context.Context, t *Task) (int64, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	// MarkTaskDone and DeleteTask return ErrNotFound unless owner owns an existing task.
	// Both drop the task's unsent reminders.
	MarkTaskDone(ctx context.Context, owner, id int64) error
	DeleteTask(ctx context.Context, owner, id int64) error
	TasksForConditionCheck(ctx context.Context, now time.Time) ([]Task, error)
	TouchConditionCheck(ctx context.Context, id int64, at time.Time) error

	EnsureCategory(ctx context.Context, owner int64, name, icon string) (Category, error)
	ListCategories(ctx context.Context, owner int64) ([]Category, error)

	SaveReminder(ctx context.Context, r Reminder) (int64, error)
	GetReminder(ctx context.Context, id int64) (Reminder, error)
	// QueryUnsentInWindow returns unsent reminders of active tasks with
	// start <= fire_time <= end, ordered by fire time then id.
	QueryUnsentInWindow(ctx context.Context, start, end time.Time) ([]PendingReminder, error)
	QueryUnsentDue(ctx context.Context, now time.Time) ([]PendingReminder, error)
	// MarkSent is idempotent.
	MarkSent(ctx context.Context, id int64) error
	DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	GetTaskTitle(ctx context.Context, taskID int64) (string, bool, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Stats(ctx context.Context) (Stats, error)
	Reset(ctx context.Context) error
	Close() error
}
