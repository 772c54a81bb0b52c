package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskbot/pkg/logx"
)

// fileStore keeps everything in memory and persists a JSON snapshot after
// every mutation (write to <path>.tmp, then rename). An empty path keeps the
// store in memory only.
type fileStore struct {
	log  logx.Logger
	path string

	mu         sync.Mutex
	nextTask   int64
	nextRem    int64
	nextCat    int64
	tasks      map[int64]*Task
	reminders  map[int64]*Reminder
	categories map[int64]*Category
	dedup      map[string]int64 // unix milli
}

type fileSnapshot struct {
	NextTask     int64            `json:"next_task"`
	NextReminder int64            `json:"next_reminder"`
	NextCategory int64            `json:"next_category"`
	Tasks        []Task           `json:"tasks"`
	Reminders    []Reminder       `json:"reminders"`
	Categories   []Category       `json:"categories"`
	Dedup        map[string]int64 `json:"dedup,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	st := &fileStore{
		log:        log,
		path:       strings.TrimSpace(cfg.Path),
		tasks:      map[int64]*Task{},
		reminders:  map[int64]*Reminder{},
		categories: map[int64]*Category{},
		dedup:      map[string]int64{},
	}
	if st.path == "" {
		return st, nil
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(st.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return st, nil
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", st.path, err)
	}
	st.nextTask, st.nextRem, st.nextCat = snap.NextTask, snap.NextReminder, snap.NextCategory
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		st.tasks[t.ID] = &t
		st.nextTask = max(st.nextTask, t.ID)
	}
	for i := range snap.Reminders {
		r := snap.Reminders[i]
		st.reminders[r.ID] = &r
		st.nextRem = max(st.nextRem, r.ID)
	}
	for i := range snap.Categories {
		c := snap.Categories[i]
		st.categories[c.ID] = &c
		st.nextCat = max(st.nextCat, c.ID)
	}
	for k, v := range snap.Dedup {
		st.dedup[k] = v
	}
	log.Debug("file store loaded",
		logx.String("path", st.path),
		logx.Int("tasks", len(st.tasks)),
		logx.Int("reminders", len(st.reminders)),
	)
	return st, nil
}

// persistLocked writes the snapshot. Caller holds mu.
func (s *fileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	now := time.Now().UnixMilli()
	snap := fileSnapshot{
		NextTask:     s.nextTask,
		NextReminder: s.nextRem,
		NextCategory: s.nextCat,
		Tasks:        make([]Task, 0, len(s.tasks)),
		Reminders:    make([]Reminder, 0, len(s.reminders)),
		Categories:   make([]Category, 0, len(s.categories)),
		Dedup:        make(map[string]int64, len(s.dedup)),
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	for _, r := range s.reminders {
		snap.Reminders = append(snap.Reminders, *r)
	}
	for _, c := range s.categories {
		snap.Categories = append(snap.Categories, *c)
	}
	for k, v := range s.dedup {
		if v >= now {
			snap.Dedup[k] = v
		}
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	sort.Slice(snap.Reminders, func(i, j int) bool { return snap.Reminders[i].ID < snap.Reminders[j].ID })
	sort.Slice(snap.Categories, func(i, j int) bool { return snap.Categories[i].ID < snap.Categories[j].ID })

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *fileStore) Close() error { return nil }

// ---- tasks ----

func (s *fileStore) CreateTask(_ context.Context, t *Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.ConditionCheckInterval <= 0 {
		t.ConditionCheckInterval = 24 * time.Hour
	}
	s.nextTask++
	t.ID = s.nextTask
	cp := cloneTask(*t)
	s.tasks[cp.ID] = &cp
	return t.ID, s.persistLocked()
}

func (s *fileStore) GetTask(_ context.Context, id int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return cloneTask(*t), nil
}

func (s *fileStore) ListTasks(_ context.Context, f TaskFilter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if f.OwnerID != 0 && t.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Category != "" && !strings.EqualFold(t.Category, f.Category) {
			continue
		}
		if f.DueFrom != "" || f.DueTo != "" {
			if t.DueDate == "" {
				if !f.IncludeUndated {
					continue
				}
			} else if (f.DueFrom != "" && t.DueDate < f.DueFrom) || (f.DueTo != "" && t.DueDate > f.DueTo) {
				continue
			}
		}
		out = append(out, cloneTask(*t))
	}
	sort.Slice(out, func(i, j int) bool { return taskLess(out[i], out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// taskLess matches the sqlite ordering: dated first, then date, time, priority, id.
func taskLess(a, b Task) bool {
	if (a.DueDate == "") != (b.DueDate == "") {
		return a.DueDate != ""
	}
	if a.DueDate != b.DueDate {
		return a.DueDate < b.DueDate
	}
	if a.DueTime != b.DueTime {
		return a.DueTime < b.DueTime
	}
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	return a.ID < b.ID
}

func (s *fileStore) MarkTaskDone(_ context.Context, owner, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.OwnerID != owner {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	t.Status = StatusDone
	for rid, r := range s.reminders {
		if r.TaskID == id && !r.Sent {
			delete(s.reminders, rid)
		}
	}
	return s.persistLocked()
}

func (s *fileStore) DeleteTask(_ context.Context, owner, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.OwnerID != owner {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	delete(s.tasks, id)
	for rid, r := range s.reminders {
		if r.TaskID == id {
			delete(s.reminders, rid)
		}
	}
	return s.persistLocked()
}

func (s *fileStore) TasksForConditionCheck(_ context.Context, now time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status != StatusActive || len(t.Conditions) == 0 {
			continue
		}
		if !t.LastConditionCheck.IsZero() && t.LastConditionCheck.Add(t.ConditionCheckInterval).After(now) {
			continue
		}
		out = append(out, cloneTask(*t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) TouchConditionCheck(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	t.LastConditionCheck = at
	return s.persistLocked()
}

// ---- categories ----

func (s *fileStore) EnsureCategory(_ context.Context, owner int64, name, icon string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, errors.New("category name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if c.OwnerID == owner && strings.EqualFold(c.Name, name) {
			return *c, nil
		}
	}
	s.nextCat++
	c := &Category{ID: s.nextCat, OwnerID: owner, Name: name, Icon: icon, CreatedAt: time.Now()}
	s.categories[c.ID] = c
	return *c, s.persistLocked()
}

func (s *fileStore) ListCategories(_ context.Context, owner int64) ([]Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Category
	for _, c := range s.categories {
		if c.OwnerID != owner {
			continue
		}
		cp := *c
		for _, t := range s.tasks {
			if t.OwnerID == owner && t.Status == StatusActive && strings.EqualFold(t.Category, c.Name) {
				cp.ActiveTasks++
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

// ---- reminders ----

func (s *fileStore) SaveReminder(_ context.Context, r Reminder) (int64, error) {
	if !r.Kind.Valid() {
		return 0, fmt.Errorf("invalid reminder kind %q", r.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[r.TaskID]; !ok {
		return 0, fmt.Errorf("task %d: %w", r.TaskID, ErrNotFound)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.nextRem++
	r.ID = s.nextRem
	s.reminders[r.ID] = &r
	return r.ID, s.persistLocked()
}

func (s *fileStore) GetReminder(_ context.Context, id int64) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return Reminder{}, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return *r, nil
}

func (s *fileStore) QueryUnsentInWindow(_ context.Context, start, end time.Time) ([]PendingReminder, error) {
	return s.pending(func(r *Reminder) bool {
		return !r.FireTime.Before(start) && !r.FireTime.After(end)
	}), nil
}

func (s *fileStore) QueryUnsentDue(_ context.Context, now time.Time) ([]PendingReminder, error) {
	return s.pending(func(r *Reminder) bool { return !r.FireTime.After(now) }), nil
}

func (s *fileStore) pending(match func(*Reminder) bool) []PendingReminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingReminder
	for _, r := range s.reminders {
		if r.Sent || !match(r) {
			continue
		}
		t, ok := s.tasks[r.TaskID]
		if !ok || t.Status != StatusActive {
			continue
		}
		out = append(out, PendingReminder{
			ID:         r.ID,
			TaskID:     r.TaskID,
			OwnerID:    r.OwnerID,
			Title:      t.Title,
			Conditions: append([]string(nil), t.Conditions...),
			Kind:       r.Kind,
			FireTime:   r.FireTime,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireTime.Equal(out[j].FireTime) {
			return out[i].FireTime.Before(out[j].FireTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *fileStore) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	if r.Sent {
		return nil
	}
	r.Sent = true
	return s.persistLocked()
}

func (s *fileStore) DeleteSentOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.reminders {
		if r.Sent && r.FireTime.Before(cutoff) {
			delete(s.reminders, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.persistLocked()
}

func (s *fileStore) GetTaskTitle(_ context.Context, taskID int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", false, nil
	}
	return t.Title, true, nil
}

// ---- dedup ----

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until.UnixMilli()
	return s.persistLocked()
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// ---- admin ----

func (s *fileStore) Stats(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Tasks: len(s.tasks)}
	for _, t := range s.tasks {
		if t.Status == StatusActive {
			st.ActiveTasks++
		}
	}
	for _, r := range s.reminders {
		if r.Sent {
			st.Sent++
		} else {
			st.Unsent++
		}
	}
	return st, nil
}

func (s *fileStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = map[int64]*Task{}
	s.reminders = map[int64]*Reminder{}
	s.categories = map[int64]*Category{}
	s.dedup = map[string]int64{}
	return s.persistLocked()
}

func cloneTask(t Task) Task {
	t.Conditions = append([]string(nil), t.Conditions...)
	t.Tags = append([]string(nil), t.Tags...)
	if len(t.Conditions) == 0 {
		t.Conditions = nil
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	return t
}
