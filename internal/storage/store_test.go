package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"taskbot/pkg/logx"
)

type opener func(t *testing.T) Store

func drivers() map[string]opener {
	return map[string]opener{
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "t.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, open(t))
		})
	}
}

func mustTask(t *testing.T, st Store, task Task) int64 {
	t.Helper()
	id, err := st.CreateTask(context.Background(), &task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func mustReminder(t *testing.T, st Store, r Reminder) int64 {
	t.Helper()
	id, err := st.SaveReminder(context.Background(), r)
	if err != nil {
		t.Fatalf("SaveReminder: %v", err)
	}
	return id
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestStore_TaskRoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id := mustTask(t, st, Task{
			OwnerID:    7,
			RawText:    "call mom tomorrow at 5pm if sunny",
			Title:      "Call mom",
			Conditions: []string{"sunny"},
			Tags:       []string{"family"},
			Priority:   PriorityHigh,
			DueDate:    "2026-10-16",
			DueTime:    "17:00",
			Category:   "Personal",
		})
		got, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Title != "Call mom" || got.Priority != PriorityHigh || got.Status != StatusActive {
			t.Fatalf("unexpected task: %+v", got)
		}
		if len(got.Conditions) != 1 || got.Conditions[0] != "sunny" {
			t.Fatalf("conditions=%v", got.Conditions)
		}
		if got.ConditionCheckInterval != 24*time.Hour {
			t.Fatalf("interval=%v", got.ConditionCheckInterval)
		}
		if _, err := st.GetTask(ctx, id+100); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		title, ok, err := st.GetTaskTitle(ctx, id)
		if err != nil || !ok || title != "Call mom" {
			t.Fatalf("GetTaskTitle=%q ok=%v err=%v", title, ok, err)
		}
		if _, ok, _ := st.GetTaskTitle(ctx, id+100); ok {
			t.Fatalf("expected missing title")
		}
	})
}

func TestStore_ListTasksOrderAndFilter(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		undated := mustTask(t, st, Task{OwnerID: 1, Title: "someday"})
		late := mustTask(t, st, Task{OwnerID: 1, Title: "late", DueDate: "2026-10-20"})
		lowSame := mustTask(t, st, Task{OwnerID: 1, Title: "low", DueDate: "2026-10-16", DueTime: "09:00", Priority: PriorityLow})
		highSame := mustTask(t, st, Task{OwnerID: 1, Title: "high", DueDate: "2026-10-16", DueTime: "09:00", Priority: PriorityHigh})
		mustTask(t, st, Task{OwnerID: 2, Title: "other owner", DueDate: "2026-10-16"})

		all, err := st.ListTasks(ctx, TaskFilter{OwnerID: 1})
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		want := []int64{highSame, lowSame, late, undated}
		if len(all) != len(want) {
			t.Fatalf("got %d tasks, want %d", len(all), len(want))
		}
		for i, id := range want {
			if all[i].ID != id {
				t.Fatalf("order[%d]=%d want %d", i, all[i].ID, id)
			}
		}

		ranged, err := st.ListTasks(ctx, TaskFilter{OwnerID: 1, DueFrom: "2026-10-16", DueTo: "2026-10-16"})
		if err != nil {
			t.Fatalf("ListTasks range: %v", err)
		}
		if len(ranged) != 2 {
			t.Fatalf("range got %d tasks", len(ranged))
		}
		withUndated, _ := st.ListTasks(ctx, TaskFilter{OwnerID: 1, DueTo: "2026-10-16", IncludeUndated: true})
		if len(withUndated) != 3 {
			t.Fatalf("range+undated got %d tasks", len(withUndated))
		}
		limited, _ := st.ListTasks(ctx, TaskFilter{OwnerID: 1, Limit: 1})
		if len(limited) != 1 || limited[0].ID != highSame {
			t.Fatalf("limit: %+v", limited)
		}
	})
}

func TestStore_DoneAndDeleteRespectOwner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		id := mustTask(t, st, Task{OwnerID: 1, Title: "pay rent"})
		sent := mustReminder(t, st, Reminder{TaskID: id, OwnerID: 1, FireTime: now.Add(-time.Hour), Kind: KindDeadline})
		if err := st.MarkSent(ctx, sent); err != nil {
			t.Fatalf("MarkSent: %v", err)
		}
		mustReminder(t, st, Reminder{TaskID: id, OwnerID: 1, FireTime: now.Add(time.Hour), Kind: KindDeadline})

		if err := st.MarkTaskDone(ctx, 2, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("foreign owner done: %v", err)
		}
		if err := st.MarkTaskDone(ctx, 1, id); err != nil {
			t.Fatalf("MarkTaskDone: %v", err)
		}
		stats, _ := st.Stats(ctx)
		if stats.Unsent != 0 || stats.Sent != 1 || stats.ActiveTasks != 0 {
			t.Fatalf("stats after done: %+v", stats)
		}

		if err := st.DeleteTask(ctx, 2, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("foreign owner delete: %v", err)
		}
		if err := st.DeleteTask(ctx, 1, id); err != nil {
			t.Fatalf("DeleteTask: %v", err)
		}
		if _, err := st.GetTask(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("deleted task still present: %v", err)
		}
		stats, _ = st.Stats(ctx)
		if stats.Tasks != 0 || stats.Sent != 0 {
			t.Fatalf("stats after delete: %+v", stats)
		}
	})
}

func TestStore_WindowQueries(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
		active := mustTask(t, st, Task{OwnerID: 1, Title: "active", Conditions: []string{"dry"}})
		done := mustTask(t, st, Task{OwnerID: 1, Title: "done"})

		atStart := mustReminder(t, st, Reminder{TaskID: active, OwnerID: 1, FireTime: base, Kind: KindDeadline})
		atEnd := mustReminder(t, st, Reminder{TaskID: active, OwnerID: 1, FireTime: base.Add(time.Hour), Kind: KindMorning})
		mustReminder(t, st, Reminder{TaskID: active, OwnerID: 1, FireTime: base.Add(2 * time.Hour), Kind: KindMorning})
		mustReminder(t, st, Reminder{TaskID: done, OwnerID: 1, FireTime: base.Add(30 * time.Minute), Kind: KindDeadline})
		sent := mustReminder(t, st, Reminder{TaskID: active, OwnerID: 1, FireTime: base.Add(10 * time.Minute), Kind: KindDeadline})
		if err := st.MarkSent(ctx, sent); err != nil {
			t.Fatalf("MarkSent: %v", err)
		}
		if err := st.MarkTaskDone(ctx, 1, done); err != nil {
			t.Fatalf("MarkTaskDone: %v", err)
		}

		got, err := st.QueryUnsentInWindow(ctx, base, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("QueryUnsentInWindow: %v", err)
		}
		if len(got) != 2 || got[0].ID != atStart || got[1].ID != atEnd {
			t.Fatalf("window result: %+v", got)
		}
		if got[0].Title != "active" || len(got[0].Conditions) != 1 {
			t.Fatalf("join fields missing: %+v", got[0])
		}

		due, err := st.QueryUnsentDue(ctx, base.Add(90*time.Minute))
		if err != nil {
			t.Fatalf("QueryUnsentDue: %v", err)
		}
		if len(due) != 2 {
			t.Fatalf("due result: %+v", due)
		}
	})
}

func TestStore_MarkSentIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		task := mustTask(t, st, Task{OwnerID: 1, Title: "x"})
		id := mustReminder(t, st, Reminder{TaskID: task, OwnerID: 1, FireTime: time.Now(), Kind: KindTimeBased})
		for i := 0; i < 2; i++ {
			if err := st.MarkSent(ctx, id); err != nil {
				t.Fatalf("MarkSent #%d: %v", i, err)
			}
		}
		r, err := st.GetReminder(ctx, id)
		if err != nil || !r.Sent {
			t.Fatalf("reminder=%+v err=%v", r, err)
		}
		if err := st.MarkSent(ctx, id+99); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing reminder: %v", err)
		}
	})
}

func TestStore_DeleteSentOlderThan(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 10, 15, 23, 55, 0, 0, time.UTC)
		cutoff := now.Add(-7 * 24 * time.Hour)
		task := mustTask(t, st, Task{OwnerID: 1, Title: "x"})

		old := mustReminder(t, st, Reminder{TaskID: task, OwnerID: 1, FireTime: cutoff.Add(-time.Minute), Kind: KindDeadline})
		edge := mustReminder(t, st, Reminder{TaskID: task, OwnerID: 1, FireTime: cutoff, Kind: KindDeadline})
		oldUnsent := mustReminder(t, st, Reminder{TaskID: task, OwnerID: 1, FireTime: cutoff.Add(-time.Hour), Kind: KindDeadline})
		for _, id := range []int64{old, edge} {
			if err := st.MarkSent(ctx, id); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
		}

		n, err := st.DeleteSentOlderThan(ctx, cutoff)
		if err != nil {
			t.Fatalf("DeleteSentOlderThan: %v", err)
		}
		if n != 1 {
			t.Fatalf("deleted %d, want 1", n)
		}
		if _, err := st.GetReminder(ctx, old); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old sent reminder survived")
		}
		for _, id := range []int64{edge, oldUnsent} {
			if _, err := st.GetReminder(ctx, id); err != nil {
				t.Fatalf("reminder %d removed: %v", id, err)
			}
		}
	})
}

func TestStore_ConditionCheckDue(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
		fresh := mustTask(t, st, Task{OwnerID: 1, Title: "walk", Conditions: []string{"no rain"}})
		mustTask(t, st, Task{OwnerID: 1, Title: "no conditions"})

		got, err := st.TasksForConditionCheck(ctx, now)
		if err != nil {
			t.Fatalf("TasksForConditionCheck: %v", err)
		}
		if len(got) != 1 || got[0].ID != fresh {
			t.Fatalf("first pass: %+v", got)
		}
		if err := st.TouchConditionCheck(ctx, fresh, now); err != nil {
			t.Fatalf("TouchConditionCheck: %v", err)
		}
		if got, _ := st.TasksForConditionCheck(ctx, now.Add(time.Hour)); len(got) != 0 {
			t.Fatalf("checked too soon: %+v", got)
		}
		if got, _ := st.TasksForConditionCheck(ctx, now.Add(24*time.Hour)); len(got) != 1 {
			t.Fatalf("interval elapsed but not due: %+v", got)
		}
	})
}

func TestStore_CategoriesCaseInsensitive(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a, err := st.EnsureCategory(ctx, 1, "Work", "💼")
		if err != nil {
			t.Fatalf("EnsureCategory: %v", err)
		}
		b, err := st.EnsureCategory(ctx, 1, "work", "")
		if err != nil {
			t.Fatalf("EnsureCategory again: %v", err)
		}
		if a.ID != b.ID || b.Icon != "💼" {
			t.Fatalf("expected same category, got %+v vs %+v", a, b)
		}
		if _, err := st.EnsureCategory(ctx, 2, "Work", ""); err != nil {
			t.Fatalf("other owner: %v", err)
		}
		mustTask(t, st, Task{OwnerID: 1, Title: "report", Category: "WORK"})

		cats, err := st.ListCategories(ctx, 1)
		if err != nil {
			t.Fatalf("ListCategories: %v", err)
		}
		if len(cats) != 1 || cats[0].ActiveTasks != 1 {
			t.Fatalf("categories: %+v", cats)
		}
		if _, err := st.EnsureCategory(ctx, 1, "  ", ""); err == nil {
			t.Fatalf("expected error for blank name")
		}
	})
}

func TestStore_DedupAndReset(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
		if err := st.PutDedup(ctx, "k1", until); err != nil {
			t.Fatalf("PutDedup: %v", err)
		}
		got, ok, err := st.GetDedup(ctx, "k1")
		if err != nil || !ok || !got.Equal(until) {
			t.Fatalf("GetDedup=%v ok=%v err=%v", got, ok, err)
		}
		if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
			t.Fatalf("unexpected dedup hit")
		}

		mustTask(t, st, Task{OwnerID: 1, Title: "x"})
		if err := st.Reset(ctx); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		stats, _ := st.Stats(ctx)
		if stats != (Stats{}) {
			t.Fatalf("stats after reset: %+v", stats)
		}
		if _, ok, _ := st.GetDedup(ctx, "k1"); ok {
			t.Fatalf("dedup survived reset")
		}
	})
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := mustTask(t, st, Task{OwnerID: 3, Title: "persist me", DueDate: "2026-10-20"})
	rid := mustReminder(t, st, Reminder{TaskID: id, OwnerID: 3, FireTime: time.Now().Add(time.Hour), Kind: KindDeadline})
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := st2.GetTask(ctx, id)
	if err != nil || got.Title != "persist me" {
		t.Fatalf("task after reopen: %+v err=%v", got, err)
	}
	if _, err := st2.GetReminder(ctx, rid); err != nil {
		t.Fatalf("reminder after reopen: %v", err)
	}
	next := mustTask(t, st2, Task{OwnerID: 3, Title: "next"})
	if next <= id {
		t.Fatalf("id reuse after reopen: %d <= %d", next, id)
	}
}

func TestFileStore_MemoryOnly(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file"}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustTask(t, st, Task{OwnerID: 1, Title: "ephemeral"})
	stats, _ := st.Stats(context.Background())
	if stats.Tasks != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestSQLiteStore_MigrationIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "m.db")
	for i := 0; i < 2; i++ {
		st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		_ = st.Close()
	}
}
