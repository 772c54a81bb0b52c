package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"taskbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

const taskColumns = `id, owner_id, raw_text, title, description, conditions, tags, priority,
	due_date, due_time, category, status, created_at, last_condition_check, condition_check_interval`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// migrate applies embedded migrations newer than PRAGMA user_version, one transaction each.
func (s *sqliteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for i, name := range names {
		target := i + 1
		if target <= version {
			continue
		}
		b, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(b)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("storage migrated", logx.String("migration", name), logx.Int("version", target))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t *Task) (int64, error) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (owner_id, raw_text, title, description, conditions, tags, priority,
			due_date, due_time, category, status, created_at, last_condition_check, condition_check_interval)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.OwnerID, t.RawText, t.Title, t.Description, jsonList(t.Conditions), jsonList(t.Tags), string(t.Priority),
		nullStr(t.DueDate), nullStr(t.DueTime), nullStr(t.Category), string(t.Status), t.CreatedAt.UnixMilli(),
		nullMillis(t.LastConditionCheck), int64(t.ConditionCheckInterval/time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != 0 {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		where = append(where, "category = ? COLLATE NOCASE")
		args = append(args, f.Category)
	}
	if f.DueFrom != "" || f.DueTo != "" {
		var rng []string
		if f.DueFrom != "" {
			rng = append(rng, "due_date >= ?")
			args = append(args, f.DueFrom)
		}
		if f.DueTo != "" {
			rng = append(rng, "due_date <= ?")
			args = append(args, f.DueTo)
		}
		cond := "(" + strings.Join(rng, " AND ") + ")"
		if f.IncludeUndated {
			cond = "(" + cond + " OR due_date IS NULL)"
		}
		where = append(where, cond)
	}

	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY CASE WHEN due_date IS NULL THEN 1 ELSE 0 END, due_date, due_time,
		CASE priority WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkTaskDone(ctx context.Context, owner, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'done' WHERE id = ? AND owner_id = ?`, id, owner)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM reminders WHERE task_id = ? AND is_sent = 0`, id)
		return err
	})
}

func (s *sqliteStore) DeleteTask(ctx context.Context, owner, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE task_id = ? AND owner_id = ?`, id, owner); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND owner_id = ?`, id, owner)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *sqliteStore) TasksForConditionCheck(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'active' AND conditions != '[]'
		   AND (last_condition_check IS NULL OR last_condition_check + condition_check_interval * 1000 <= ?)
		 ORDER BY id`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("condition check query: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TouchConditionCheck(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_condition_check = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// ---- categories ----

func (s *sqliteStore) EnsureCategory(ctx context.Context, owner int64, name, icon string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, errors.New("category name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (owner_id, name, icon, created_at) VALUES (?,?,?,?)
		 ON CONFLICT(owner_id, name) DO NOTHING`,
		owner, name, icon, time.Now().UnixMilli())
	if err != nil {
		return Category{}, fmt.Errorf("ensure category: %w", err)
	}
	var (
		c       Category
		created int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, icon, created_at FROM categories WHERE owner_id = ? AND name = ?`,
		owner, name).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Icon, &created)
	if err != nil {
		return Category{}, err
	}
	c.CreatedAt = time.UnixMilli(created)
	return c, nil
}

func (s *sqliteStore) ListCategories(ctx context.Context, owner int64) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.owner_id, c.name, c.icon, c.created_at,
			(SELECT COUNT(*) FROM tasks t WHERE t.owner_id = c.owner_id AND t.status = 'active' AND t.category = c.name COLLATE NOCASE)
		 FROM categories c WHERE c.owner_id = ? ORDER BY c.name`, owner)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		var (
			c       Category
			created int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Icon, &created, &c.ActiveTasks); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- reminders ----

func (s *sqliteStore) SaveReminder(ctx context.Context, r Reminder) (int64, error) {
	if !r.Kind.Valid() {
		return 0, fmt.Errorf("invalid reminder kind %q", r.Kind)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (task_id, owner_id, fire_time, kind, is_sent, created_at) VALUES (?,?,?,?,?,?)`,
		r.TaskID, r.OwnerID, r.FireTime.UnixMilli(), string(r.Kind), boolInt(r.Sent), r.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert reminder: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	var (
		r            Reminder
		fire, create int64
		sent         int
		kind         string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, owner_id, fire_time, kind, is_sent, created_at FROM reminders WHERE id = ?`, id,
	).Scan(&r.ID, &r.TaskID, &r.OwnerID, &fire, &kind, &sent, &create)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Reminder{}, err
	}
	r.FireTime = time.UnixMilli(fire)
	r.CreatedAt = time.UnixMilli(create)
	r.Kind = Kind(kind)
	r.Sent = sent != 0
	return r, nil
}

func (s *sqliteStore) QueryUnsentInWindow(ctx context.Context, start, end time.Time) ([]PendingReminder, error) {
	return s.queryPending(ctx, `r.fire_time >= ? AND r.fire_time <= ?`, start.UnixMilli(), end.UnixMilli())
}

func (s *sqliteStore) QueryUnsentDue(ctx context.Context, now time.Time) ([]PendingReminder, error) {
	return s.queryPending(ctx, `r.fire_time <= ?`, now.UnixMilli())
}

func (s *sqliteStore) queryPending(ctx context.Context, cond string, args ...any) ([]PendingReminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.task_id, r.owner_id, t.title, t.conditions, r.kind, r.fire_time
		 FROM reminders r JOIN tasks t ON t.id = r.task_id
		 WHERE r.is_sent = 0 AND t.status = 'active' AND `+cond+`
		 ORDER BY r.fire_time, r.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	var out []PendingReminder
	for rows.Next() {
		var (
			p     PendingReminder
			conds string
			kind  string
			fire  int64
		)
		if err := rows.Scan(&p.ID, &p.TaskID, &p.OwnerID, &p.Title, &conds, &kind, &fire); err != nil {
			return nil, err
		}
		p.Conditions = parseList(conds)
		p.Kind = Kind(kind)
		p.FireTime = time.UnixMilli(fire)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reminders SET is_sent = 1 WHERE id = ? AND is_sent = 0`, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return err
}

func (s *sqliteStore) DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE is_sent = 1 AND fire_time < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old reminders: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) GetTaskTitle(ctx context.Context, taskID int64) (string, bool, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM tasks WHERE id = ?`, taskID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return title, true, nil
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// ---- admin ----

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM tasks),
			(SELECT COUNT(*) FROM tasks WHERE status = 'active'),
			(SELECT COUNT(*) FROM reminders WHERE is_sent = 0),
			(SELECT COUNT(*) FROM reminders WHERE is_sent = 1)`,
	).Scan(&st.Tasks, &st.ActiveTasks, &st.Unsent, &st.Sent)
	return st, err
}

func (s *sqliteStore) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"reminders", "tasks", "categories", "dedup"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                          Task
		conds, tags, prio, status  string
		dueDate, dueTime, category sql.NullString
		created                    int64
		lastCheck                  sql.NullInt64
		interval                   int64
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.RawText, &t.Title, &t.Description, &conds, &tags, &prio,
		&dueDate, &dueTime, &category, &status, &created, &lastCheck, &interval)
	if err != nil {
		return Task{}, err
	}
	t.Conditions = parseList(conds)
	t.Tags = parseList(tags)
	t.Priority = Priority(prio)
	t.DueDate = dueDate.String
	t.DueTime = dueTime.String
	t.Category = category.String
	t.Status = TaskStatus(status)
	t.CreatedAt = time.UnixMilli(created)
	if lastCheck.Valid {
		t.LastConditionCheck = time.UnixMilli(lastCheck.Int64)
	}
	t.ConditionCheckInterval = time.Duration(interval) * time.Second
	return t, nil
}

func jsonList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
