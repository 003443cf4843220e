package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed task store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the task database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		tags TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'todo',
		due_date TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new task owned by ownerID.
func (s *Store) Create(ctx context.Context, ownerID int64, d Draft) (*Task, error) {
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if d.Status == "" {
		d.Status = StatusTodo
	}

	tags, err := json.Marshal(emptyIfNil(d.Tags))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (owner_id, title, description, priority, tags, status, due_date, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ownerID, d.Title, d.Description, d.Priority, string(tags), d.Status, d.DueDate, d.Status == StatusDone, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}

	return s.Get(ctx, ownerID, id)
}

// Get fetches one task scoped to ownerID.
func (s *Store) Get(ctx context.Context, ownerID, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, priority, tags, status, due_date, completed, created_at, updated_at
		FROM tasks
		WHERE id = ? AND owner_id = ?
	`, taskID, ownerID)

	return scanTask(row)
}

// List returns the caller's tasks matching the filter, newest first.
func (s *Store) List(ctx context.Context, ownerID int64, f ListFilter) ([]Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	where := []string{"owner_id = ?"}
	args := []any{ownerID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, f.Priority)
	}
	if f.Tag != "" {
		// Tag membership is checked inside the query: filtering after the
		// LIMIT would silently drop matches older than the newest rows.
		where = append(where, "EXISTS (SELECT 1 FROM json_each(tasks.tags) WHERE lower(json_each.value) = lower(?))")
		args = append(args, f.Tag)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, description, priority, tags, status, due_date, completed, created_at, updated_at
		FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Update applies a partial update to a task scoped to ownerID.
func (s *Store) Update(ctx context.Context, ownerID, taskID int64, u Update) (*Task, error) {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if u.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *u.Title)
	}
	if u.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *u.Description)
	}
	if u.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *u.Priority)
	}
	if u.Status != nil {
		set = append(set, "status = ?", "completed = ?")
		args = append(args, *u.Status, *u.Status == StatusDone)
	}
	if u.DueDate != nil {
		set = append(set, "due_date = ?")
		args = append(args, *u.DueDate)
	}
	if u.Tags != nil {
		tags, err := json.Marshal(emptyIfNil(*u.Tags))
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		set = append(set, "tags = ?")
		args = append(args, string(tags))
	}

	args = append(args, taskID, ownerID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET `+strings.Join(set, ", ")+`
		WHERE id = ? AND owner_id = ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, ownerID, taskID)
}

// Complete marks a task done. Completing an already-completed task is a
// no-op that still succeeds, so retries and repeated requests are safe.
func (s *Store) Complete(ctx context.Context, ownerID, taskID int64) (*Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed = 1, status = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`, StatusDone, time.Now().UTC(), taskID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, ownerID, taskID)
}

// Delete removes a task scoped to ownerID.
func (s *Store) Delete(ctx context.Context, ownerID, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = ? AND owner_id = ?
	`, taskID, ownerID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var tags string
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &t.Priority,
		&tags, &t.Status, &t.DueDate, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for task %d: %w", t.ID, err)
	}
	return &t, nil
}

func emptyIfNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
