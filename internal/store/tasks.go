package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
)

// Task is the persistent record of one background unit of work.
type Task struct {
	TaskID        string          `json:"task_id"`
	Kind          enum.TaskKind   `json:"kind"`
	Status        enum.TaskStatus `json:"status"`
	CreatedAt     int64           `json:"created_at"`
	StartedAt     *int64          `json:"started_at,omitempty"`
	FinishedAt    *int64          `json:"finished_at,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	TriggerSource string          `json:"trigger_source,omitempty"`
	Meta          map[string]any  `json:"meta,omitempty"`
}

// TaskUnit is the per-unit outcome inside a task.
type TaskUnit struct {
	TaskID   string          `json:"task_id"`
	UnitName string          `json:"unit_name"`
	Status   enum.UnitStatus `json:"status"`
	Detail   string          `json:"detail,omitempty"`
}

// TaskLog is one append-only log row of a task.
type TaskLog struct {
	ID      int64          `json:"id"`
	TaskID  string         `json:"task_id"`
	TS      int64          `json:"ts"`
	Level   string         `json:"level"`
	Action  string         `json:"action"`
	Status  string         `json:"status,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ErrTaskNotFound is returned by readers when no task row matches.
var ErrTaskNotFound = errors.New("task-not-found")

// CreateTask inserts a pending task row.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if s.db == nil {
		return fmt.Errorf("db-unavailable")
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}
	if t.Status == "" {
		t.Status = enum.TaskStatusPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (task_id, kind, status, created_at, summary, trigger_source, meta)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, string(t.Kind), string(t.Status), t.CreatedAt,
		nullable(t.Summary), nullable(t.TriggerSource), nullable(encodeMeta(t.Meta)))
	return err
}

// MarkTaskRunning transitions pending→running and stamps started_at.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, started_at = ? WHERE task_id = ? AND status = ?`,
		string(enum.TaskStatusRunning), time.Now().Unix(), taskID, string(enum.TaskStatusPending))
	return err
}

// FinishTask moves a task to a terminal status. Terminal is final: a task
// already finished is left untouched.
func (s *Store) FinishTask(ctx context.Context, taskID string, status enum.TaskStatus, summary string) error {
	if !status.Terminal() {
		return fmt.Errorf("non-terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, finished_at = ?, summary = COALESCE(NULLIF(?, ''), summary)
WHERE task_id = ? AND status IN (?, ?)`,
		string(status), time.Now().Unix(), summary, taskID,
		string(enum.TaskStatusPending), string(enum.TaskStatusRunning))
	return err
}

// MarkTaskCancelled records a stop-killed task: terminal status without
// finished_at, which sets stopped tasks apart from finished ones.
func (s *Store) MarkTaskCancelled(ctx context.Context, taskID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, summary = COALESCE(NULLIF(?, ''), summary)
WHERE task_id = ? AND status IN (?, ?)`,
		string(enum.TaskStatusCancelled), summary, taskID,
		string(enum.TaskStatusPending), string(enum.TaskStatusRunning))
	return err
}

// UpsertTaskUnit records or updates the outcome of one unit within a task.
func (s *Store) UpsertTaskUnit(ctx context.Context, u TaskUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_units (task_id, unit_name, status, detail)
VALUES (?, ?, ?, ?)
ON CONFLICT(task_id, unit_name) DO UPDATE SET status = excluded.status, detail = excluded.detail`,
		u.TaskID, u.UnitName, string(u.Status), nullable(u.Detail))
	return err
}

// AppendTaskLog appends one log row. Retries by callers always append new
// rows; rows are never updated in place.
func (s *Store) AppendTaskLog(ctx context.Context, l TaskLog) error {
	if l.TS == 0 {
		l.TS = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_logs (task_id, ts, level, action, status, summary, meta)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.TS, l.Level, l.Action, nullable(l.Status),
		nullable(l.Summary), nullable(encodeMeta(l.Meta)))
	return err
}

// GetTask reads one task row.
func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, kind, status, created_at, started_at, finished_at, summary, trigger_source, meta
FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// ListTasks reads tasks newest-first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, kind, status, created_at, started_at, finished_at, summary, trigger_source, meta
FROM tasks ORDER BY created_at DESC, task_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
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

// TaskUnits reads the per-unit outcomes of a task.
func (s *Store) TaskUnits(ctx context.Context, taskID string) ([]TaskUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, unit_name, status, detail FROM task_units WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskUnit
	for rows.Next() {
		var u TaskUnit
		var detail *string
		var status string
		if err := rows.Scan(&u.TaskID, &u.UnitName, &status, &detail); err != nil {
			return nil, err
		}
		u.Status = enum.UnitStatus(status)
		if detail != nil {
			u.Detail = *detail
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// TaskLogs reads a task's log rows in (ts, rowid) order.
func (s *Store) TaskLogs(ctx context.Context, taskID string) ([]TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, ts, level, action, status, summary, meta
FROM task_logs WHERE task_id = ? ORDER BY ts, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskLog
	for rows.Next() {
		var l TaskLog
		var status, summary, meta *string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.TS, &l.Level, &l.Action, &status, &summary, &meta); err != nil {
			return nil, err
		}
		if status != nil {
			l.Status = *status
		}
		if summary != nil {
			l.Summary = *summary
		}
		if meta != nil && *meta != "" {
			_ = json.Unmarshal([]byte(*meta), &l.Meta)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var kind, status string
	var started, finished *int64
	var summary, source, meta *string
	err := row.Scan(&t.TaskID, &kind, &status, &t.CreatedAt, &started, &finished, &summary, &source, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.Kind = enum.TaskKind(kind)
	t.Status = enum.TaskStatus(status)
	t.StartedAt = started
	t.FinishedAt = finished
	if summary != nil {
		t.Summary = *summary
	}
	if source != nil {
		t.TriggerSource = *source
	}
	if meta != nil && *meta != "" {
		_ = json.Unmarshal([]byte(*meta), &t.Meta)
	}
	return t, nil
}
