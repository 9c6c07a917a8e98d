package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/recomma/polycopy/polycopy"
)

const taskColumns = `id, kind, owner, target_account, poll_interval_ms, status, created_at_utc, updated_at_utc`

// CreateTask inserts task. CreatedAt and UpdatedAt are stamped when zero.
func (s *Storage) CreateTask(ctx context.Context, task polycopy.Task) (polycopy.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	created := now
	if !task.CreatedAt.IsZero() {
		created = task.CreatedAt.UTC().UnixMilli()
	}

	_, err := s.q.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		string(task.Kind),
		task.Owner,
		task.TargetAccount,
		task.PollInterval.Milliseconds(),
		string(task.Status),
		created,
		now,
	)
	if err != nil {
		return polycopy.Task{}, fmt.Errorf("insert task %s: %w", task.ID, err)
	}

	task.CreatedAt = fromMillis(created)
	task.UpdatedAt = fromMillis(now)
	return task, nil
}

// UpdateTaskStatus sets the status of task id.
func (s *Storage) UpdateTaskStatus(ctx context.Context, id string, status polycopy.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at_utc = ? WHERE id = ?`,
		string(status), s.nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Storage) GetTask(ctx context.Context, id string) (polycopy.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return polycopy.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return polycopy.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks oldest first. An empty status lists every task.
func (s *Storage) ListTasks(ctx context.Context, status polycopy.Status) ([]polycopy.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at_utc ASC, id ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []polycopy.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (polycopy.Task, error) {
	var (
		task             polycopy.Task
		kind, status     string
		pollMillis       int64
		created, updated int64
	)
	if err := row.Scan(&task.ID, &kind, &task.Owner, &task.TargetAccount, &pollMillis, &status, &created, &updated); err != nil {
		return polycopy.Task{}, err
	}
	task.Kind = polycopy.Kind(kind)
	task.Status = polycopy.Status(status)
	task.PollInterval = time.Duration(pollMillis) * time.Millisecond
	task.CreatedAt = fromMillis(created)
	task.UpdatedAt = fromMillis(updated)
	return task, nil
}
