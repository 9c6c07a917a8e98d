package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recomma/polycopy/pkg/tasklog"
)

// TaskLog is a persisted log record of one task.
type TaskLog struct {
	ID      int64           `json:"id"`
	TaskID  string          `json:"task_id"`
	Time    time.Time       `json:"time"`
	Level   string          `json:"level"`
	Scope   string          `json:"scope,omitempty"`
	Message string          `json:"message"`
	Attrs   json.RawMessage `json:"attrs"`
}

// TaskLogInsertFunc returns a tasklog.InsertFunc backed by this storage.
// Callers can pass this to tasklog.NewHandler via tasklog.WithInsertFunc.
func (s *Storage) TaskLogInsertFunc() tasklog.InsertFunc {
	return s.InsertTaskLog
}

func (s *Storage) InsertTaskLog(ctx context.Context, e tasklog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := e.AttrsJSON
	if len(attrs) == 0 {
		attrs = []byte("{}")
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO task_logs (task_id, timestamp_millis, level, scope, message, attrs)
VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.TimestampMillis, e.Level, e.Scope, e.Message, attrs,
	)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns up to limit log records of taskID, newest first.
func (s *Storage) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]TaskLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.q.QueryContext(ctx, `
SELECT id, task_id, timestamp_millis, level, scope, message, attrs
FROM task_logs
WHERE task_id = ?
ORDER BY id DESC
LIMIT ?`, taskID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()

	out := make([]TaskLog, 0)
	for rows.Next() {
		var (
			l     TaskLog
			ts    int64
			attrs []byte
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &ts, &l.Level, &l.Scope, &l.Message, &attrs); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		l.Time = fromMillis(ts)
		l.Attrs = json.RawMessage(attrs)
		out = append(out, l)
	}
	return out, rows.Err()
}
