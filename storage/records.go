package storage

import (
	"context"
	"fmt"

	"github.com/recomma/polycopy/polycopy"
)

// InsertActivity stores rec unless an activity with the same (task, unique key)
// already exists. inserted is false for such a duplicate.
func (s *Storage) InsertActivity(ctx context.Context, rec polycopy.ActivityRecord) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.ExecContext(ctx, `
INSERT INTO activity_records (
    task_id, target_account, transaction_hash, timestamp, asset, side,
    size, price, title, slug, unique_key, created_at_utc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (task_id, unique_key) DO NOTHING`,
		rec.TaskID,
		rec.TargetAccount,
		rec.TransactionHash,
		rec.Timestamp,
		rec.Asset,
		string(rec.Side),
		rec.Size,
		rec.Price,
		rec.Title,
		rec.Slug,
		rec.UniqueKey,
		s.nowMillis(),
	)
	if err != nil {
		return false, fmt.Errorf("insert activity %s/%s: %w", rec.TaskID, rec.UniqueKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert activity %s/%s: %w", rec.TaskID, rec.UniqueKey, err)
	}
	return n == 1, nil
}

// InsertReplicaOutcome appends out unless an outcome for the same (task, source
// identity) already exists.
func (s *Storage) InsertReplicaOutcome(ctx context.Context, out polycopy.ReplicaOutcome) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.ExecContext(ctx, `
INSERT INTO replica_outcomes (
    task_id, target_account, source_identity, replica_identity, amount, price,
    size, side, asset, title, slug, status, venue_status, error, created_at_utc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (task_id, source_identity) DO NOTHING`,
		out.TaskID,
		out.TargetAccount,
		out.SourceIdentity,
		out.ReplicaIdentity,
		out.Amount,
		out.Price,
		out.Size,
		string(out.Side),
		out.Asset,
		out.Title,
		out.Slug,
		string(out.Status),
		out.VenueStatus,
		out.Error,
		s.nowMillis(),
	)
	if err != nil {
		return false, fmt.Errorf("insert outcome %s/%s: %w", out.TaskID, out.SourceIdentity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert outcome %s/%s: %w", out.TaskID, out.SourceIdentity, err)
	}
	return n == 1, nil
}

func (s *Storage) CountActivities(ctx context.Context, taskID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_records WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return n, nil
}

// OutcomeFilter narrows CountOutcomes. Empty fields match everything.
type OutcomeFilter struct {
	TaskID string
	Status polycopy.OutcomeStatus
}

func (s *Storage) CountOutcomes(ctx context.Context, f OutcomeFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT COUNT(*) FROM replica_outcomes WHERE 1 = 1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	var n int64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}

// ListRecentActivities returns up to limit records of taskID, newest first.
func (s *Storage) ListRecentActivities(ctx context.Context, taskID string, limit int) ([]polycopy.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.q.QueryContext(ctx, `
SELECT id, task_id, target_account, transaction_hash, timestamp, asset, side,
       size, price, title, slug, unique_key, created_at_utc
FROM activity_records
WHERE task_id = ?
ORDER BY id DESC
LIMIT ?`, taskID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	out := make([]polycopy.ActivityRecord, 0)
	for rows.Next() {
		var (
			rec     polycopy.ActivityRecord
			side    string
			created int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.TaskID, &rec.TargetAccount, &rec.TransactionHash, &rec.Timestamp,
			&rec.Asset, &side, &rec.Size, &rec.Price, &rec.Title, &rec.Slug, &rec.UniqueKey, &created,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		rec.Side = polycopy.Side(side)
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRecentOutcomes returns up to limit outcomes of taskID, newest first.
func (s *Storage) ListRecentOutcomes(ctx context.Context, taskID string, limit int) ([]polycopy.ReplicaOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.q.QueryContext(ctx, `
SELECT id, task_id, target_account, source_identity, replica_identity, amount, price,
       size, side, asset, title, slug, status, venue_status, error, created_at_utc
FROM replica_outcomes
WHERE task_id = ?
ORDER BY id DESC
LIMIT ?`, taskID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]polycopy.ReplicaOutcome, 0)
	for rows.Next() {
		var (
			o            polycopy.ReplicaOutcome
			side, status string
			created      int64
		)
		if err := rows.Scan(
			&o.ID, &o.TaskID, &o.TargetAccount, &o.SourceIdentity, &o.ReplicaIdentity, &o.Amount, &o.Price,
			&o.Size, &side, &o.Asset, &o.Title, &o.Slug, &status, &o.VenueStatus, &o.Error, &created,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Side = polycopy.Side(side)
		o.Status = polycopy.OutcomeStatus(status)
		o.CreatedAt = fromMillis(created)
		out = append(out, o)
	}
	return out, rows.Err()
}
