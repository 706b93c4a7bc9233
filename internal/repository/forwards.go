package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

const forwardColumns = `id, transaction_id, tenant_id, batch_id, status, attempts, max_attempts, last_error,
	next_attempt_at, completed_at, version, created_at, updated_at`

func scanForward(row rowScanner) (*models.Forward, error) {
	var (
		f             models.Forward
		status        string
		nextAttemptAt sql.NullTime
		completedAt   sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.TransactionID, &f.TenantID, &f.BatchID, &status, &f.Attempts, &f.MaxAttempts,
		&f.LastError, &nextAttemptAt, &completedAt, &f.Version, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = models.ForwardStatus(status)
	f.NextAttemptAt = timePtr(nextAttemptAt)
	f.CompletedAt = timePtr(completedAt)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

func (s *SQLStore) queryForwards(ctx context.Context, query string, args ...any) ([]models.Forward, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	forwards := []models.Forward{}
	for rows.Next() {
		f, err := scanForward(rows)
		if err != nil {
			return nil, fmt.Errorf("scan forward: %w", err)
		}
		forwards = append(forwards, *f)
	}
	return forwards, rows.Err()
}

// coolingDown excludes tenants whose breaker for the given service is OPEN
// with a cooldown that has not yet passed. Binds: service, now.
const coolingDown = `NOT EXISTS (SELECT 1 FROM circuit_breakers cb
		WHERE cb.service_name = ? AND cb.tenant_id = f.tenant_id
		AND cb.status = 'OPEN' AND cb.cooldown_until > ?)`

// PendingFirstAttempts returns pending forwards that have never been tried,
// oldest first. Tenants whose service breaker is still cooling down are left
// out so they cannot crowd other tenants out of the batch.
func (s *SQLStore) PendingFirstAttempts(ctx context.Context, service string, now time.Time, limit int) ([]models.Forward, error) {
	forwards, err := s.queryForwards(ctx, `SELECT `+forwardColumns+` FROM webapp_transaction_forwards f
		WHERE status = ? AND attempts = 0 AND `+coolingDown+`
		ORDER BY id LIMIT ?`, string(models.ForwardPending), service, dbTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending forwards: %w", err)
	}
	return forwards, nil
}

// DueRetries returns pending forwards with at least one failed attempt whose
// backoff has elapsed by now, and whose budget is not spent. Tenants cooling
// down are skipped as in PendingFirstAttempts.
func (s *SQLStore) DueRetries(ctx context.Context, service string, now time.Time, limit int) ([]models.Forward, error) {
	forwards, err := s.queryForwards(ctx, `SELECT `+forwardColumns+` FROM webapp_transaction_forwards f
		WHERE status = ? AND attempts > 0 AND attempts < max_attempts
		AND (next_attempt_at IS NULL OR next_attempt_at <= ?) AND `+coolingDown+`
		ORDER BY next_attempt_at, id LIMIT ?`, string(models.ForwardPending), dbTime(now), service, dbTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	return forwards, nil
}

// ForwardsForTransaction returns every forward recorded for transactionID.
func (s *SQLStore) ForwardsForTransaction(ctx context.Context, transactionID string) ([]models.Forward, error) {
	forwards, err := s.queryForwards(ctx, `SELECT `+forwardColumns+` FROM webapp_transaction_forwards
		WHERE transaction_id = ? ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list forwards for %s: %w", transactionID, err)
	}
	return forwards, nil
}

func (s *SQLStore) GetForward(ctx context.Context, id int64) (*models.Forward, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+forwardColumns+` FROM webapp_transaction_forwards WHERE id = ?`), id)
	f, err := scanForward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("forward %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get forward %d: %w", id, err)
	}
	return f, nil
}

// SaveForward writes f only if its version is unchanged since it was read.
// A false result means another worker got there first.
func (s *SQLStore) SaveForward(ctx context.Context, f *models.Forward, now time.Time) (bool, error) {
	now = dbTime(now)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE webapp_transaction_forwards
		SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, completed_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		string(f.Status), f.Attempts, f.LastError, nullTime(f.NextAttemptAt), nullTime(f.CompletedAt), now,
		f.ID, f.Version)
	if err != nil {
		return false, fmt.Errorf("save forward %d: %w", f.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	f.Version++
	f.UpdatedAt = now
	return true, nil
}

// ReleaseStaleProcessing returns forwards stuck in processing since before
// cutoff to pending, so a crashed worker does not strand them.
func (s *SQLStore) ReleaseStaleProcessing(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE webapp_transaction_forwards
		SET status = ?, version = version + 1, updated_at = ?
		WHERE status = ? AND updated_at < ?`),
		string(models.ForwardPending), dbTime(now), string(models.ForwardProcessing), dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("release stale forwards: %w", err)
	}
	return res.RowsAffected()
}

// ForwardStats is a point-in-time summary of the forwarding queue.
type ForwardStats struct {
	Pending         int
	Processing      int
	Completed       int
	Failed          int
	StalePending    int
	Undelivered     int
	OldestPendingAt *time.Time
}

// ForwardStats counts forwards by status. Pending forwards created before
// staleBefore are also counted as stale. Transactions with a failed forward
// and no completed one count as undelivered.
func (s *SQLStore) ForwardStats(ctx context.Context, staleBefore time.Time) (*ForwardStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webapp_transaction_forwards GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count forwards: %w", err)
	}
	stats := &ForwardStats{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan forward counts: %w", err)
		}
		switch models.ForwardStatus(status) {
		case models.ForwardPending:
			stats.Pending = n
		case models.ForwardProcessing:
			stats.Processing = n
		case models.ForwardCompleted:
			stats.Completed = n
		case models.ForwardFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM webapp_transaction_forwards
		WHERE status = ? AND created_at < ?`), string(models.ForwardPending), dbTime(staleBefore)).
		Scan(&stats.StalePending); err != nil {
		return nil, fmt.Errorf("count stale forwards: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM transactions t
		WHERE EXISTS (SELECT 1 FROM webapp_transaction_forwards f
			WHERE f.transaction_id = t.transaction_id AND f.status = ?)
		AND NOT EXISTS (SELECT 1 FROM webapp_transaction_forwards f
			WHERE f.transaction_id = t.transaction_id AND f.status = ?)`),
		string(models.ForwardFailed), string(models.ForwardCompleted)).
		Scan(&stats.Undelivered); err != nil {
		return nil, fmt.Errorf("count undelivered transactions: %w", err)
	}

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT created_at FROM webapp_transaction_forwards
		WHERE status = ? ORDER BY created_at, id LIMIT 1`), string(models.ForwardPending)).
		Scan(&oldest); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find oldest pending forward: %w", err)
	}
	stats.OldestPendingAt = timePtr(oldest)
	return stats, nil
}

// DeleteCompletedBefore removes completed forwards finished before cutoff.
func (s *SQLStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM webapp_transaction_forwards
		WHERE status = ? AND completed_at < ?`), string(models.ForwardCompleted), dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete completed forwards: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExhaustedBefore removes failed forwards that spent their retry budget
// and were last touched before cutoff.
func (s *SQLStore) DeleteExhaustedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM webapp_transaction_forwards
		WHERE status = ? AND attempts >= max_attempts AND updated_at < ?`),
		string(models.ForwardFailed), dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete exhausted forwards: %w", err)
	}
	return res.RowsAffected()
}
