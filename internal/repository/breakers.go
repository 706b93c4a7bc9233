package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

const breakerColumns = `id, service_name, tenant_id, status, failure_count, last_failure_at, cooldown_until, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBreaker(row rowScanner) (*models.CircuitBreaker, error) {
	var (
		cb            models.CircuitBreaker
		status        string
		lastFailureAt sql.NullTime
		cooldownUntil sql.NullTime
	)
	if err := row.Scan(&cb.ID, &cb.ServiceName, &cb.TenantID, &status, &cb.FailureCount,
		&lastFailureAt, &cooldownUntil, &cb.Version, &cb.CreatedAt, &cb.UpdatedAt); err != nil {
		return nil, err
	}
	cb.Status = models.BreakerStatus(status)
	cb.LastFailureAt = timePtr(lastFailureAt)
	cb.CooldownUntil = timePtr(cooldownUntil)
	cb.CreatedAt = cb.CreatedAt.UTC()
	cb.UpdatedAt = cb.UpdatedAt.UTC()
	return &cb, nil
}

func (s *SQLStore) ListBreakers(ctx context.Context, tenantID *int64) ([]models.CircuitBreaker, error) {
	query := `SELECT ` + breakerColumns + ` FROM circuit_breakers`
	var args []any
	if tenantID != nil {
		query += ` WHERE tenant_id = ?`
		args = append(args, *tenantID)
	}
	query += ` ORDER BY tenant_id, service_name`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list circuit breakers: %w", err)
	}
	defer rows.Close()

	breakers := []models.CircuitBreaker{}
	for rows.Next() {
		cb, err := scanBreaker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan circuit breaker: %w", err)
		}
		breakers = append(breakers, *cb)
	}
	return breakers, rows.Err()
}

func (s *SQLStore) GetBreaker(ctx context.Context, id int64) (*models.CircuitBreaker, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+breakerColumns+` FROM circuit_breakers WHERE id = ?`), id)
	cb, err := scanBreaker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("circuit breaker %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get circuit breaker %d: %w", id, err)
	}
	return cb, nil
}

func (s *SQLStore) FindBreaker(ctx context.Context, service string, tenantID int64) (*models.CircuitBreaker, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+breakerColumns+` FROM circuit_breakers WHERE service_name = ? AND tenant_id = ?`),
		service, tenantID)
	cb, err := scanBreaker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("circuit breaker %s/%d: %w", service, tenantID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find circuit breaker %s/%d: %w", service, tenantID, err)
	}
	return cb, nil
}

// EnsureBreaker returns the breaker for (service, tenant), creating a CLOSED
// one if none exists. Concurrent creators converge on the same row.
func (s *SQLStore) EnsureBreaker(ctx context.Context, service string, tenantID int64, now time.Time) (*models.CircuitBreaker, error) {
	now = dbTime(now)
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO circuit_breakers
		(service_name, tenant_id, status, failure_count, version, created_at, updated_at)
		VALUES (?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT (service_name, tenant_id) DO NOTHING`),
		service, tenantID, string(models.BreakerClosed), now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure circuit breaker %s/%d: %w", service, tenantID, err)
	}
	return s.FindBreaker(ctx, service, tenantID)
}

// SaveBreaker writes cb only if its version is unchanged since it was read.
func (s *SQLStore) SaveBreaker(ctx context.Context, cb *models.CircuitBreaker, now time.Time) (bool, error) {
	now = dbTime(now)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE circuit_breakers
		SET status = ?, failure_count = ?, last_failure_at = ?, cooldown_until = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		string(cb.Status), cb.FailureCount, nullTime(cb.LastFailureAt), nullTime(cb.CooldownUntil), now,
		cb.ID, cb.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	cb.Version++
	cb.UpdatedAt = now
	return true, nil
}

// CountOpenBreakers counts breakers currently refusing calls.
func (s *SQLStore) CountOpenBreakers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM circuit_breakers WHERE status = ?`),
		string(models.BreakerOpen)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open circuit breakers: %w", err)
	}
	return n, nil
}
