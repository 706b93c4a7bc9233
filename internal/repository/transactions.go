package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

// QueueResult reports what QueueTransactions wrote.
type QueueResult struct {
	Forwards   []models.Forward
	Duplicates []string
}

// QueueTransactions stores accepted transactions and a pending forward for
// each, all in one database transaction. Transactions whose id is already
// stored are skipped and reported as duplicates.
func (s *SQLStore) QueueTransactions(ctx context.Context, records []models.StoredTransaction, batchID string, maxAttempts int, now time.Time) (*QueueResult, error) {
	now = dbTime(now)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin queue transaction: %w", err)
	}
	defer tx.Rollback()

	insertTx := s.rebind(`INSERT INTO transactions
		(transaction_id, submission_uuid, tenant_id, terminal_id, gross_sales, net_sales, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING`)
	insertForward := s.rebind(`INSERT INTO webapp_transaction_forwards
		(transaction_id, tenant_id, batch_id, status, attempts, max_attempts, last_error, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, '', 1, ?, ?)
		RETURNING id`)

	result := &QueueResult{}
	for _, rec := range records {
		res, err := tx.ExecContext(ctx, insertTx,
			rec.TransactionID, rec.SubmissionUUID, rec.TenantID, rec.TerminalID,
			rec.GrossSales.StringFixed(2), rec.NetSales.StringFixed(2), string(rec.Payload), now)
		if err != nil {
			return nil, fmt.Errorf("insert transaction %s: %w", rec.TransactionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			result.Duplicates = append(result.Duplicates, rec.TransactionID)
			continue
		}

		fwd := models.Forward{
			TransactionID: rec.TransactionID,
			TenantID:      rec.TenantID,
			BatchID:       batchID,
			Status:        models.ForwardPending,
			MaxAttempts:   maxAttempts,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.QueryRowContext(ctx, insertForward,
			fwd.TransactionID, fwd.TenantID, fwd.BatchID, string(fwd.Status), fwd.MaxAttempts, now, now,
		).Scan(&fwd.ID); err != nil {
			return nil, fmt.Errorf("insert forward for %s: %w", rec.TransactionID, err)
		}
		result.Forwards = append(result.Forwards, fwd)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit queue transaction: %w", err)
	}
	return result, nil
}

func (s *SQLStore) GetTransaction(ctx context.Context, transactionID string) (*models.StoredTransaction, error) {
	var (
		rec     models.StoredTransaction
		gross   decimal.Decimal
		net     decimal.Decimal
		payload string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT transaction_id, submission_uuid, tenant_id, terminal_id,
		gross_sales, net_sales, payload, created_at
		FROM transactions WHERE transaction_id = ?`), transactionID).
		Scan(&rec.TransactionID, &rec.SubmissionUUID, &rec.TenantID, &rec.TerminalID, &gross, &net, &payload, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", transactionID, err)
	}
	rec.GrossSales = gross
	rec.NetSales = net
	rec.Payload = []byte(payload)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
