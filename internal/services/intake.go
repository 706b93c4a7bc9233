package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/clock"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/metrics"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/repository"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/validation"
)

// TransactionStore persists accepted transactions with their forwards.
type TransactionStore interface {
	QueueTransactions(ctx context.Context, records []models.StoredTransaction, batchID string, maxAttempts int, now time.Time) (*repository.QueueResult, error)
	GetTransaction(ctx context.Context, transactionID string) (*models.StoredTransaction, error)
	ForwardsForTransaction(ctx context.Context, transactionID string) ([]models.Forward, error)
}

// IntakeService validates submissions and queues them for forwarding.
type IntakeService struct {
	validator   *validation.Validator
	store       TransactionStore
	maxAttempts int
	clock       clock.Clock
	logger      pslog.Logger
}

func NewIntakeService(validator *validation.Validator, store TransactionStore, maxAttempts int, c clock.Clock, logger pslog.Logger) *IntakeService {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &IntakeService{validator: validator, store: store, maxAttempts: maxAttempts, clock: c, logger: logger}
}

// IntakeResult describes an accepted submission.
type IntakeResult struct {
	SubmissionUUID string           `json:"submission_uuid"`
	BatchID        string           `json:"batch_id"`
	Accepted       int              `json:"accepted"`
	Duplicates     []string         `json:"duplicates"`
	Forwards       []models.Forward `json:"forwards"`
}

// Submit validates raw and, when it passes, stores every transaction with a
// pending forward (attempts 0). A rejected submission returns
// validation.Errors and stores nothing.
func (s *IntakeService) Submit(ctx context.Context, raw []byte) (*IntakeResult, error) {
	sub, err := s.validator.Validate(raw)
	var issues validation.Errors
	if errors.As(err, &issues) {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		for _, issue := range issues {
			metrics.ValidationIssuesTotal.WithLabelValues(string(issue.Kind)).Inc()
		}
		s.logger.Info("submission.rejected", "issues", len(issues), "fields", issues.FieldNames())
		return nil, issues
	}
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	now := s.clock.Now()
	items := sub.Items()
	records := make([]models.StoredTransaction, 0, len(items))
	for _, tx := range items {
		records = append(records, models.StoredTransaction{
			TransactionID:  tx.TransactionID,
			SubmissionUUID: sub.SubmissionUUID,
			TenantID:       sub.TenantID,
			TerminalID:     sub.TerminalID,
			GrossSales:     models.AmountOrZero(tx.GrossSales),
			NetSales:       models.AmountOrZero(tx.NetSales),
			Payload:        tx.Raw,
			CreatedAt:      now,
		})
	}

	batchID := xid.New().String()
	queued, err := s.store.QueueTransactions(ctx, records, batchID, s.maxAttempts, now)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("queue submission %s: %w", sub.SubmissionUUID, err)
	}

	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	metrics.TransactionsQueuedTotal.Add(float64(len(queued.Forwards)))
	s.logger.Info("submission.accepted",
		"submission_uuid", sub.SubmissionUUID,
		"tenant_id", sub.TenantID,
		"terminal_id", sub.TerminalID,
		"batch_id", batchID,
		"queued", len(queued.Forwards),
		"duplicates", len(queued.Duplicates),
	)

	duplicates := queued.Duplicates
	if duplicates == nil {
		duplicates = []string{}
	}
	return &IntakeResult{
		SubmissionUUID: sub.SubmissionUUID,
		BatchID:        batchID,
		Accepted:       len(queued.Forwards),
		Duplicates:     duplicates,
		Forwards:       queued.Forwards,
	}, nil
}

// TransactionStatus is a stored transaction with its forwarding history.
type TransactionStatus struct {
	Transaction *models.StoredTransaction `json:"transaction"`
	Forwards    []models.Forward          `json:"forwards"`
}

// Lookup returns a stored transaction and its forwards. Unknown ids return
// models.ErrNotFound.
func (s *IntakeService) Lookup(ctx context.Context, transactionID string) (*TransactionStatus, error) {
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	forwards, err := s.store.ForwardsForTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &TransactionStatus{Transaction: tx, Forwards: forwards}, nil
}
