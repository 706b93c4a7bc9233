package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/breaker"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/clock"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/metrics"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/repository"
)

const (
	JobDispatch = "dispatch"
	JobRetry    = "retry"
	JobHealth   = "health"
	JobCleanup  = "cleanup"
)

// jobLockTTL bounds how long a crashed job can keep others out.
const jobLockTTL = 30 * time.Minute

// releaseTimeout bounds handing a claim back after the run was cancelled.
const releaseTimeout = 5 * time.Second

// forwardSource identifies this service in forwarded payloads.
const forwardSource = "tsms"

// ForwardStore is the persistence the engine needs.
type ForwardStore interface {
	PendingFirstAttempts(ctx context.Context, service string, now time.Time, limit int) ([]models.Forward, error)
	DueRetries(ctx context.Context, service string, now time.Time, limit int) ([]models.Forward, error)
	GetTransaction(ctx context.Context, transactionID string) (*models.StoredTransaction, error)
	SaveForward(ctx context.Context, f *models.Forward, now time.Time) (bool, error)
	ReleaseStaleProcessing(ctx context.Context, cutoff, now time.Time) (int64, error)
	ForwardStats(ctx context.Context, staleBefore time.Time) (*repository.ForwardStats, error)
	CountOpenBreakers(ctx context.Context) (int, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExhaustedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deliverer sends one transaction downstream.
type Deliverer interface {
	Forward(ctx context.Context, payload models.ForwardedTransaction) error
}

type EngineDeps struct {
	Store     ForwardStore
	Deliverer Deliverer
	Breakers  *breaker.StateStore
	Observer  *breaker.Observer
	Locker    Locker
	Events    EventLog
	Clock     clock.Clock
	Logger    pslog.Logger

	Forwarding config.ForwardingConfig
	Health     config.HealthConfig
}

// Engine dispatches pending forwards, retries failed ones with backoff and
// reports on the forwarding queue.
type Engine struct {
	store     ForwardStore
	deliverer Deliverer
	breakers  *breaker.StateStore
	observer  *breaker.Observer
	locker    Locker
	events    EventLog
	clock     clock.Clock
	logger    pslog.Logger
	cfg       config.ForwardingConfig
	health    config.HealthConfig
}

func NewEngine(deps EngineDeps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = pslog.NoopLogger()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Events == nil {
		deps.Events = NewMemoryEventLog(deps.Logger)
	}
	if deps.Forwarding.BatchSize <= 0 {
		deps.Forwarding.BatchSize = 50
	}
	return &Engine{
		store:     deps.Store,
		deliverer: deps.Deliverer,
		breakers:  deps.Breakers,
		observer:  deps.Observer,
		locker:    deps.Locker,
		events:    deps.Events,
		clock:     deps.Clock,
		logger:    deps.Logger,
		cfg:       deps.Forwarding,
		health:    deps.Health,
	}
}

// RunSummary counts what one dispatch or retry run did.
type RunSummary struct {
	Job                string `json:"job"`
	Considered         int    `json:"considered"`
	Completed          int    `json:"completed"`
	Retrying           int    `json:"retrying"`
	Failed             int    `json:"failed"`
	SkippedCircuitOpen int    `json:"skipped_circuit_open"`
	Conflicts          int    `json:"conflicts"`
	Recovered          int64  `json:"recovered"`
}

// DispatchPending attempts every pending forward that has never been tried.
func (e *Engine) DispatchPending(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{Job: JobDispatch}
	err := e.withLock(ctx, JobDispatch, func() error {
		forwards, err := e.store.PendingFirstAttempts(ctx, e.cfg.ServiceName, e.clock.Now(), e.cfg.BatchSize)
		if err != nil {
			return err
		}
		return e.process(ctx, forwards, summary)
	})
	return summary, err
}

// RetryFailed returns stale processing forwards to pending, then retries
// pending forwards whose backoff has elapsed.
func (e *Engine) RetryFailed(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{Job: JobRetry}
	err := e.withLock(ctx, JobRetry, func() error {
		now := e.clock.Now()
		if e.cfg.StaleProcessingAfter > 0 {
			recovered, err := e.store.ReleaseStaleProcessing(ctx, now.Add(-e.cfg.StaleProcessingAfter), now)
			if err != nil {
				return err
			}
			summary.Recovered = recovered
			if recovered > 0 {
				e.logger.Warn("forward.stale_processing_released", "count", recovered)
			}
		}
		forwards, err := e.store.DueRetries(ctx, e.cfg.ServiceName, now, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		return e.process(ctx, forwards, summary)
	})
	return summary, err
}

func (e *Engine) withLock(ctx context.Context, job string, run func() error) error {
	release, err := e.locker.TryLock(ctx, job, jobLockTTL)
	if errors.Is(err, repository.ErrLockHeld) {
		metrics.JobRunsTotal.WithLabelValues(job, "skipped").Inc()
		return ErrJobRunning
	}
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(job, "error").Inc()
		return fmt.Errorf("%s: %w", job, err)
	}
	defer release()

	if err := run(); err != nil {
		metrics.JobRunsTotal.WithLabelValues(job, "error").Inc()
		return fmt.Errorf("%s: %w", job, err)
	}
	metrics.JobRunsTotal.WithLabelValues(job, "ok").Inc()
	return nil
}

func (e *Engine) process(ctx context.Context, forwards []models.Forward, summary *RunSummary) error {
	for i := range forwards {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary.Considered++
		if err := e.attempt(ctx, &forwards[i], summary); err != nil {
			return err
		}
	}
	e.logger.Info("forward.run_completed",
		"job", summary.Job,
		"considered", summary.Considered,
		"completed", summary.Completed,
		"retrying", summary.Retrying,
		"failed", summary.Failed,
		"skipped_circuit_open", summary.SkippedCircuitOpen,
	)
	return nil
}

// attempt runs one delivery for f. Only infrastructure errors are returned;
// delivery failures are recorded on the forward.
func (e *Engine) attempt(ctx context.Context, f *models.Forward, summary *RunSummary) error {
	service := e.cfg.ServiceName

	permitted, err := e.breakers.IsCallPermitted(ctx, service, f.TenantID)
	if err != nil {
		return fmt.Errorf("check circuit breaker for tenant %d: %w", f.TenantID, err)
	}
	if !permitted {
		summary.SkippedCircuitOpen++
		metrics.ForwardAttemptsTotal.WithLabelValues("circuit_open").Inc()
		e.logger.Debug("forward.skipped", "forward_id", f.ID, "error", &CircuitOpenError{Service: service, TenantID: f.TenantID})
		return nil
	}

	now := e.clock.Now()
	f.Status = models.ForwardProcessing
	claimed, err := e.store.SaveForward(ctx, f, now)
	if err != nil {
		return err
	}
	if !claimed {
		summary.Conflicts++
		return nil
	}

	tx, err := e.store.GetTransaction(ctx, f.TransactionID)
	if errors.Is(err, models.ErrNotFound) {
		f.Attempts++
		e.fail(ctx, f, "transaction record missing", summary)
		return nil
	}
	if err != nil {
		e.release(ctx, f)
		return err
	}

	f.Attempts++
	e.observer.RecordAttempt(ctx, f.TenantID)
	started := time.Now()
	deliverErr := e.deliverer.Forward(ctx, models.ForwardedTransaction{
		Source:         forwardSource,
		BatchID:        f.BatchID,
		TransactionID:  tx.TransactionID,
		SubmissionUUID: tx.SubmissionUUID,
		TenantID:       tx.TenantID,
		TerminalID:     tx.TerminalID,
		Attempt:        f.Attempts,
		Transaction:    tx.Payload,
	})
	metrics.ForwardAttemptDuration.Observe(time.Since(started).Seconds())

	if deliverErr == nil {
		e.complete(ctx, f, summary)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Cancelled mid-delivery: not the tenant's failure, and not charged.
		f.Attempts--
		e.release(ctx, f)
		return ctxErr
	}

	var retryable *RetryableForwardError
	isRetryable := errors.As(deliverErr, &retryable)
	if isRetryable {
		e.observer.RecordRetryableFailure(ctx, f.TenantID)
	}
	if _, err := e.breakers.RecordFailure(ctx, service, f.TenantID); err != nil {
		e.logger.Error("circuit_breaker.record_failure_failed", "tenant_id", f.TenantID, "error", err)
	}
	if eval := e.observer.Evaluate(ctx, f.TenantID); eval != nil && eval.OverThreshold {
		e.logger.Warn("tenant_breaker.over_threshold",
			"tenant_id", f.TenantID,
			"failure_ratio", eval.FailureRatio,
			"attempts", eval.Attempts,
			"failures", eval.Failures,
		)
	}

	if !isRetryable || f.Exhausted() {
		e.fail(ctx, f, deliverErr.Error(), summary)
		return nil
	}
	e.reschedule(ctx, f, deliverErr.Error(), summary)
	return nil
}

func (e *Engine) complete(ctx context.Context, f *models.Forward, summary *RunSummary) {
	now := e.clock.Now()
	f.Status = models.ForwardCompleted
	f.LastError = ""
	f.NextAttemptAt = nil
	f.CompletedAt = &now
	e.save(ctx, f, now)
	summary.Completed++
	metrics.ForwardAttemptsTotal.WithLabelValues("completed").Inc()

	if err := e.breakers.RecordSuccess(ctx, e.cfg.ServiceName, f.TenantID); err != nil {
		e.logger.Error("circuit_breaker.record_success_failed", "tenant_id", f.TenantID, "error", err)
	}
	e.logger.Debug("forward.completed", "forward_id", f.ID, "transaction_id", f.TransactionID, "attempts", f.Attempts)
}

func (e *Engine) reschedule(ctx context.Context, f *models.Forward, reason string, summary *RunSummary) {
	now := e.clock.Now()
	next := now.Add(e.backoff(f.Attempts))
	f.Status = models.ForwardPending
	f.LastError = reason
	f.NextAttemptAt = &next
	e.save(ctx, f, now)
	summary.Retrying++
	metrics.ForwardAttemptsTotal.WithLabelValues("retry").Inc()
	e.logger.Info("forward.retry_scheduled",
		"forward_id", f.ID,
		"tenant_id", f.TenantID,
		"attempts", f.Attempts,
		"max_attempts", f.MaxAttempts,
		"next_attempt_at", next,
		"error", reason,
	)
}

func (e *Engine) fail(ctx context.Context, f *models.Forward, reason string, summary *RunSummary) {
	now := e.clock.Now()
	f.Status = models.ForwardFailed
	f.LastError = reason
	f.NextAttemptAt = nil
	e.save(ctx, f, now)
	summary.Failed++
	metrics.ForwardAttemptsTotal.WithLabelValues("failed").Inc()

	failure := &PermanentForwardFailure{
		ForwardID:     f.ID,
		TransactionID: f.TransactionID,
		Attempts:      f.Attempts,
		LastError:     reason,
	}
	e.logger.Error("forward.failed", "forward_id", f.ID, "tenant_id", f.TenantID, "error", failure)
	e.events.Publish(ctx, Event{
		Type:          EventForwardPermanentlyFailed,
		ForwardID:     f.ID,
		TransactionID: f.TransactionID,
		TenantID:      f.TenantID,
		BatchID:       f.BatchID,
		Attempts:      f.Attempts,
		LastError:     reason,
		OccurredAt:    now,
	})
}

// release hands a claimed forward back to the queue. It uses a detached
// context so a cancelled run still leaves the row pending.
func (e *Engine) release(ctx context.Context, f *models.Forward) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	f.Status = models.ForwardPending
	e.save(saveCtx, f, e.clock.Now())
	e.logger.Warn("forward.released", "forward_id", f.ID, "tenant_id", f.TenantID, "attempts", f.Attempts)
}

func (e *Engine) save(ctx context.Context, f *models.Forward, now time.Time) {
	ok, err := e.store.SaveForward(ctx, f, now)
	if err != nil {
		e.logger.Error("forward.save_failed", "forward_id", f.ID, "status", string(f.Status), "error", err)
		return
	}
	if !ok {
		e.logger.Warn("forward.save_conflict", "forward_id", f.ID, "status", string(f.Status))
	}
}

// backoff doubles from BackoffBase per failed attempt, capped at BackoffMax.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.cfg.BackoffBase
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempts; i++ {
		d *= 2
		if e.cfg.BackoffMax > 0 && d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if e.cfg.BackoffMax > 0 && d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}
