package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/metrics"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

const (
	HealthOK      = "healthy"
	HealthWarning = "warning"
)

// HealthReport summarises the forwarding queue.
type HealthReport struct {
	Status              string     `json:"status"`
	Pending             int        `json:"pending"`
	Processing          int        `json:"processing"`
	Completed           int        `json:"completed"`
	Failed              int        `json:"failed"`
	StalePending        int        `json:"stale_pending"`
	Unforwarded         int        `json:"unforwarded"`
	OpenCircuitBreakers int        `json:"open_circuit_breakers"`
	OldestPendingAt     *time.Time `json:"oldest_pending_at,omitempty"`
	Warnings            []string   `json:"warnings"`
	CheckedAt           time.Time  `json:"checked_at"`
}

// HealthSnapshot runs the health job: a Snapshot taken under the job lock.
func (e *Engine) HealthSnapshot(ctx context.Context) (*HealthReport, error) {
	var report *HealthReport
	err := e.withLock(ctx, JobHealth, func() error {
		var err error
		report, err = e.Snapshot(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Snapshot counts forwards, stale pending work and open breakers and raises
// warnings when configured thresholds are crossed.
func (e *Engine) Snapshot(ctx context.Context) (*HealthReport, error) {
	now := e.clock.Now()
	stats, err := e.store.ForwardStats(ctx, now.Add(-e.health.StalePendingAfter))
	if err != nil {
		return nil, err
	}
	open, err := e.store.CountOpenBreakers(ctx)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{
		Status:              HealthOK,
		Pending:             stats.Pending,
		Processing:          stats.Processing,
		Completed:           stats.Completed,
		Failed:              stats.Failed,
		StalePending:        stats.StalePending,
		Unforwarded:         stats.Pending + stats.Processing + stats.Undelivered,
		OpenCircuitBreakers: open,
		OldestPendingAt:     stats.OldestPendingAt,
		Warnings:            []string{},
		CheckedAt:           now,
	}
	if e.health.FailedForwardsWarning > 0 && stats.Failed > e.health.FailedForwardsWarning {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s failed forwards exceed the warning threshold of %s",
			humanize.Comma(int64(stats.Failed)), humanize.Comma(int64(e.health.FailedForwardsWarning))))
	}
	if stats.StalePending > 0 {
		msg := fmt.Sprintf("%s pending forwards are older than %s", humanize.Comma(int64(stats.StalePending)), e.health.StalePendingAfter)
		if stats.OldestPendingAt != nil {
			msg += fmt.Sprintf("; oldest queued %s", humanize.RelTime(*stats.OldestPendingAt, now, "ago", "from now"))
		}
		report.Warnings = append(report.Warnings, msg)
	}
	if open > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d circuit breakers are open", open))
	}
	if len(report.Warnings) > 0 {
		report.Status = HealthWarning
	}

	metrics.ForwardsByStatus.WithLabelValues(string(models.ForwardPending)).Set(float64(stats.Pending))
	metrics.ForwardsByStatus.WithLabelValues(string(models.ForwardProcessing)).Set(float64(stats.Processing))
	metrics.ForwardsByStatus.WithLabelValues(string(models.ForwardCompleted)).Set(float64(stats.Completed))
	metrics.ForwardsByStatus.WithLabelValues(string(models.ForwardFailed)).Set(float64(stats.Failed))
	metrics.OpenBreakers.Set(float64(open))

	if report.Status == HealthWarning {
		e.logger.Warn("forwarding.health", "warnings", report.Warnings, "pending", stats.Pending, "failed", stats.Failed)
	} else {
		e.logger.Debug("forwarding.health", "pending", stats.Pending, "failed", stats.Failed)
	}
	return report, nil
}

// CleanupResult reports rows removed by Cleanup.
type CleanupResult struct {
	Skipped          bool  `json:"skipped"`
	CompletedDeleted int64 `json:"completed_deleted"`
	FailedDeleted    int64 `json:"failed_deleted"`
}

// Cleanup deletes completed forwards older than CleanupCompletedAfterDays
// and exhausted failed forwards older than CleanupFailedAfterDays. Nothing
// is deleted unless auto-cleanup is enabled.
func (e *Engine) Cleanup(ctx context.Context, retention config.PerformanceConfig) (*CleanupResult, error) {
	result := &CleanupResult{}
	if !retention.EnableAutoCleanup {
		result.Skipped = true
		e.logger.Info("forwarding.cleanup.disabled")
		return result, nil
	}
	err := e.withLock(ctx, JobCleanup, func() error {
		now := e.clock.Now()
		var err error
		if retention.CleanupCompletedAfterDays > 0 {
			cutoff := now.AddDate(0, 0, -retention.CleanupCompletedAfterDays)
			if result.CompletedDeleted, err = e.store.DeleteCompletedBefore(ctx, cutoff); err != nil {
				return err
			}
		}
		if retention.CleanupFailedAfterDays > 0 {
			cutoff := now.AddDate(0, 0, -retention.CleanupFailedAfterDays)
			if result.FailedDeleted, err = e.store.DeleteExhaustedBefore(ctx, cutoff); err != nil {
				return err
			}
		}
		e.logger.Info("forwarding.cleanup",
			"completed_deleted", humanize.Comma(result.CompletedDeleted),
			"failed_deleted", humanize.Comma(result.FailedDeleted),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
