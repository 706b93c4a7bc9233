package breaker

import (
	"context"
	"fmt"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/metrics"
)

// Evaluation is the observer's view of one tenant's recent failure ratio.
type Evaluation struct {
	TenantID      int64   `json:"tenant_id"`
	Eligible      bool    `json:"eligible"`
	OverThreshold bool    `json:"over_threshold"`
	Attempts      int64   `json:"attempts"`
	Failures      int64   `json:"failures"`
	FailureRatio  float64 `json:"failure_ratio"`
	MinRequests   int     `json:"min_requests"`
	Threshold     float64 `json:"failure_ratio_threshold"`
	WindowMinutes int     `json:"time_window_minutes"`
}

// Observer gathers per-tenant failure ratios over a sliding window. It only
// reports; it never blocks calls itself. Counter errors are logged and
// swallowed so that observation can never break the forwarding flow.
type Observer struct {
	cfg     config.ObservationConfig
	counter Counter
	logger  pslog.Logger
}

func NewObserver(cfg config.ObservationConfig, counter Counter, logger pslog.Logger) *Observer {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Observer{cfg: cfg, counter: counter, logger: logger}
}

// Enabled reports whether observation is switched on.
func (o *Observer) Enabled() bool {
	return o != nil && o.cfg.Enabled && o.counter != nil
}

func attemptsKey(tenantID int64) string {
	return fmt.Sprintf("tenant_breaker:%d:attempts", tenantID)
}

func failuresKey(tenantID int64) string {
	return fmt.Sprintf("tenant_breaker:%d:failures", tenantID)
}

// RecordAttempt counts one forward attempt for tenantID.
func (o *Observer) RecordAttempt(ctx context.Context, tenantID int64) {
	o.increment(ctx, attemptsKey(tenantID))
}

// RecordRetryableFailure counts one transient forward failure for tenantID.
func (o *Observer) RecordRetryableFailure(ctx context.Context, tenantID int64) {
	o.increment(ctx, failuresKey(tenantID))
}

func (o *Observer) increment(ctx context.Context, key string) {
	if !o.Enabled() {
		return
	}
	if _, err := o.counter.Increment(ctx, key, o.cfg.Window()); err != nil {
		o.logger.Warn("tenant_breaker.observe.increment_failed", "key", key, "error", err)
	}
}

// Evaluate returns nil when observation is disabled or the counters cannot
// be read.
func (o *Observer) Evaluate(ctx context.Context, tenantID int64) *Evaluation {
	if !o.Enabled() {
		return nil
	}
	attempts, err := o.counter.Count(ctx, attemptsKey(tenantID))
	if err != nil {
		o.logger.Warn("tenant_breaker.evaluate.read_failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	failures, err := o.counter.Count(ctx, failuresKey(tenantID))
	if err != nil {
		o.logger.Warn("tenant_breaker.evaluate.read_failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	// Each key opens its own window on first increment, so the attempts key
	// can roll over while failures from the previous window are still live.
	failures = min(failures, attempts)
	eval := &Evaluation{
		TenantID:      tenantID,
		Attempts:      attempts,
		Failures:      failures,
		MinRequests:   o.cfg.MinRequests,
		Threshold:     o.cfg.FailureRatioThreshold,
		WindowMinutes: o.cfg.TimeWindowMinutes,
	}
	if attempts < int64(o.cfg.MinRequests) || attempts == 0 {
		return eval
	}
	eval.Eligible = true
	eval.FailureRatio = float64(failures) / float64(attempts)
	eval.OverThreshold = eval.FailureRatio >= o.cfg.FailureRatioThreshold
	if eval.OverThreshold {
		metrics.ObserverOverThresholdTotal.Inc()
	}
	return eval
}
