package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/breaker"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/clock"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/repository"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/testutil"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/validation"
)

const testService = "webapp_forwarding"

var start = time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	store    *repository.SQLStore
	clock    *clock.Manual
	breakers *breaker.StateStore
	events   *MemoryEventLog
	engine   *Engine
	intake   *IntakeService
	hits     atomic.Int32
	status   atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := repository.Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := &harness{store: store, clock: clock.NewManual(start)}
	h.status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		w.WriteHeader(int(h.status.Load()))
	}))
	t.Cleanup(server.Close)

	fwdCfg := config.ForwardingConfig{
		Endpoint:             server.URL,
		ServiceName:          testService,
		Timeout:              2 * time.Second,
		MaxAttempts:          3,
		BatchSize:            50,
		BackoffBase:          time.Minute,
		BackoffMax:           time.Hour,
		StaleProcessingAfter: 30 * time.Minute,
	}
	h.breakers = breaker.NewStateStore(store, breaker.Options{Threshold: 5, Cooldown: 5 * time.Minute, Clock: h.clock})
	h.events = NewMemoryEventLog(pslog.NoopLogger())
	h.engine = NewEngine(EngineDeps{
		Store:      store,
		Deliverer:  NewForwarder(fwdCfg, nil),
		Breakers:   h.breakers,
		Events:     h.events,
		Clock:      h.clock,
		Forwarding: fwdCfg,
		Health:     config.HealthConfig{FailedForwardsWarning: 50, StalePendingAfter: time.Hour},
	})
	h.intake = NewIntakeService(validation.NewValidator(validation.DefaultRules()), store, fwdCfg.MaxAttempts, h.clock, nil)
	return h
}

func (h *harness) submit(t *testing.T, tenantID int64, txs ...testutil.TransactionFixture) *IntakeResult {
	t.Helper()
	res, err := h.intake.Submit(context.Background(), testutil.BatchSubmission(tenantID, txs...).JSON())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func (h *harness) forward(t *testing.T, id int64) *models.Forward {
	t.Helper()
	f, err := h.store.GetForward(context.Background(), id)
	if err != nil {
		t.Fatalf("get forward: %v", err)
	}
	return f
}

func TestDispatchCompletesForward(t *testing.T) {
	h := newHarness(t)
	res := h.submit(t, 1, testutil.ValidTransaction())

	summary, err := h.engine.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Considered != 1 || summary.Completed != 1 {
		t.Fatalf("expected one completed forward, got %+v", summary)
	}
	f := h.forward(t, res.Forwards[0].ID)
	if f.Status != models.ForwardCompleted || f.Attempts != 1 || f.CompletedAt == nil || !f.CompletedAt.Equal(start) {
		t.Fatalf("unexpected forward after success %+v", f)
	}

	again, err := h.engine.DispatchPending(context.Background())
	if err != nil || again.Considered != 0 {
		t.Fatalf("expected nothing left to dispatch, got %+v %v", again, err)
	}
	if h.hits.Load() != 1 {
		t.Fatalf("expected one downstream call, got %d", h.hits.Load())
	}
}

func TestFailedAttemptIsRescheduledWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.status.Store(http.StatusServiceUnavailable)
	res := h.submit(t, 1, testutil.ValidTransaction())

	summary, err := h.engine.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Retrying != 1 {
		t.Fatalf("expected a retry, got %+v", summary)
	}
	f := h.forward(t, res.Forwards[0].ID)
	if f.Status != models.ForwardPending || f.Attempts != 1 {
		t.Fatalf("expected pending after first failure, got %+v", f)
	}
	if f.NextAttemptAt == nil || !f.NextAttemptAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected next attempt after 1m, got %v", f.NextAttemptAt)
	}
	if f.LastError != "webapp returned HTTP 503" {
		t.Fatalf("unexpected last error %q", f.LastError)
	}

	summary, _ = h.engine.RetryFailed(context.Background())
	if summary.Considered != 0 {
		t.Fatalf("expected no retry before backoff elapsed, got %+v", summary)
	}

	h.clock.Advance(time.Minute)
	h.status.Store(http.StatusOK)
	summary, err = h.engine.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("expected retry to complete, got %+v", summary)
	}
	if f := h.forward(t, res.Forwards[0].ID); f.Status != models.ForwardCompleted || f.Attempts != 2 || f.LastError != "" {
		t.Fatalf("unexpected forward after retry %+v", f)
	}
}

func TestRetryExhaustionIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.status.Store(http.StatusBadGateway)
	res := h.submit(t, 1, testutil.ValidTransaction())
	id := res.Forwards[0].ID

	if _, err := h.engine.DispatchPending(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.clock.Advance(time.Minute)
	if _, err := h.engine.RetryFailed(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	f := h.forward(t, id)
	if f.Attempts != f.MaxAttempts-1 || f.Status != models.ForwardPending {
		t.Fatalf("expected one attempt left, got %+v", f)
	}

	h.clock.Advance(2 * time.Minute)
	summary, err := h.engine.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", summary)
	}
	f = h.forward(t, id)
	if f.Status != models.ForwardFailed || f.Attempts != 3 || f.NextAttemptAt != nil {
		t.Fatalf("expected failed forward, got %+v", f)
	}

	events, _ := h.events.Recent(context.Background(), 10)
	if len(events) != 1 || events[0].Type != EventForwardPermanentlyFailed || events[0].ForwardID != id {
		t.Fatalf("expected permanent failure event, got %+v", events)
	}

	h.clock.Advance(time.Hour)
	summary, _ = h.engine.RetryFailed(context.Background())
	if summary.Considered != 0 || h.hits.Load() != 3 {
		t.Fatalf("expected no further attempts, got %+v after %d calls", summary, h.hits.Load())
	}
}

func TestOpenCircuitSkipsWithoutSpendingBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := h.breakers.RecordFailure(ctx, testService, 1); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	blocked := h.submit(t, 1, testutil.ValidTransaction())
	other := h.submit(t, 2, testutil.ValidTransaction())

	summary, err := h.engine.DispatchPending(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Considered != 1 || summary.Completed != 1 {
		t.Fatalf("expected tenant 1 left out and tenant 2 delivered, got %+v", summary)
	}
	if f := h.forward(t, blocked.Forwards[0].ID); f.Status != models.ForwardPending || f.Attempts != 0 {
		t.Fatalf("expected untouched forward for open circuit, got %+v", f)
	}
	if f := h.forward(t, other.Forwards[0].ID); f.Status != models.ForwardCompleted {
		t.Fatalf("expected other tenant completed, got %+v", f)
	}

	h.clock.Advance(5 * time.Minute)
	summary, err = h.engine.DispatchPending(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("expected half-open trial to deliver, got %+v", summary)
	}
	cb, err := h.store.FindBreaker(ctx, testService, 1)
	if err != nil {
		t.Fatalf("find breaker: %v", err)
	}
	if cb.Status != models.BreakerClosed || cb.FailureCount != 0 {
		t.Fatalf("expected breaker closed after trial success, got %+v", cb)
	}
}

func TestOpenCircuitDoesNotStarveOtherTenants(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.BatchSize = 2
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := h.breakers.RecordFailure(ctx, testService, 1); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	blocked := h.submit(t, 1, testutil.ValidTransaction(), testutil.ValidTransaction())
	other := h.submit(t, 2, testutil.ValidTransaction())

	summary, err := h.engine.DispatchPending(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("expected tenant 2 delivered despite tenant 1 filling the batch, got %+v", summary)
	}
	if f := h.forward(t, other.Forwards[0].ID); f.Status != models.ForwardCompleted {
		t.Fatalf("expected tenant 2 forward completed, got %+v", f)
	}
	for _, fw := range blocked.Forwards {
		if f := h.forward(t, fw.ID); f.Status != models.ForwardPending || f.Attempts != 0 {
			t.Fatalf("expected tenant 1 forward untouched, got %+v", f)
		}
	}
}

// cancellingDeliverer simulates shutdown arriving mid-delivery.
type cancellingDeliverer struct {
	cancel context.CancelFunc
}

func (d cancellingDeliverer) Forward(ctx context.Context, _ models.ForwardedTransaction) error {
	d.cancel()
	return &RetryableForwardError{Err: ctx.Err()}
}

func TestCancelledDeliveryReleasesClaim(t *testing.T) {
	h := newHarness(t)
	res := h.submit(t, 4, testutil.ValidTransaction())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(EngineDeps{
		Store:      h.store,
		Deliverer:  cancellingDeliverer{cancel: cancel},
		Breakers:   h.breakers,
		Clock:      h.clock,
		Forwarding: h.engine.cfg,
	})

	if _, err := engine.DispatchPending(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	f := h.forward(t, res.Forwards[0].ID)
	if f.Status != models.ForwardPending || f.Attempts != 0 || f.LastError != "" {
		t.Fatalf("expected claim released without charging the attempt, got %+v", f)
	}
	if _, err := h.store.FindBreaker(context.Background(), testService, 4); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected no breaker failure recorded, got %v", err)
	}
}

func TestFailuresOpenTheTenantBreaker(t *testing.T) {
	h := newHarness(t)
	h.status.Store(http.StatusInternalServerError)
	var txs []testutil.TransactionFixture
	for i := 0; i < 6; i++ {
		txs = append(txs, testutil.ValidTransaction())
	}
	h.submit(t, 3, txs...)

	summary, err := h.engine.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Retrying != 5 || summary.SkippedCircuitOpen != 1 {
		t.Fatalf("expected breaker to open after 5 failures, got %+v", summary)
	}
	cb, err := h.store.FindBreaker(context.Background(), testService, 3)
	if err != nil {
		t.Fatalf("find breaker: %v", err)
	}
	if cb.Status != models.BreakerOpen {
		t.Fatalf("expected OPEN breaker, got %+v", cb)
	}
}

func TestRetryReleasesStaleProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.submit(t, 1, testutil.ValidTransaction())

	f := res.Forwards[0]
	f.Status = models.ForwardProcessing
	if ok, err := h.store.SaveForward(ctx, &f, start); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	h.clock.Advance(31 * time.Minute)
	summary, err := h.engine.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if summary.Recovered != 1 {
		t.Fatalf("expected one recovered forward, got %+v", summary)
	}
	// Never attempted, so it goes back to the dispatch queue.
	summary, err = h.engine.DispatchPending(ctx)
	if err != nil || summary.Completed != 1 {
		t.Fatalf("expected recovered forward dispatched, got %+v %v", summary, err)
	}
}

func TestJobLockPreventsOverlap(t *testing.T) {
	h := newHarness(t)
	release, err := h.engine.locker.TryLock(context.Background(), JobRetry, time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := h.engine.RetryFailed(context.Background()); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}
	release()
	if _, err := h.engine.RetryFailed(context.Background()); err != nil {
		t.Fatalf("expected retry after release, got %v", err)
	}
}

func TestHealthSnapshotWarnings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, 1, testutil.ValidTransaction())

	report, err := h.engine.HealthSnapshot(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != HealthOK || report.Pending != 1 || report.Unforwarded != 1 || len(report.Warnings) != 0 {
		t.Fatalf("unexpected fresh report %+v", report)
	}

	h.clock.Advance(2 * time.Hour)
	report, err = h.engine.HealthSnapshot(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != HealthWarning || report.StalePending != 1 || len(report.Warnings) != 1 {
		t.Fatalf("expected stale pending warning, got %+v", report)
	}
	if want := "1 pending forwards are older than 1h0m0s; oldest queued 2 hours ago"; report.Warnings[0] != want {
		t.Fatalf("expected %q, got %q", want, report.Warnings[0])
	}
}

func TestHealthSnapshotFailedThreshold(t *testing.T) {
	h := newHarness(t)
	h.engine.health.FailedForwardsWarning = 1
	h.status.Store(http.StatusBadRequest)
	h.submit(t, 1, testutil.ValidTransaction(), testutil.ValidTransaction())

	// Three rounds spend both budgets; the breaker opens and half-opens on the way.
	for i := 0; i < 3; i++ {
		if _, err := h.engine.DispatchPending(context.Background()); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		h.clock.Advance(time.Hour)
		if _, err := h.engine.RetryFailed(context.Background()); err != nil {
			t.Fatalf("retry: %v", err)
		}
	}

	report, err := h.engine.HealthSnapshot(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Failed != 2 || report.Unforwarded != 2 || report.Status != HealthWarning {
		t.Fatalf("expected failed warning, got %+v", report)
	}
	if report.Warnings[0] != "2 failed forwards exceed the warning threshold of 1" {
		t.Fatalf("unexpected warning %q", report.Warnings[0])
	}
}

func TestCleanupHonoursRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, 1, testutil.ValidTransaction())
	if _, err := h.engine.DispatchPending(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	retention := config.PerformanceConfig{CleanupCompletedAfterDays: 30, CleanupFailedAfterDays: 7, EnableAutoCleanup: false}
	res, err := h.engine.Cleanup(ctx, retention)
	if err != nil || !res.Skipped {
		t.Fatalf("expected skipped cleanup when disabled, got %+v %v", res, err)
	}

	retention.EnableAutoCleanup = true
	h.clock.Advance(29 * 24 * time.Hour)
	res, err = h.engine.Cleanup(ctx, retention)
	if err != nil || res.CompletedDeleted != 0 {
		t.Fatalf("expected nothing deleted inside retention, got %+v %v", res, err)
	}
	h.clock.Advance(2 * 24 * time.Hour)
	res, err = h.engine.Cleanup(ctx, retention)
	if err != nil || res.CompletedDeleted != 1 {
		t.Fatalf("expected completed forward deleted, got %+v %v", res, err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	e := NewEngine(EngineDeps{Forwarding: config.ForwardingConfig{BackoffBase: time.Minute, BackoffMax: 5 * time.Minute}})
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, c := range cases {
		if got := e.backoff(c.attempts); got != c.want {
			t.Fatalf("attempts %d: expected %s, got %s", c.attempts, c.want, got)
		}
	}
}
