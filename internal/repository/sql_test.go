package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

var base = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func storedTx(id string, tenantID int64) models.StoredTransaction {
	return models.StoredTransaction{
		TransactionID:  id,
		SubmissionUUID: "7d3c1a56-0d4e-4c43-9f53-4b8f0f6f2a10",
		TenantID:       tenantID,
		TerminalID:     7,
		GrossSales:     decimal.NewFromInt(1000),
		NetSales:       decimal.RequireFromString("704.50"),
		Payload:        json.RawMessage(`{"transaction_id":"` + id + `"}`),
	}
}

func queue(t *testing.T, store *SQLStore, now time.Time, records ...models.StoredTransaction) *QueueResult {
	t.Helper()
	res, err := store.QueueTransactions(context.Background(), records, "batch-1", 3, now)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return res
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open("mysql://localhost/tsms"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &SQLStore{dialect: Postgres}
	got := s.rebind(`SELECT a FROM t WHERE b = ? AND c < ? LIMIT ?`)
	want := `SELECT a FROM t WHERE b = $1 AND c < $2 LIMIT $3`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	s.dialect = SQLite
	if got := s.rebind(`b = ?`); got != `b = ?` {
		t.Fatalf("expected sqlite query untouched, got %q", got)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestQueueTransactionsCreatesPendingForwards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := queue(t, store, base, storedTx("tx-1", 1), storedTx("tx-2", 1))
	if len(res.Forwards) != 2 || len(res.Duplicates) != 0 {
		t.Fatalf("expected 2 forwards and no duplicates, got %+v", res)
	}
	for _, f := range res.Forwards {
		if f.ID == 0 || f.Status != models.ForwardPending || f.Attempts != 0 || f.MaxAttempts != 3 {
			t.Fatalf("unexpected forward %+v", f)
		}
	}

	got, err := store.GetForward(ctx, res.Forwards[0].ID)
	if err != nil {
		t.Fatalf("get forward: %v", err)
	}
	if got.TransactionID != "tx-1" || got.BatchID != "batch-1" || got.Version != 1 || !got.CreatedAt.Equal(base) {
		t.Fatalf("unexpected stored forward %+v", got)
	}

	rec, err := store.GetTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if !rec.NetSales.Equal(decimal.RequireFromString("704.5")) || string(rec.Payload) != `{"transaction_id":"tx-1"}` {
		t.Fatalf("unexpected stored transaction %+v", rec)
	}
}

func TestQueueTransactionsSkipsDuplicates(t *testing.T) {
	store := newTestStore(t)
	queue(t, store, base, storedTx("tx-1", 1))

	res := queue(t, store, base, storedTx("tx-1", 1), storedTx("tx-2", 1))
	if len(res.Forwards) != 1 || res.Forwards[0].TransactionID != "tx-2" {
		t.Fatalf("expected only tx-2 queued, got %+v", res.Forwards)
	}
	if len(res.Duplicates) != 1 || res.Duplicates[0] != "tx-1" {
		t.Fatalf("expected tx-1 duplicate, got %v", res.Duplicates)
	}
}

func TestGetMissingRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.GetTransaction(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetForward(ctx, 42); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveForwardIsCompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	res := queue(t, store, base, storedTx("tx-1", 1))

	first := res.Forwards[0]
	second := res.Forwards[0]

	first.Status = models.ForwardProcessing
	ok, err := store.SaveForward(ctx, &first, base.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("expected first save to win, got %v %v", ok, err)
	}
	if first.Version != 2 {
		t.Fatalf("expected version 2, got %d", first.Version)
	}

	second.Status = models.ForwardProcessing
	ok, err = store.SaveForward(ctx, &second, base.Add(time.Second))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok {
		t.Fatalf("expected stale save to lose")
	}
}

func TestPendingAndDueRetries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	res := queue(t, store, base, storedTx("tx-1", 1), storedTx("tx-2", 1))

	retry := res.Forwards[1]
	next := base.Add(10 * time.Minute)
	retry.Attempts = 1
	retry.LastError = "HTTP 503"
	retry.NextAttemptAt = &next
	if ok, err := store.SaveForward(ctx, &retry, base); err != nil || !ok {
		t.Fatalf("save retry: %v %v", ok, err)
	}

	pending, err := store.PendingFirstAttempts(ctx, "webapp_forwarding", base, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].TransactionID != "tx-1" {
		t.Fatalf("expected only tx-1 as a first attempt, got %+v", pending)
	}

	due, err := store.DueRetries(ctx, "webapp_forwarding", base.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no retries before backoff, got %+v", due)
	}
	due, err = store.DueRetries(ctx, "webapp_forwarding", next, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].LastError != "HTTP 503" || !due[0].NextAttemptAt.Equal(next) {
		t.Fatalf("expected tx-2 due at backoff, got %+v", due)
	}
}

func TestSelectionSkipsTenantsCoolingDown(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	res := queue(t, store, base, storedTx("tx-1", 1), storedTx("tx-2", 2))

	cb, err := store.EnsureBreaker(ctx, "webapp_forwarding", 1, base)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	until := base.Add(5 * time.Minute)
	cb.Status = models.BreakerOpen
	cb.CooldownUntil = &until
	if ok, err := store.SaveBreaker(ctx, cb, base); err != nil || !ok {
		t.Fatalf("open breaker: %v %v", ok, err)
	}

	pending, err := store.PendingFirstAttempts(ctx, "webapp_forwarding", base, 1)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].TransactionID != "tx-2" {
		t.Fatalf("expected tenant 2 selected while tenant 1 cools down, got %+v", pending)
	}
	other, _ := store.PendingFirstAttempts(ctx, "another_service", base, 10)
	if len(other) != 2 {
		t.Fatalf("expected breaker of another service to be ignored, got %+v", other)
	}
	pending, _ = store.PendingFirstAttempts(ctx, "webapp_forwarding", until, 10)
	if len(pending) != 2 {
		t.Fatalf("expected both tenants once cooldown passes, got %+v", pending)
	}

	retry := res.Forwards[0]
	retry.Attempts = 1
	if ok, err := store.SaveForward(ctx, &retry, base); err != nil || !ok {
		t.Fatalf("save retry: %v %v", ok, err)
	}
	if due, _ := store.DueRetries(ctx, "webapp_forwarding", base, 10); len(due) != 0 {
		t.Fatalf("expected no retries for a tenant cooling down, got %+v", due)
	}
	if due, _ := store.DueRetries(ctx, "webapp_forwarding", until, 10); len(due) != 1 {
		t.Fatalf("expected retry due after cooldown, got %+v", due)
	}
}

func TestReleaseStaleProcessing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	res := queue(t, store, base, storedTx("tx-1", 1))

	f := res.Forwards[0]
	f.Status = models.ForwardProcessing
	if ok, err := store.SaveForward(ctx, &f, base); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	n, err := store.ReleaseStaleProcessing(ctx, base, base.Add(time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("expected nothing released at cutoff, got %d %v", n, err)
	}
	n, err = store.ReleaseStaleProcessing(ctx, base.Add(30*time.Minute), base.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one release, got %d %v", n, err)
	}
	got, _ := store.GetForward(ctx, f.ID)
	if got.Status != models.ForwardPending || got.Version != 3 {
		t.Fatalf("expected pending at version 3, got %+v", got)
	}
}

func TestForwardStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := queue(t, store, base, storedTx("tx-1", 1), storedTx("tx-2", 1))
	queue(t, store, base.Add(2*time.Hour), storedTx("tx-3", 1))

	done := old.Forwards[0]
	completedAt := base.Add(time.Minute)
	done.Status = models.ForwardCompleted
	done.Attempts = 1
	done.CompletedAt = &completedAt
	if ok, err := store.SaveForward(ctx, &done, completedAt); err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}
	failed := old.Forwards[1]
	failed.Status = models.ForwardFailed
	failed.Attempts = 3
	if ok, err := store.SaveForward(ctx, &failed, completedAt); err != nil || !ok {
		t.Fatalf("fail: %v %v", ok, err)
	}

	stats, err := store.ForwardStats(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Completed != 1 || stats.Failed != 1 || stats.Processing != 0 {
		t.Fatalf("unexpected status counts %+v", stats)
	}
	if stats.StalePending != 0 || stats.Undelivered != 1 {
		t.Fatalf("unexpected stale/undelivered counts %+v", stats)
	}
	if stats.OldestPendingAt == nil || !stats.OldestPendingAt.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("unexpected oldest pending %v", stats.OldestPendingAt)
	}

	stats, err = store.ForwardStats(ctx, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.StalePending != 1 {
		t.Fatalf("expected one stale pending, got %d", stats.StalePending)
	}
}

func TestCleanupDeletesOnlyAgedRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	res := queue(t, store, base, storedTx("tx-1", 1), storedTx("tx-2", 1), storedTx("tx-3", 1))

	completedAt := base.Add(time.Minute)
	done := res.Forwards[0]
	done.Status = models.ForwardCompleted
	done.Attempts = 1
	done.CompletedAt = &completedAt
	store.SaveForward(ctx, &done, completedAt)

	exhausted := res.Forwards[1]
	exhausted.Status = models.ForwardFailed
	exhausted.Attempts = 3
	store.SaveForward(ctx, &exhausted, completedAt)

	n, err := store.DeleteCompletedBefore(ctx, base)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing deleted before completion, got %d %v", n, err)
	}
	n, err = store.DeleteCompletedBefore(ctx, base.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one completed deleted, got %d %v", n, err)
	}
	n, err = store.DeleteExhaustedBefore(ctx, base.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one exhausted deleted, got %d %v", n, err)
	}

	left, err := store.PendingFirstAttempts(ctx, "webapp_forwarding", base, 10)
	if err != nil || len(left) != 1 || left[0].TransactionID != "tx-3" {
		t.Fatalf("expected pending tx-3 untouched, got %+v %v", left, err)
	}
}

func TestBreakerPersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cb, err := store.EnsureBreaker(ctx, "webapp_forwarding", 1, base)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if cb.Status != models.BreakerClosed || cb.FailureCount != 0 || cb.Version != 1 {
		t.Fatalf("unexpected new breaker %+v", cb)
	}
	again, err := store.EnsureBreaker(ctx, "webapp_forwarding", 1, base.Add(time.Minute))
	if err != nil || again.ID != cb.ID {
		t.Fatalf("expected the same breaker, got %+v %v", again, err)
	}
	if _, err := store.EnsureBreaker(ctx, "webapp_forwarding", 2, base); err != nil {
		t.Fatalf("ensure tenant 2: %v", err)
	}

	stale := *cb
	until := base.Add(5 * time.Minute)
	cb.Status = models.BreakerOpen
	cb.FailureCount = 5
	cb.LastFailureAt = &base
	cb.CooldownUntil = &until
	if ok, err := store.SaveBreaker(ctx, cb, base); err != nil || !ok {
		t.Fatalf("save: %v %v", ok, err)
	}
	if ok, _ := store.SaveBreaker(ctx, &stale, base); ok {
		t.Fatalf("expected stale breaker save to lose")
	}

	got, err := store.GetBreaker(ctx, cb.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.BreakerOpen || got.FailureCount != 5 || got.CooldownUntil == nil || !got.CooldownUntil.Equal(until) {
		t.Fatalf("unexpected stored breaker %+v", got)
	}

	tenant := int64(2)
	list, err := store.ListBreakers(ctx, &tenant)
	if err != nil || len(list) != 1 || list[0].TenantID != 2 {
		t.Fatalf("expected tenant 2 only, got %+v %v", list, err)
	}
	all, _ := store.ListBreakers(ctx, nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(all))
	}
	open, err := store.CountOpenBreakers(ctx)
	if err != nil || open != 1 {
		t.Fatalf("expected 1 open breaker, got %d %v", open, err)
	}

	if _, err := store.GetBreaker(ctx, 999); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.FindBreaker(ctx, "other", 1); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
