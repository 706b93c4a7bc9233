package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/clock"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/metrics"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

// maxCASAttempts bounds the optimistic update loop under contention.
const maxCASAttempts = 8

// ErrConflict is returned when a breaker kept changing underneath an update.
var ErrConflict = errors.New("circuit breaker update conflict")

// Store persists breakers. SaveBreaker must only succeed when the stored
// version equals cb.Version, and must bump cb.Version on success.
type Store interface {
	ListBreakers(ctx context.Context, tenantID *int64) ([]models.CircuitBreaker, error)
	GetBreaker(ctx context.Context, id int64) (*models.CircuitBreaker, error)
	FindBreaker(ctx context.Context, service string, tenantID int64) (*models.CircuitBreaker, error)
	EnsureBreaker(ctx context.Context, service string, tenantID int64, now time.Time) (*models.CircuitBreaker, error)
	SaveBreaker(ctx context.Context, cb *models.CircuitBreaker, now time.Time) (bool, error)
}

type Options struct {
	Threshold int
	Cooldown  time.Duration
	Clock     clock.Clock
	Logger    pslog.Logger
}

// StateStore applies breaker transitions on top of a Store:
//
//	CLOSED    --threshold failures--> OPEN
//	OPEN      --cooldown elapsed----> HALF_OPEN (on the next permission check)
//	HALF_OPEN --failure-------------> OPEN
//	HALF_OPEN --success-------------> CLOSED
type StateStore struct {
	store     Store
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	logger    pslog.Logger
}

func NewStateStore(store Store, opts Options) *StateStore {
	if opts.Threshold < 1 {
		opts.Threshold = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	return &StateStore{
		store:     store,
		threshold: opts.Threshold,
		cooldown:  opts.Cooldown,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// List returns breakers, optionally scoped to one tenant.
func (s *StateStore) List(ctx context.Context, tenantID *int64) ([]models.CircuitBreaker, error) {
	return s.store.ListBreakers(ctx, tenantID)
}

// Reset forces a breaker CLOSED and clears its failure markers.
func (s *StateStore) Reset(ctx context.Context, id int64) (*models.CircuitBreaker, error) {
	return s.update(ctx, func() (*models.CircuitBreaker, error) {
		return s.store.GetBreaker(ctx, id)
	}, func(cb *models.CircuitBreaker, _ time.Time) bool {
		cb.Status = models.BreakerClosed
		cb.FailureCount = 0
		cb.LastFailureAt = nil
		cb.CooldownUntil = nil
		return true
	})
}

// RecordFailure counts a failed call, creating the breaker on first use.
func (s *StateStore) RecordFailure(ctx context.Context, service string, tenantID int64) (*models.CircuitBreaker, error) {
	return s.update(ctx, func() (*models.CircuitBreaker, error) {
		return s.store.EnsureBreaker(ctx, service, tenantID, s.clock.Now())
	}, func(cb *models.CircuitBreaker, now time.Time) bool {
		failedAt := now
		cb.LastFailureAt = &failedAt
		cb.FailureCount++
		switch cb.Status {
		case models.BreakerHalfOpen:
			s.open(cb, now)
		case models.BreakerClosed:
			if cb.FailureCount >= s.threshold {
				s.open(cb, now)
			}
		}
		return true
	})
}

// RecordSuccess closes a HALF_OPEN breaker and clears the failure count of a
// CLOSED one. Unknown breakers are left alone.
func (s *StateStore) RecordSuccess(ctx context.Context, service string, tenantID int64) error {
	_, err := s.update(ctx, func() (*models.CircuitBreaker, error) {
		return s.store.FindBreaker(ctx, service, tenantID)
	}, func(cb *models.CircuitBreaker, _ time.Time) bool {
		switch cb.Status {
		case models.BreakerHalfOpen:
			cb.Status = models.BreakerClosed
			cb.FailureCount = 0
			cb.CooldownUntil = nil
			return true
		case models.BreakerClosed:
			if cb.FailureCount == 0 {
				return false
			}
			cb.FailureCount = 0
			return true
		}
		return false
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

// IsCallPermitted reports whether a call may proceed. An OPEN breaker whose
// cooldown has elapsed moves to HALF_OPEN and permits a trial call.
func (s *StateStore) IsCallPermitted(ctx context.Context, service string, tenantID int64) (bool, error) {
	permitted := true
	_, err := s.update(ctx, func() (*models.CircuitBreaker, error) {
		return s.store.FindBreaker(ctx, service, tenantID)
	}, func(cb *models.CircuitBreaker, now time.Time) bool {
		permitted = true
		if cb.Status != models.BreakerOpen {
			return false
		}
		if cb.CooldownUntil != nil && now.Before(*cb.CooldownUntil) {
			permitted = false
			return false
		}
		cb.Status = models.BreakerHalfOpen
		return true
	})
	if errors.Is(err, models.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return permitted, nil
}

func (s *StateStore) open(cb *models.CircuitBreaker, now time.Time) {
	until := now.Add(s.cooldown)
	cb.CooldownUntil = &until
	cb.Status = models.BreakerOpen
}

func (s *StateStore) emitTransition(cb *models.CircuitBreaker, from models.BreakerStatus) {
	metrics.BreakerTransitionsTotal.WithLabelValues(string(from), string(cb.Status)).Inc()
	s.logger.Info("circuit_breaker.transition",
		"service", cb.ServiceName,
		"tenant_id", cb.TenantID,
		"from", string(from),
		"to", string(cb.Status),
		"failure_count", cb.FailureCount,
	)
}

// update runs a load/mutate/compare-and-swap loop. mutate reports whether it
// changed anything; unchanged breakers are returned without a write.
func (s *StateStore) update(ctx context.Context, load func() (*models.CircuitBreaker, error), mutate func(*models.CircuitBreaker, time.Time) bool) (*models.CircuitBreaker, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cb, err := load()
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		from := cb.Status
		if !mutate(cb, now) {
			return cb, nil
		}
		ok, err := s.store.SaveBreaker(ctx, cb, now)
		if err != nil {
			return nil, fmt.Errorf("save circuit breaker %d: %w", cb.ID, err)
		}
		if ok {
			if cb.Status != from {
				s.emitTransition(cb, from)
			}
			return cb, nil
		}
		s.logger.Debug("circuit_breaker.cas_retry", "id", cb.ID, "attempt", attempt+1)
	}
	return nil, ErrConflict
}
