package models

import "time"

// BreakerStatus is the circuit breaker state.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "CLOSED"
	BreakerOpen     BreakerStatus = "OPEN"
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

// CircuitBreaker guards calls to one downstream service for one tenant.
type CircuitBreaker struct {
	ID            int64         `json:"id"`
	ServiceName   string        `json:"service_name"`
	TenantID      int64         `json:"tenant_id"`
	Status        BreakerStatus `json:"status"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt *time.Time    `json:"last_failure_at"`
	CooldownUntil *time.Time    `json:"cooldown_until"`
	Version       int64         `json:"-"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
