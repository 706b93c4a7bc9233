package services

import (
	"errors"
	"fmt"
)

// ErrJobRunning is returned when another run of the same job holds its lock.
var ErrJobRunning = errors.New("job already running")

// RetryableForwardError is a transient delivery failure: a transport error,
// a timeout or a non-2xx response.
type RetryableForwardError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RetryableForwardError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("webapp returned HTTP %d: %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("webapp returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("webapp unreachable: %v", e.Err)
}

func (e *RetryableForwardError) Unwrap() error { return e.Err }

// PermanentForwardFailure marks a forward that will not be attempted again.
type PermanentForwardFailure struct {
	ForwardID     int64
	TransactionID string
	Attempts      int
	LastError     string
}

func (e *PermanentForwardFailure) Error() string {
	return fmt.Sprintf("forward %d for transaction %s failed permanently after %d attempts: %s",
		e.ForwardID, e.TransactionID, e.Attempts, e.LastError)
}

// CircuitOpenError means the tenant's breaker refused the call.
type CircuitOpenError struct {
	Service  string
	TenantID int64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s tenant %d", e.Service, e.TenantID)
}
