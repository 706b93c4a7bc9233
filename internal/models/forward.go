package models

import (
	"encoding/json"
	"time"
)

// ForwardStatus is the lifecycle state of a WebappTransactionForward.
type ForwardStatus string

const (
	ForwardPending    ForwardStatus = "pending"
	ForwardProcessing ForwardStatus = "processing"
	ForwardCompleted  ForwardStatus = "completed"
	ForwardFailed     ForwardStatus = "failed"
)

// Forward tracks delivery of one transaction to the downstream web app.
type Forward struct {
	ID            int64         `json:"id"`
	TransactionID string        `json:"transaction_id"`
	TenantID      int64         `json:"tenant_id"`
	BatchID       string        `json:"batch_id"`
	Status        ForwardStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	LastError     string        `json:"last_error,omitempty"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Version       int64         `json:"-"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Exhausted reports whether the retry budget is spent.
func (f *Forward) Exhausted() bool {
	return f.Attempts >= f.MaxAttempts
}

// ForwardedTransaction is the body posted to the downstream web app.
type ForwardedTransaction struct {
	Source         string          `json:"source"`
	BatchID        string          `json:"batch_id"`
	TransactionID  string          `json:"transaction_id"`
	SubmissionUUID string          `json:"submission_uuid"`
	TenantID       int64           `json:"tenant_id"`
	TerminalID     int64           `json:"terminal_id"`
	Attempt        int             `json:"attempt"`
	Transaction    json.RawMessage `json:"transaction"`
}
