package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Submission is the envelope a POS terminal posts. Exactly one of Transaction
// or Transactions is set.
type Submission struct {
	SubmissionUUID      string        `json:"submission_uuid"`
	TenantID            int64         `json:"tenant_id"`
	TerminalID          int64         `json:"terminal_id"`
	SubmissionTimestamp string        `json:"submission_timestamp"`
	TransactionCount    int           `json:"transaction_count"`
	PayloadChecksum     string        `json:"payload_checksum"`
	Transaction         *Transaction  `json:"transaction,omitempty"`
	Transactions        []Transaction `json:"transactions,omitempty"`
}

// Items returns the submission's transactions regardless of form.
func (s *Submission) Items() []Transaction {
	if s.Transaction != nil {
		return []Transaction{*s.Transaction}
	}
	return s.Transactions
}

// Batch reports whether the plural form was used.
func (s *Submission) Batch() bool {
	return s.Transaction == nil && s.Transactions != nil
}

// Transaction is one sale inside a submission. Nil amount pointers mean the
// field was absent from the payload, which is not the same as zero.
type Transaction struct {
	TransactionID        string           `json:"transaction_id"`
	TransactionTimestamp string           `json:"transaction_timestamp"`
	GrossSales           *decimal.Decimal `json:"gross_sales"`
	NetSales             *decimal.Decimal `json:"net_sales"`
	PromoStatus          string           `json:"promo_status"`
	CustomerCode         string           `json:"customer_code"`
	PayloadChecksum      string           `json:"payload_checksum"`
	Adjustments          []Adjustment     `json:"adjustments"`
	Taxes                []Tax            `json:"taxes"`

	// Raw keeps the transaction object exactly as received so it can be
	// forwarded without re-encoding.
	Raw json.RawMessage `json:"-"`
}

type Adjustment struct {
	AdjustmentType string           `json:"adjustment_type"`
	Amount         *decimal.Decimal `json:"amount"`
}

type Tax struct {
	TaxType string           `json:"tax_type"`
	Amount  *decimal.Decimal `json:"amount"`
}

// StoredTransaction is a validated transaction accepted for forwarding.
type StoredTransaction struct {
	TransactionID  string          `json:"transaction_id"`
	SubmissionUUID string          `json:"submission_uuid"`
	TenantID       int64           `json:"tenant_id"`
	TerminalID     int64           `json:"terminal_id"`
	GrossSales     decimal.Decimal `json:"gross_sales"`
	NetSales       decimal.Decimal `json:"net_sales"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AmountOrZero dereferences an optional amount, treating absence as zero.
func AmountOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
