package testutil

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Line is one adjustment or tax entry. An empty Amount omits the amount key.
type Line struct {
	Type   string
	Amount string
}

// DefaultTransactionOrder is the key order the structure contract requires.
var DefaultTransactionOrder = []string{
	"transaction_id",
	"transaction_timestamp",
	"gross_sales",
	"net_sales",
	"promo_status",
	"customer_code",
	"payload_checksum",
	"adjustments",
	"taxes",
}

// DefaultSubmissionOrder puts the envelope checksum before the payload.
var DefaultSubmissionOrder = []string{
	"submission_uuid",
	"tenant_id",
	"terminal_id",
	"submission_timestamp",
	"transaction_count",
	"payload_checksum",
	"transaction",
	"transactions",
}

// TransactionFixture renders a transaction object with controllable key
// order. Amount fields are emitted verbatim as JSON numbers.
type TransactionFixture struct {
	ID           string
	Timestamp    string
	Gross        string
	Net          string
	PromoStatus  string
	CustomerCode string
	Checksum     string
	Adjustments  []Line
	Taxes        []Line
	Order        []string
	Omit         map[string]bool
}

// StandardAdjustments sums to 200.00 and covers every required type.
func StandardAdjustments() []Line {
	return []Line{
		{Type: "promo_discount", Amount: "50.00"},
		{Type: "senior_discount", Amount: "40.00"},
		{Type: "pwd_discount", Amount: "30.00"},
		{Type: "vip_card_discount", Amount: "20.00"},
		{Type: "service_charge_distributed_to_employees", Amount: "25.00"},
		{Type: "service_charge_retained_by_management", Amount: "15.00"},
		{Type: "employee_discount", Amount: "20.00"},
	}
}

// StandardTaxes has non-VATABLE_SALES taxes summing to 96.00.
func StandardTaxes() []Line {
	return []Line{
		{Type: "VAT", Amount: "96.00"},
		{Type: "VATABLE_SALES", Amount: "800.00"},
		{Type: "SC_VAT_EXEMPT_SALES", Amount: "0.00"},
		{Type: "OTHER_TAX", Amount: "0.00"},
	}
}

// ValidTransaction returns a transaction that passes every check:
// 1000.00 - 200.00 - 96.00 = 704.00.
func ValidTransaction() TransactionFixture {
	return TransactionFixture{
		ID:           uuid.NewString(),
		Timestamp:    "2025-07-01T10:15:00Z",
		Gross:        "1000.00",
		Net:          "704.00",
		PromoStatus:  "WITH_APPROVAL",
		CustomerCode: "C-0001",
		Checksum:     "tx-checksum",
		Adjustments:  StandardAdjustments(),
		Taxes:        StandardTaxes(),
	}
}

func (f TransactionFixture) JSON() []byte {
	order := f.Order
	if order == nil {
		order = DefaultTransactionOrder
	}
	fields := map[string]string{
		"transaction_id":        strconv.Quote(f.ID),
		"transaction_timestamp": strconv.Quote(f.Timestamp),
		"gross_sales":           f.Gross,
		"net_sales":             f.Net,
		"promo_status":          strconv.Quote(f.PromoStatus),
		"customer_code":         strconv.Quote(f.CustomerCode),
		"payload_checksum":      strconv.Quote(f.Checksum),
		"adjustments":           lines(f.Adjustments, "adjustment_type"),
		"taxes":                 lines(f.Taxes, "tax_type"),
	}
	return renderObject(order, fields, f.Omit)
}

// SubmissionFixture renders the envelope around one or more transactions.
type SubmissionFixture struct {
	SubmissionUUID string
	TenantID       int64
	TerminalID     int64
	Timestamp      string
	Count          int
	Checksum       string
	Transaction    *TransactionFixture
	Transactions   []TransactionFixture
	Order          []string
	Omit           map[string]bool
}

// SingleSubmission wraps tx in the singular form.
func SingleSubmission(tenantID int64, tx TransactionFixture) SubmissionFixture {
	return SubmissionFixture{
		SubmissionUUID: uuid.NewString(),
		TenantID:       tenantID,
		TerminalID:     7,
		Timestamp:      "2025-07-01T10:16:00Z",
		Count:          1,
		Checksum:       "submission-checksum",
		Transaction:    &tx,
	}
}

// BatchSubmission wraps txs in the plural form.
func BatchSubmission(tenantID int64, txs ...TransactionFixture) SubmissionFixture {
	return SubmissionFixture{
		SubmissionUUID: uuid.NewString(),
		TenantID:       tenantID,
		TerminalID:     7,
		Timestamp:      "2025-07-01T10:16:00Z",
		Count:          len(txs),
		Checksum:       "submission-checksum",
		Transactions:   txs,
	}
}

func (s SubmissionFixture) JSON() []byte {
	order := s.Order
	if order == nil {
		order = DefaultSubmissionOrder
	}
	fields := map[string]string{
		"submission_uuid":      strconv.Quote(s.SubmissionUUID),
		"tenant_id":            strconv.FormatInt(s.TenantID, 10),
		"terminal_id":          strconv.FormatInt(s.TerminalID, 10),
		"submission_timestamp": strconv.Quote(s.Timestamp),
		"transaction_count":    strconv.Itoa(s.Count),
		"payload_checksum":     strconv.Quote(s.Checksum),
	}
	if s.Transaction != nil {
		fields["transaction"] = string(s.Transaction.JSON())
	}
	if s.Transactions != nil {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, tx := range s.Transactions {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(tx.JSON())
		}
		buf.WriteByte(']')
		fields["transactions"] = buf.String()
	}
	return renderObject(order, fields, s.Omit)
}

func renderObject(order []string, fields map[string]string, omit map[string]bool) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, key := range order {
		value, ok := fields[key]
		if !ok || value == "" || omit[key] {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&buf, "%q:%s", key, value)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func lines(entries []Line, typeKey string) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if e.Amount == "" {
			fmt.Fprintf(&buf, "{%q:%q}", typeKey, e.Type)
			continue
		}
		fmt.Fprintf(&buf, "{%q:%q,\"amount\":%s}", typeKey, e.Type, e.Amount)
	}
	buf.WriteByte(']')
	return buf.String()
}
