package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

// CheckSubmissionShape validates envelope fields and the singular/plural
// transaction contract.
func CheckSubmissionShape(envelope object, sub *models.Submission) Errors {
	var errs Errors
	errs = append(errs, requireUUID(envelope, "submission_uuid", "")...)
	errs = append(errs, requirePositiveID(envelope, "tenant_id", sub.TenantID)...)
	errs = append(errs, requirePositiveID(envelope, "terminal_id", sub.TerminalID)...)
	errs = append(errs, requireTimestamp(envelope, "submission_timestamp", "")...)
	errs = append(errs, requireString(envelope, "payload_checksum", "")...)

	if !envelope.has("transaction_count") {
		errs = append(errs, newIssue("transaction_count", KindShape, "transaction_count is required"))
	} else if sub.TransactionCount < 1 {
		errs = append(errs, newIssue("transaction_count", KindShape, "transaction_count must be at least 1"))
	}

	single := envelope.has("transaction")
	plural := envelope.has("transactions")
	switch {
	case single && plural:
		errs = append(errs, newIssue("transactions", KindShape, "provide either transaction or transactions, not both"))
	case !single && !plural:
		errs = append(errs, newIssue("transactions", KindShape, "a transaction or transactions payload is required"))
	case single:
		if sub.TransactionCount > 1 {
			errs = append(errs, newIssue("transaction_count", KindShape,
				fmt.Sprintf("transaction_count is %d but a single transaction was sent", sub.TransactionCount)))
		}
	case plural:
		if len(sub.Transactions) == 0 {
			errs = append(errs, newIssue("transactions", KindShape, "transactions must contain at least one transaction"))
		} else if sub.TransactionCount >= 1 && sub.TransactionCount != len(sub.Transactions) {
			errs = append(errs, newIssue("transaction_count", KindShape,
				fmt.Sprintf("transaction_count is %d but %d transactions were sent", sub.TransactionCount, len(sub.Transactions))))
		}
	}
	return errs
}

// CheckTransactionShape validates identifiers, timestamps and the category
// labels of one transaction.
func CheckTransactionShape(obj object, tx *models.Transaction, path string) Errors {
	var errs Errors
	errs = append(errs, requireUUID(obj, "transaction_id", path)...)
	errs = append(errs, requireTimestamp(obj, "transaction_timestamp", path)...)
	errs = append(errs, requireString(obj, "payload_checksum", path)...)
	for i, adj := range tx.Adjustments {
		if strings.TrimSpace(adj.AdjustmentType) == "" {
			errs = append(errs, newIssue(join(path, fmt.Sprintf("adjustments.%d.adjustment_type", i)), KindShape, "adjustment_type is required"))
		}
	}
	for i, tax := range tx.Taxes {
		if strings.TrimSpace(tax.TaxType) == "" {
			errs = append(errs, newIssue(join(path, fmt.Sprintf("taxes.%d.tax_type", i)), KindShape, "tax_type is required"))
		}
	}
	return errs
}

func requireString(obj object, key, path string) Errors {
	raw, ok := obj.get(key)
	if !ok {
		return Errors{newIssue(join(path, key), KindShape, key+" is required")}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
		return Errors{newIssue(join(path, key), KindShape, key+" must be a non-empty string")}
	}
	return nil
}

func requireUUID(obj object, key, path string) Errors {
	if errs := requireString(obj, key, path); len(errs) > 0 {
		return errs
	}
	raw, _ := obj.get(key)
	var s string
	_ = json.Unmarshal(raw, &s)
	if err := uuid.Validate(s); err != nil {
		return Errors{newIssue(join(path, key), KindShape, key+" must be a valid UUID")}
	}
	return nil
}

func requireTimestamp(obj object, key, path string) Errors {
	if errs := requireString(obj, key, path); len(errs) > 0 {
		return errs
	}
	raw, _ := obj.get(key)
	var s string
	_ = json.Unmarshal(raw, &s)
	if _, err := parseTimestamp(s); err != nil {
		return Errors{newIssue(join(path, key), KindShape, key+" must be an ISO-8601 timestamp")}
	}
	return nil
}

func requirePositiveID(obj object, key string, value int64) Errors {
	if !obj.has(key) {
		return Errors{newIssue(key, KindShape, key+" is required")}
	}
	if value < 1 {
		return Errors{newIssue(key, KindShape, key+" must be a positive integer")}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, strings.TrimSpace(s))
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
