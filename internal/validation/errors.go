package validation

import (
	"sort"
	"strings"
)

// Kind classifies a validation issue.
type Kind string

const (
	// KindStructure marks key-ordering violations. Never retried.
	KindStructure Kind = "structure"
	// KindShape marks missing or malformed fields.
	KindShape Kind = "shape"
	// KindReconciliation marks numeric or category coverage mismatches.
	KindReconciliation Kind = "reconciliation"
)

// StructureField is the error key used for every key-ordering violation.
const StructureField = "structure"

// StructureHint is returned alongside any rejected submission.
const StructureHint = "Submission keys must be ordered: envelope scalars, payload_checksum, then transaction/transactions. " +
	"Inside each transaction: transaction_id, transaction_timestamp, gross_sales, net_sales, promo_status, customer_code, " +
	"payload_checksum, then adjustments and taxes."

// Issue is one field-scoped validation failure.
type Issue struct {
	Field   string `json:"field"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Errors is the accumulated result of a validation pass. A non-empty Errors
// is returned as an error value.
type Errors []Issue

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation passed"
	}
	parts := make([]string, 0, len(e))
	for _, issue := range e {
		parts = append(parts, issue.Field+": "+issue.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields groups messages by dotted field path, preserving issue order.
func (e Errors) Fields() map[string][]string {
	out := make(map[string][]string, len(e))
	for _, issue := range e {
		out[issue.Field] = append(out[issue.Field], issue.Message)
	}
	return out
}

// Has reports whether any issue was recorded for field.
func (e Errors) Has(field string) bool {
	for _, issue := range e {
		if issue.Field == field {
			return true
		}
	}
	return false
}

// OfKind returns the issues of the given kind.
func (e Errors) OfKind(kind Kind) Errors {
	var out Errors
	for _, issue := range e {
		if issue.Kind == kind {
			out = append(out, issue)
		}
	}
	return out
}

// FieldNames returns the distinct field paths in sorted order.
func (e Errors) FieldNames() []string {
	seen := make(map[string]struct{}, len(e))
	names := make([]string, 0, len(e))
	for _, issue := range e {
		if _, ok := seen[issue.Field]; ok {
			continue
		}
		seen[issue.Field] = struct{}{}
		names = append(names, issue.Field)
	}
	sort.Strings(names)
	return names
}

func newIssue(field string, kind Kind, message string) Issue {
	return Issue{Field: field, Kind: kind, Message: message}
}

func join(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}
