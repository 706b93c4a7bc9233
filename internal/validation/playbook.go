package validation

import "strings"

// Remediation is operator guidance for one class of rejection.
type Remediation struct {
	Code     string `json:"code"`
	Title    string `json:"title"`
	Guidance string `json:"guidance"`
}

type playbookEntry struct {
	match []string
	Remediation
}

// playbook is matched top to bottom against lower-cased issue messages.
var playbook = []playbookEntry{
	{
		match: []string{"payload_checksum must appear before", "must appear before payload_checksum", "payload_checksum is missing"},
		Remediation: Remediation{
			Code:     "STRUCTURE_ORDER",
			Title:    "Field order is wrong",
			Guidance: "Serialize scalar fields first, then payload_checksum, then adjustments/taxes (or transaction/transactions for the envelope). Recompute the checksum after reordering.",
		},
	},
	{
		match: []string{"does not reconcile"},
		Remediation: Remediation{
			Code:     "NET_SALES_MISMATCH",
			Title:    "Net sales do not reconcile",
			Guidance: "net_sales must equal gross_sales minus all adjustments minus every tax except VATABLE_SALES, rounded to 2 decimals. Check the POS rounding and that no adjustment was dropped.",
		},
	},
	{
		match: []string{"adjustments are required", "missing required adjustment types"},
		Remediation: Remediation{
			Code:     "ADJUSTMENT_COVERAGE",
			Title:    "Adjustment lines incomplete",
			Guidance: "Send one line per adjustment type (promo, senior, PWD, VIP card, both service charges, employee discount) even when the amount is 0.",
		},
	},
	{
		match: []string{"taxes are required", "missing required tax types"},
		Remediation: Remediation{
			Code:     "TAX_COVERAGE",
			Title:    "Tax lines incomplete",
			Guidance: "Send VAT, VATABLE_SALES and SC_VAT_EXEMPT_SALES lines (0 when not applicable). Non-VAT sales may omit them only when VAT and VATABLE_SALES are 0.",
		},
	},
	{
		match: []string{"gross_sales is required", "gross_sales must be at least 0", "net_sales is required"},
		Remediation: Remediation{
			Code:     "AMOUNT_MISSING",
			Title:    "Sales amounts missing",
			Guidance: "gross_sales (>= 0) and net_sales are mandatory on every transaction. Remaining checks were skipped for this transaction.",
		},
	},
	{
		match: []string{"transaction_count"},
		Remediation: Remediation{
			Code:     "COUNT_MISMATCH",
			Title:    "Transaction count mismatch",
			Guidance: "transaction_count must equal the number of transactions sent; use the singular transaction form only for a count of 1.",
		},
	},
	{
		match: []string{"valid uuid"},
		Remediation: Remediation{
			Code:     "INVALID_IDENTIFIER",
			Title:    "Identifier is not a UUID",
			Guidance: "submission_uuid and transaction_id must be RFC 4122 UUIDs generated by the terminal.",
		},
	},
	{
		match: []string{"timestamp"},
		Remediation: Remediation{
			Code:     "INVALID_TIMESTAMP",
			Title:    "Timestamp unreadable",
			Guidance: "Use ISO-8601 timestamps such as 2025-01-31T13:45:00+08:00.",
		},
	},
	{
		match: []string{"malformed payload", "must be a json object"},
		Remediation: Remediation{
			Code:     "MALFORMED_JSON",
			Title:    "Payload is not valid JSON",
			Guidance: "Send a single JSON object with numeric amounts and integer tenant/terminal ids.",
		},
	},
}

// Remediate looks up guidance for one rejection message.
func Remediate(message string) (Remediation, bool) {
	lower := strings.ToLower(message)
	for _, entry := range playbook {
		for _, needle := range entry.match {
			if strings.Contains(lower, strings.ToLower(needle)) {
				return entry.Remediation, true
			}
		}
	}
	return Remediation{}, false
}

// RemediationsFor returns the distinct guidance entries that apply to errs,
// in first-seen order.
func RemediationsFor(errs Errors) []Remediation {
	seen := make(map[string]struct{})
	var out []Remediation
	for _, issue := range errs {
		r, ok := Remediate(issue.Message)
		if !ok {
			continue
		}
		if _, dup := seen[r.Code]; dup {
			continue
		}
		seen[r.Code] = struct{}{}
		out = append(out, r)
	}
	return out
}
