package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

const (
	TaxVAT              = "VAT"
	TaxVatableSales     = "VATABLE_SALES"
	TaxSCVatExemptSales = "SC_VAT_EXEMPT_SALES"
)

// RequiredAdjustmentTypes must each appear at least once per transaction.
var RequiredAdjustmentTypes = []string{
	"promo_discount",
	"senior_discount",
	"pwd_discount",
	"vip_card_discount",
	"service_charge_distributed_to_employees",
	"service_charge_retained_by_management",
	"employee_discount",
}

// RequiredTaxTypes must each appear unless the sale is non-VAT.
var RequiredTaxTypes = []string{TaxVAT, TaxVatableSales, TaxSCVatExemptSales}

// Tolerance is the largest accepted |net_sales - expected| difference.
var Tolerance = decimal.RequireFromString("0.01")

// Rules carries the tunable parts of reconciliation.
type Rules struct {
	MinAdjustments int
	MinTaxes       int
}

// DefaultRules returns the production minimums.
func DefaultRules() Rules {
	return Rules{MinAdjustments: 7, MinTaxes: 4}
}

// ReconcileTransaction checks amounts and category coverage for one
// transaction and returns every problem found. A missing or negative
// gross_sales, or a missing net_sales, ends the checks for that transaction.
func ReconcileTransaction(tx *models.Transaction, path string, rules Rules) Errors {
	var errs Errors
	if tx.GrossSales == nil {
		return append(errs, newIssue(join(path, "gross_sales"), KindReconciliation, "gross_sales is required"))
	}
	if tx.GrossSales.IsNegative() {
		return append(errs, newIssue(join(path, "gross_sales"), KindReconciliation, "gross_sales must be at least 0"))
	}
	if tx.NetSales == nil {
		return append(errs, newIssue(join(path, "net_sales"), KindReconciliation, "net_sales is required"))
	}

	gross := *tx.GrossSales
	net := *tx.NetSales
	adjustmentSum := decimal.Zero
	for _, adj := range tx.Adjustments {
		adjustmentSum = adjustmentSum.Add(models.AmountOrZero(adj.Amount))
	}
	otherTaxSum := decimal.Zero
	for _, tax := range tx.Taxes {
		if tax.TaxType == TaxVatableSales {
			continue
		}
		otherTaxSum = otherTaxSum.Add(models.AmountOrZero(tax.Amount))
	}
	expected := gross.Sub(adjustmentSum).Sub(otherTaxSum).Round(2)
	if net.Sub(expected).Abs().GreaterThan(Tolerance) {
		errs = append(errs, newIssue(join(path, "net_sales"), KindReconciliation, fmt.Sprintf(
			"net_sales %s does not reconcile: gross_sales %s - adjustments %s - other taxes %s = %s",
			net.String(), gross.StringFixed(2), adjustmentSum.StringFixed(2), otherTaxSum.StringFixed(2), expected.StringFixed(2))))
	}

	if len(tx.Adjustments) < rules.MinAdjustments {
		errs = append(errs, newIssue(join(path, "adjustments"), KindReconciliation,
			fmt.Sprintf("at least %d adjustments are required, got %d", rules.MinAdjustments, len(tx.Adjustments))))
	}
	if len(tx.Taxes) < rules.MinTaxes {
		errs = append(errs, newIssue(join(path, "taxes"), KindReconciliation,
			fmt.Sprintf("at least %d taxes are required, got %d", rules.MinTaxes, len(tx.Taxes))))
	}

	adjustmentTypes := make(map[string]struct{}, len(tx.Adjustments))
	for _, adj := range tx.Adjustments {
		adjustmentTypes[adj.AdjustmentType] = struct{}{}
	}
	if missing := missingTypes(RequiredAdjustmentTypes, adjustmentTypes); len(missing) > 0 {
		errs = append(errs, newIssue(join(path, "adjustments"), KindReconciliation,
			"missing required adjustment types: "+strings.Join(missing, ", ")))
	}

	taxTypes := make(map[string]struct{}, len(tx.Taxes))
	taxAmounts := make(map[string]decimal.Decimal, len(tx.Taxes))
	for _, tax := range tx.Taxes {
		taxTypes[tax.TaxType] = struct{}{}
		taxAmounts[tax.TaxType] = taxAmounts[tax.TaxType].Add(models.AmountOrZero(tax.Amount))
	}
	if !isNonVatSale(taxAmounts) {
		if missing := missingTypes(RequiredTaxTypes, taxTypes); len(missing) > 0 {
			errs = append(errs, newIssue(join(path, "taxes"), KindReconciliation,
				"missing required tax types: "+strings.Join(missing, ", ")))
		}
	}
	return errs
}

// isNonVatSale reports a sale with no VAT component and a positive senior
// citizen VAT-exempt amount. Such sales skip tax-type coverage.
func isNonVatSale(amounts map[string]decimal.Decimal) bool {
	return amounts[TaxVAT].IsZero() &&
		amounts[TaxVatableSales].IsZero() &&
		amounts[TaxSCVatExemptSales].IsPositive()
}

func missingTypes(required []string, present map[string]struct{}) []string {
	var missing []string
	for _, name := range required {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
