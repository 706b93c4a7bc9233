package validation

import "fmt"

// transactionScalarFields must all precede payload_checksum inside a transaction.
var transactionScalarFields = []string{
	"transaction_id",
	"transaction_timestamp",
	"gross_sales",
	"net_sales",
	"promo_status",
	"customer_code",
}

// CheckSubmissionStructure verifies that the envelope's payload_checksum is
// declared before the transaction payload it covers.
func CheckSubmissionStructure(envelope object) Errors {
	checksum := envelope.index("payload_checksum")
	if checksum < 0 {
		return Errors{newIssue(StructureField, KindStructure, "submission payload_checksum is missing")}
	}
	var errs Errors
	for _, key := range []string{"transaction", "transactions"} {
		if pos := envelope.index(key); pos >= 0 && pos < checksum {
			errs = append(errs, newIssue(StructureField, KindStructure,
				fmt.Sprintf("submission payload_checksum must appear before %s", key)))
		}
	}
	return errs
}

// CheckTransactionStructure verifies the key order of one transaction object:
// scalar fields, then payload_checksum, then adjustments and taxes. path names
// the transaction in messages (e.g. "transactions.2").
func CheckTransactionStructure(tx object, path string) Errors {
	checksum := tx.index("payload_checksum")
	if checksum < 0 {
		return Errors{newIssue(StructureField, KindStructure, path+": payload_checksum is missing")}
	}
	var errs Errors
	for _, field := range transactionScalarFields {
		if pos := tx.index(field); pos > checksum {
			errs = append(errs, newIssue(StructureField, KindStructure,
				fmt.Sprintf("%s: %s must appear before payload_checksum", path, field)))
		}
	}
	for _, key := range []string{"adjustments", "taxes"} {
		if pos := tx.index(key); pos >= 0 && pos < checksum {
			errs = append(errs, newIssue(StructureField, KindStructure,
				fmt.Sprintf("%s: payload_checksum must appear before %s", path, key)))
		}
	}
	return errs
}
