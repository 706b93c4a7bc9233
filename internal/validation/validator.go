package validation

import (
	"encoding/json"
	"fmt"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

// document is a decoded submission together with the wire-order views the
// structural checks need.
type document struct {
	envelope     object
	submission   *models.Submission
	transactions []transactionDoc
}

type transactionDoc struct {
	path string
	obj  object
	tx   *models.Transaction
}

// check is one stage of the validation pipeline. Stages are pure and every
// stage runs regardless of what earlier stages reported.
type check func(doc *document, rules Rules) Errors

var pipeline = []check{
	checkStructure,
	checkShape,
	checkReconciliation,
}

func checkStructure(doc *document, _ Rules) Errors {
	errs := CheckSubmissionStructure(doc.envelope)
	for _, t := range doc.transactions {
		errs = append(errs, CheckTransactionStructure(t.obj, t.path)...)
	}
	return errs
}

func checkShape(doc *document, _ Rules) Errors {
	errs := CheckSubmissionShape(doc.envelope, doc.submission)
	for _, t := range doc.transactions {
		errs = append(errs, CheckTransactionShape(t.obj, t.tx, t.path)...)
	}
	return errs
}

func checkReconciliation(doc *document, rules Rules) Errors {
	var errs Errors
	for _, t := range doc.transactions {
		errs = append(errs, ReconcileTransaction(t.tx, t.path, rules)...)
	}
	return errs
}

// Validator runs the full validation pipeline over raw submissions.
type Validator struct {
	rules Rules
}

func NewValidator(rules Rules) *Validator {
	if rules.MinAdjustments <= 0 {
		rules.MinAdjustments = DefaultRules().MinAdjustments
	}
	if rules.MinTaxes <= 0 {
		rules.MinTaxes = DefaultRules().MinTaxes
	}
	return &Validator{rules: rules}
}

// Validate decodes raw and runs every check. On failure the returned error is
// an Errors value; the submission is returned whenever it could be decoded.
func (v *Validator) Validate(raw []byte) (*models.Submission, error) {
	doc, errs := decode(raw)
	if len(errs) > 0 {
		return nil, errs
	}
	for _, stage := range pipeline {
		errs = append(errs, stage(doc, v.rules)...)
	}
	if len(errs) > 0 {
		return doc.submission, errs
	}
	return doc.submission, nil
}

func decode(raw []byte) (*document, Errors) {
	envelope, err := parseObject(raw)
	if err != nil {
		return nil, Errors{newIssue("payload", KindShape, fmt.Sprintf("payload must be a JSON object: %v", err))}
	}
	var sub models.Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, Errors{newIssue("payload", KindShape, fmt.Sprintf("malformed payload: %v", err))}
	}
	doc := &document{envelope: envelope, submission: &sub}
	var errs Errors

	if rawTx, ok := envelope.get("transaction"); ok && sub.Transaction != nil {
		obj, err := parseObject(rawTx)
		if err != nil {
			errs = append(errs, newIssue("transaction", KindShape, "transaction must be an object"))
		} else {
			sub.Transaction.Raw = rawTx
			doc.transactions = append(doc.transactions, transactionDoc{path: "transaction", obj: obj, tx: sub.Transaction})
		}
	}
	if rawList, ok := envelope.get("transactions"); ok {
		var items []json.RawMessage
		if err := json.Unmarshal(rawList, &items); err != nil {
			errs = append(errs, newIssue("transactions", KindShape, "transactions must be an array"))
		}
		for i, item := range items {
			path := fmt.Sprintf("transactions.%d", i)
			obj, err := parseObject(item)
			if err != nil || i >= len(sub.Transactions) {
				errs = append(errs, newIssue(path, KindShape, "transaction must be an object"))
				continue
			}
			sub.Transactions[i].Raw = item
			doc.transactions = append(doc.transactions, transactionDoc{path: path, obj: obj, tx: &sub.Transactions[i]})
		}
	}
	return doc, errs
}
