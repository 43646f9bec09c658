package refund

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyProcessed = errors.New("refund already processed")
	ErrPolicyViolation  = errors.New("refund requested for an order that was never paid")
)

// MarkerWriteError means the wallet credit was committed but the order's
// refund marker could not be written.
type MarkerWriteError struct {
	OrderID       uuid.UUID
	TransactionID uuid.UUID
	Err           error
}

func (e *MarkerWriteError) Error() string {
	return fmt.Sprintf("refund marker for order %s (transaction %s): %v", e.OrderID, e.TransactionID, e.Err)
}

func (e *MarkerWriteError) Unwrap() error {
	return e.Err
}

type OutcomeKind string

const (
	OutcomeIssued           OutcomeKind = "issued"
	OutcomeSkipped          OutcomeKind = "skipped"
	OutcomeAlreadyProcessed OutcomeKind = "already_processed"
	OutcomePolicyViolation  OutcomeKind = "policy_violation"
	OutcomeLedgerFailed     OutcomeKind = "ledger_write_failed"
	OutcomeMarkerFailed     OutcomeKind = "marker_write_failed"
	OutcomeFailed           OutcomeKind = "failed"
)

// Outcome is the result of one reconciliation attempt. Err is set for the
// failure kinds and for OutcomePolicyViolation.
type Outcome struct {
	Kind          OutcomeKind
	OrderID       uuid.UUID
	Reason        Reason
	Amount        decimal.Decimal
	TransactionID uuid.UUID
	// Duplicate is set when the ledger returned a credit committed by an
	// earlier attempt.
	Duplicate bool
	// CreditCommitted is set when a wallet credit exists for the order even
	// though the outcome is a failure.
	CreditCommitted bool
	Err             error
}

// Failed reports whether the attempt should be retried by a later pass.
func (o Outcome) Failed() bool {
	switch o.Kind {
	case OutcomeLedgerFailed, OutcomeMarkerFailed, OutcomeFailed:
		return true
	}
	return false
}
