package refund

import (
	"github.com/shopspring/decimal"

	"OrderWallet/internal/models"
)

type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNotRefundTransition Reason = "not_refund_transition"
	ReasonAlreadyProcessed    Reason = "already_processed"
	ReasonNeverPaid           Reason = "never_paid"
	ReasonNothingToRefund     Reason = "nothing_to_refund"
)

// Decision is the policy's verdict for one transition. Amount is only
// meaningful when Issue is set.
type Decision struct {
	Issue  bool
	Amount decimal.Decimal
	Reason Reason
}

// IsRefundTransition reports whether moving from one status to another enters refunded.
func IsRefundTransition(from, to models.OrderStatus) bool {
	return to == models.OrderRefunded && from != models.OrderRefunded
}

// Decide is pure: the refund amount is the order total, issued only when the
// order enters refunded for the first time, was paid at some point and has
// no refund marker.
func Decide(order *models.Order, from, to models.OrderStatus) Decision {
	switch {
	case order == nil || !IsRefundTransition(from, to):
		return Decision{Reason: ReasonNotRefundTransition}
	case order.Metadata.RefundProcessed:
		return Decision{Reason: ReasonAlreadyProcessed}
	case !order.EverPaid():
		return Decision{Reason: ReasonNeverPaid}
	case !order.Totals.Total.IsPositive():
		return Decision{Reason: ReasonNothingToRefund}
	}
	return Decision{Issue: true, Amount: order.Totals.Total}
}

// ShouldRefund returns the refund amount, or false when no refund applies.
func ShouldRefund(order *models.Order, from, to models.OrderStatus) (decimal.Decimal, bool) {
	d := Decide(order, from, to)
	return d.Amount, d.Issue
}
