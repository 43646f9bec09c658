// Package lifecycle holds the order status and payment-status transition rules.
// It performs no I/O; persistence and event emission live in the services package.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"OrderWallet/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStatus     = errors.New("unknown status")
)

type Axis string

const (
	AxisStatus  Axis = "status"
	AxisPayment Axis = "payment_status"
)

// InvalidTransitionError reports a requested change that is not an allowed edge.
type InvalidTransitionError struct {
	Axis Axis
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Axis, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// cancelled and refunded are terminal.
var statusTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:    {models.OrderProcessing, models.OrderCancelled},
	models.OrderProcessing: {models.OrderCompleted, models.OrderCancelled, models.OrderRefunded},
	models.OrderCompleted:  {models.OrderRefunded},
}

var paymentTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentPending: {models.PaymentPaid, models.PaymentFailed},
	models.PaymentFailed:  {models.PaymentPaid, models.PaymentPending},
	models.PaymentPaid:    {models.PaymentRefunded},
}

func CanTransition(from, to models.OrderStatus) bool {
	return slices.Contains(statusTransitions[from], to)
}

func CanTransitionPayment(from, to models.PaymentStatus) bool {
	return slices.Contains(paymentTransitions[from], to)
}

// AllowedTargets lists the statuses reachable from the given one.
func AllowedTargets(from models.OrderStatus) []models.OrderStatus {
	return slices.Clone(statusTransitions[from])
}

// ApplyStatus moves order to target. It returns false without touching the
// order when the order already has the target status.
func ApplyStatus(order *models.Order, target models.OrderStatus, now time.Time) (bool, error) {
	if !target.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	current := order.Status
	if current == target {
		return false, nil
	}
	if !CanTransition(current, target) {
		return false, &InvalidTransitionError{Axis: AxisStatus, From: string(current), To: string(target)}
	}

	prev := current
	order.PreviousStatus = &prev
	order.Status = target
	order.UpdatedAt = now
	stampStatus(order, target, now)
	return true, nil
}

// ApplyPayment moves the payment axis to target with the same no-op rule as ApplyStatus.
func ApplyPayment(order *models.Order, target models.PaymentStatus, now time.Time) (bool, error) {
	if !target.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	current := order.PaymentStatus
	if current == target {
		return false, nil
	}
	if !CanTransitionPayment(current, target) {
		return false, &InvalidTransitionError{Axis: AxisPayment, From: string(current), To: string(target)}
	}

	order.PaymentStatus = target
	order.UpdatedAt = now
	if target == models.PaymentPaid && order.PaidAt == nil {
		order.PaidAt = &now
	}
	return true, nil
}

func stampStatus(order *models.Order, status models.OrderStatus, now time.Time) {
	switch status {
	case models.OrderCompleted:
		if order.CompletedAt == nil {
			order.CompletedAt = &now
		}
	case models.OrderCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	case models.OrderRefunded:
		if order.RefundedAt == nil {
			order.RefundedAt = &now
		}
	}
}
