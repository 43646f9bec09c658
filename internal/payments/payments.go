package payments

import (
	"context"
	"errors"
	"fmt"

	"OrderWallet/internal/events"
	"OrderWallet/internal/gateway"
	"OrderWallet/internal/models"
	"OrderWallet/internal/services"
	"OrderWallet/internal/store"
)

var (
	ErrAmountMismatch   = errors.New("payment amount does not match order total")
	ErrCurrencyMismatch = errors.New("payment currency does not match order currency")
	ErrUnsupportedEvent = errors.New("unsupported gateway event type")
)

type OrderTransitioner interface {
	GetOrder(ctx context.Context, orderNumber string) (*models.Order, error)
	Transition(ctx context.Context, orderNumber string, target models.OrderStatus) (services.TransitionResult, error)
	TransitionPayment(ctx context.Context, orderNumber string, target models.PaymentStatus) (services.TransitionResult, error)
}

type Result struct {
	OrderNumber string
	// Skipped is set when the event names an order this service does not know.
	Skipped       bool
	Changed       bool
	HandlerErrors []events.HandlerError
}

func (r *Result) add(res services.TransitionResult) {
	r.Changed = r.Changed || res.Changed
	r.HandlerErrors = append(r.HandlerErrors, res.HandlerErrors...)
}

// ApplyGatewayEvent maps one gateway event onto order transitions. Replayed
// events are no-ops because same-status transitions are.
func ApplyGatewayEvent(ctx context.Context, svc OrderTransitioner, ev gateway.Event) (Result, error) {
	out := Result{OrderNumber: ev.OrderNumber}
	order, err := svc.GetOrder(ctx, ev.OrderNumber)
	if errors.Is(err, store.ErrOrderNotFound) {
		out.Skipped = true
		return out, nil
	}
	if err != nil {
		return out, err
	}

	switch ev.Type {
	case gateway.PaymentSucceeded:
		if err := CheckAmount(order, ev); err != nil {
			return out, err
		}
		res, err := svc.TransitionPayment(ctx, order.OrderNumber, models.PaymentPaid)
		if err != nil {
			return out, err
		}
		out.add(res)
		if order.Status == models.OrderPending {
			res, err := svc.Transition(ctx, order.OrderNumber, models.OrderProcessing)
			if err != nil {
				return out, err
			}
			out.add(res)
		}
	case gateway.PaymentFailed:
		res, err := svc.TransitionPayment(ctx, order.OrderNumber, models.PaymentFailed)
		if err != nil {
			return out, err
		}
		out.add(res)
	case gateway.OrderCompleted:
		return out, transition(ctx, svc, &out, order.OrderNumber, models.OrderCompleted)
	case gateway.OrderCancelled:
		return out, transition(ctx, svc, &out, order.OrderNumber, models.OrderCancelled)
	case gateway.RefundSucceeded:
		if err := transition(ctx, svc, &out, order.OrderNumber, models.OrderRefunded); err != nil {
			return out, err
		}
		if order.PaymentStatus == models.PaymentPaid {
			res, err := svc.TransitionPayment(ctx, order.OrderNumber, models.PaymentRefunded)
			if err != nil {
				return out, err
			}
			out.add(res)
		}
	default:
		return out, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Type)
	}
	return out, nil
}

// CheckAmount requires the paid amount to equal the order total exactly.
func CheckAmount(order *models.Order, ev gateway.Event) error {
	if ev.Currency != "" && ev.Currency != order.Currency {
		return fmt.Errorf("%w: got %s, want %s", ErrCurrencyMismatch, ev.Currency, order.Currency)
	}
	if !ev.Amount.Equal(order.Totals.Total) {
		return fmt.Errorf("%w: got %s, want %s", ErrAmountMismatch, ev.Amount, order.Totals.Total)
	}
	return nil
}

func transition(ctx context.Context, svc OrderTransitioner, out *Result, orderNumber string, target models.OrderStatus) error {
	res, err := svc.Transition(ctx, orderNumber, target)
	if err != nil {
		return err
	}
	out.add(res)
	return nil
}
