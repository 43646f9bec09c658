package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"OrderWallet/internal/events"
	"OrderWallet/internal/lifecycle"
	"OrderWallet/internal/models"
)

var (
	ErrMissingUserID      = errors.New("missing user id")
	ErrMissingOrderNumber = errors.New("missing order number")
	ErrInvalidCurrency    = errors.New("currency must be a 3-letter code")
)

var tracer = otel.Tracer("OrderWallet/internal/services")

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	UpdateOrderState(ctx context.Context, order *models.Order, expectedStatus models.OrderStatus, expectedPayment models.PaymentStatus) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev events.OrderTransitioned) []events.HandlerError
}

type OrderService struct {
	Store  OrderStore
	Events EventPublisher
	Logger *zap.Logger
	Now    func() time.Time
}

type CreateOrderInput struct {
	UserID       string
	Currency     string
	Subtotal     decimal.Decimal
	Tax          decimal.Decimal
	ShippingCost decimal.Decimal
	Discount     decimal.Decimal
}

// TransitionResult describes an applied (or no-op) transition. HandlerErrors
// carries failures of event subscribers such as refund reconciliation; they
// never undo the transition.
type TransitionResult struct {
	Order         *models.Order
	Changed       bool
	Event         *events.OrderTransitioned
	HandlerErrors []events.HandlerError
}

func (s OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, ErrMissingUserID
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return nil, ErrInvalidCurrency
	}
	totals, err := models.ComputeTotals(in.Subtotal, in.Tax, in.ShippingCost, in.Discount)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		ID:            uuid.New(),
		OrderNumber:   "ORD-" + ulid.Make().String(),
		UserID:        userID,
		Status:        models.OrderPending,
		PaymentStatus: models.PaymentPending,
		Totals:        totals,
		Currency:      currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logger().Info("order created",
		zap.String("event", "order.created"),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("total", order.Totals.Total.String()),
	)
	return order, nil
}

func (s OrderService) GetOrder(ctx context.Context, orderNumber string) (*models.Order, error) {
	if strings.TrimSpace(orderNumber) == "" {
		return nil, ErrMissingOrderNumber
	}
	return s.Store.GetOrderByNumber(ctx, orderNumber)
}

// Transition moves the order's status and publishes the change. Errors are
// transition errors only: invalid edges, unknown orders and concurrent
// updates (store.ErrStatusConflict).
func (s OrderService) Transition(ctx context.Context, orderNumber string, target models.OrderStatus) (TransitionResult, error) {
	ctx, span := tracer.Start(ctx, "order.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.number", orderNumber),
		attribute.String("order.target_status", string(target)),
	)

	order, err := s.GetOrder(ctx, orderNumber)
	if err != nil {
		span.RecordError(err)
		return TransitionResult{}, err
	}
	from := order.Status
	fromPayment := order.PaymentStatus

	changed, err := lifecycle.ApplyStatus(order, target, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid transition")
		return TransitionResult{}, err
	}
	if !changed {
		return TransitionResult{Order: order}, nil
	}
	if err := s.Store.UpdateOrderState(ctx, order, from, fromPayment); err != nil {
		span.RecordError(err)
		return TransitionResult{}, fmt.Errorf("persist transition %s -> %s: %w", from, target, err)
	}

	ev := events.OrderTransitioned{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		From:        from,
		To:          target,
		OccurredAt:  order.UpdatedAt,
	}
	s.logger().Info("order transitioned",
		zap.String("event", "order.transitioned"),
		zap.String("order_number", order.OrderNumber),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)

	res := TransitionResult{Order: order, Changed: true, Event: &ev}
	if s.Events != nil {
		// Subscribers run to completion even if the caller goes away.
		res.HandlerErrors = s.Events.Publish(context.WithoutCancel(ctx), ev)
	}
	if len(res.HandlerErrors) > 0 {
		span.SetAttributes(attribute.Int("order.handler_failures", len(res.HandlerErrors)))
	}
	return res, nil
}

// TransitionPayment moves the payment axis. No event is published.
func (s OrderService) TransitionPayment(ctx context.Context, orderNumber string, target models.PaymentStatus) (TransitionResult, error) {
	order, err := s.GetOrder(ctx, orderNumber)
	if err != nil {
		return TransitionResult{}, err
	}
	from := order.PaymentStatus

	changed, err := lifecycle.ApplyPayment(order, target, s.now())
	if err != nil || !changed {
		return TransitionResult{Order: order}, err
	}
	if err := s.Store.UpdateOrderState(ctx, order, order.Status, from); err != nil {
		return TransitionResult{}, fmt.Errorf("persist payment transition %s -> %s: %w", from, target, err)
	}
	s.logger().Info("order payment status changed",
		zap.String("event", "order.payment_transitioned"),
		zap.String("order_number", order.OrderNumber),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return TransitionResult{Order: order, Changed: true}, nil
}

func (s OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s OrderService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
