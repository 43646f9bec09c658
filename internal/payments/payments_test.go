package payments

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OrderWallet/internal/events"
	"OrderWallet/internal/gateway"
	"OrderWallet/internal/lifecycle"
	"OrderWallet/internal/models"
	"OrderWallet/internal/refund"
	"OrderWallet/internal/services"
	"OrderWallet/internal/store"
	"OrderWallet/internal/wallet"
)

func setup(t *testing.T) (services.OrderService, *wallet.Ledger, *models.Order) {
	t.Helper()
	mem := store.NewMemory()
	ledger := wallet.NewLedger(mem, nil)
	bus := events.NewBus(nil)
	coord := refund.NewCoordinator(refund.Deps{Orders: mem, Ledger: ledger, Tx: mem}, refund.Config{})
	bus.Subscribe("refund", coord.Handle)
	svc := services.OrderService{Store: mem, Events: bus}

	order, err := svc.CreateOrder(context.Background(), services.CreateOrderInput{
		UserID:   "user-1",
		Currency: "USD",
		Subtotal: decimal.RequireFromString("150.00"),
	})
	require.NoError(t, err)
	return svc, ledger, order
}

func event(typ gateway.EventType, order *models.Order, amount string) gateway.Event {
	ev := gateway.Event{Type: typ, OrderNumber: order.OrderNumber, Currency: "USD"}
	if amount != "" {
		ev.Amount = decimal.RequireFromString(amount)
	}
	return ev
}

func TestApplyGatewayEvent_FullLifecycleWithRefund(t *testing.T) {
	svc, ledger, order := setup(t)
	ctx := context.Background()

	res, err := ApplyGatewayEvent(ctx, svc, event(gateway.PaymentSucceeded, order, "150"))
	require.NoError(t, err)
	assert.True(t, res.Changed)

	got, err := svc.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, models.OrderProcessing, got.Status)

	_, err = ApplyGatewayEvent(ctx, svc, event(gateway.OrderCompleted, order, ""))
	require.NoError(t, err)

	res, err = ApplyGatewayEvent(ctx, svc, event(gateway.RefundSucceeded, order, "150"))
	require.NoError(t, err)
	assert.Empty(t, res.HandlerErrors)

	got, err = svc.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.OrderRefunded, got.Status)
	assert.Equal(t, models.PaymentRefunded, got.PaymentStatus)
	assert.True(t, got.Metadata.RefundProcessed)

	// Gateway redelivery.
	res, err = ApplyGatewayEvent(ctx, svc, event(gateway.RefundSucceeded, order, "150"))
	require.NoError(t, err)
	assert.False(t, res.Changed)

	txs, err := ledger.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestApplyGatewayEvent_AmountMismatch(t *testing.T) {
	svc, _, order := setup(t)
	ctx := context.Background()

	_, err := ApplyGatewayEvent(ctx, svc, event(gateway.PaymentSucceeded, order, "149.99"))
	assert.ErrorIs(t, err, ErrAmountMismatch)

	ev := event(gateway.PaymentSucceeded, order, "150")
	ev.Currency = "EUR"
	_, err = ApplyGatewayEvent(ctx, svc, ev)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	got, err := svc.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.PaymentStatus)
	assert.Nil(t, got.PaidAt)
}

func TestApplyGatewayEvent_FailedThenCancelled(t *testing.T) {
	svc, _, order := setup(t)
	ctx := context.Background()

	_, err := ApplyGatewayEvent(ctx, svc, event(gateway.PaymentFailed, order, ""))
	require.NoError(t, err)
	_, err = ApplyGatewayEvent(ctx, svc, event(gateway.OrderCancelled, order, ""))
	require.NoError(t, err)

	got, err := svc.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, models.OrderCancelled, got.Status)

	_, err = ApplyGatewayEvent(ctx, svc, event(gateway.OrderCompleted, order, ""))
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestApplyGatewayEvent_UnknownOrderAndType(t *testing.T) {
	svc, _, order := setup(t)
	ctx := context.Background()

	res, err := ApplyGatewayEvent(ctx, svc, gateway.Event{Type: gateway.PaymentFailed, OrderNumber: "ORD-nope"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	_, err = ApplyGatewayEvent(ctx, svc, gateway.Event{Type: "payout.created", OrderNumber: order.OrderNumber})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}
