package refund

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"OrderWallet/internal/events"
	"OrderWallet/internal/models"
	"OrderWallet/internal/notify"
	"OrderWallet/internal/store"
	"OrderWallet/internal/wallet"
)

type harness struct {
	mem    *store.Memory
	ledger *wallet.Ledger
	logs   *observer.ObservedLogs
	logger *zap.Logger
}

func newHarness() *harness {
	core, logs := observer.New(zapcore.DebugLevel)
	mem := store.NewMemory()
	return &harness{mem: mem, ledger: wallet.NewLedger(mem, nil), logs: logs, logger: zap.New(core)}
}

func (h *harness) coordinator(atomic bool, orders OrderStore, ledger Crediter, n notify.Notifier) *Coordinator {
	deps := Deps{Orders: orders, Ledger: ledger, Notifier: n, Logger: h.logger}
	if atomic {
		deps.Tx = h.mem
	}
	return NewCoordinator(deps, Config{MarkerRetryAttempts: 3, MarkerRetryBackoff: time.Millisecond})
}

func (h *harness) seedRefunded(t *testing.T, total string, paid bool) *models.Order {
	t.Helper()
	now := time.Now().UTC()
	prev := models.OrderCompleted
	order := &models.Order{
		ID:             uuid.New(),
		OrderNumber:    "ORD-" + uuid.NewString()[:8],
		UserID:         "user-1",
		Status:         models.OrderRefunded,
		PreviousStatus: &prev,
		PaymentStatus:  models.PaymentPaid,
		Totals:         models.Totals{Subtotal: decimal.RequireFromString(total), Total: decimal.RequireFromString(total)},
		Currency:       "USD",
		CompletedAt:    &now,
		RefundedAt:     &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if paid {
		order.PaidAt = &now
	} else {
		order.PaymentStatus = models.PaymentPending
	}
	require.NoError(t, h.mem.CreateOrder(context.Background(), order))
	return order
}

func refundEvent(order *models.Order) events.OrderTransitioned {
	return events.OrderTransitioned{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		From:        models.OrderCompleted,
		To:          models.OrderRefunded,
		OccurredAt:  time.Now().UTC(),
	}
}

type failingLedger struct {
	err error
}

func (f failingLedger) Credit(ctx context.Context, req wallet.CreditRequest) (wallet.CreditResult, error) {
	return wallet.CreditResult{}, &wallet.LedgerWriteError{Op: "credit", Err: f.err}
}

type flakyMarkers struct {
	*store.Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyMarkers) SetRefundMarker(ctx context.Context, id uuid.UUID, m models.RefundMarker) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return false, errors.New("metadata write timeout")
	}
	return f.Memory.SetRefundMarker(ctx, id, m)
}

type captureNotifier struct {
	ch chan notify.RefundIssued
}

func (c captureNotifier) RefundIssued(ctx context.Context, ev notify.RefundIssued) error {
	c.ch <- ev
	return nil
}

func (captureNotifier) Close() {}

func TestCoordinator_IssuesRefundOnce(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		h := newHarness()
		order := h.seedRefunded(t, "150.00", true)
		c := h.coordinator(atomic, h.mem, h.ledger, nil)
		ctx := context.Background()

		out := c.OnOrderTransitioned(ctx, refundEvent(order))
		require.Equal(t, OutcomeIssued, out.Kind, "atomic=%v", atomic)
		assert.NoError(t, out.Err)
		assert.Equal(t, "150", out.Amount.String())

		txs, err := h.ledger.Transactions(ctx, "user-1", 10)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, models.TxRefund, txs[0].Type)
		assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("150.00")))
		require.NotNil(t, txs[0].Reference)
		assert.Equal(t, order.OrderNumber, *txs[0].Reference)
		assert.Equal(t, order.ID.String(), txs[0].Metadata.OrderID)

		got, err := h.mem.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, got.Metadata.RefundProcessed)
		require.NotNil(t, got.Metadata.RefundAmount)
		assert.True(t, got.Metadata.RefundAmount.Equal(decimal.RequireFromString("150.00")))
		assert.Equal(t, out.TransactionID, *got.Metadata.RefundTransactionID)

		assert.Equal(t, 1, h.logs.FilterField(zap.String("event", "refund.issued")).Len())
	}
}

func TestCoordinator_ReplayIsIdempotent(t *testing.T) {
	h := newHarness()
	order := h.seedRefunded(t, "150.00", true)
	c := h.coordinator(true, h.mem, h.ledger, nil)
	ctx := context.Background()

	require.Equal(t, OutcomeIssued, c.OnOrderTransitioned(ctx, refundEvent(order)).Kind)

	again := c.OnOrderTransitioned(ctx, refundEvent(order))
	assert.Equal(t, OutcomeAlreadyProcessed, again.Kind)
	assert.False(t, again.Failed())

	same := refundEvent(order)
	same.From = models.OrderRefunded
	assert.Equal(t, OutcomeSkipped, c.OnOrderTransitioned(ctx, same).Kind)

	got, err := h.mem.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, c.Reconcile(ctx, got).Kind)

	txs, err := h.ledger.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, 2, h.logs.FilterField(zap.String("event", "refund.skipped")).Len())
}

func TestCoordinator_NeverPaidIsPolicyViolation(t *testing.T) {
	h := newHarness()
	order := h.seedRefunded(t, "150.00", false)
	c := h.coordinator(true, h.mem, h.ledger, nil)

	out := c.OnOrderTransitioned(context.Background(), refundEvent(order))
	assert.Equal(t, OutcomePolicyViolation, out.Kind)
	assert.ErrorIs(t, out.Err, ErrPolicyViolation)
	assert.False(t, out.Failed())
	assert.NoError(t, c.Handle(context.Background(), refundEvent(order)))

	warnings := h.logs.FilterField(zap.String("event", "refund.policy_violation"))
	require.Equal(t, 2, warnings.Len())
	assert.Equal(t, zapcore.WarnLevel, warnings.All()[0].Level)

	txs, err := h.ledger.Transactions(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestCoordinator_ConcurrentInvocationsCreditOnce(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		h := newHarness()
		order := h.seedRefunded(t, "42.50", true)
		c := h.coordinator(atomic, h.mem, h.ledger, nil)

		var wg sync.WaitGroup
		outcomes := make(chan Outcome, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes <- c.OnOrderTransitioned(context.Background(), refundEvent(order))
			}()
		}
		wg.Wait()
		close(outcomes)

		counts := map[OutcomeKind]int{}
		for out := range outcomes {
			counts[out.Kind]++
		}
		assert.Equal(t, 1, counts[OutcomeIssued], "atomic=%v", atomic)
		assert.Equal(t, 7, counts[OutcomeAlreadyProcessed], "atomic=%v", atomic)

		txs, err := h.ledger.Transactions(context.Background(), "user-1", 10)
		require.NoError(t, err)
		assert.Len(t, txs, 1)

		check, err := h.ledger.Verify(context.Background(), "user-1")
		require.NoError(t, err)
		assert.True(t, check.Consistent)
		assert.True(t, check.Balance.Equal(decimal.RequireFromString("42.50")))
	}
}

func TestCoordinator_LedgerFailureIsRecordedAndRetryable(t *testing.T) {
	h := newHarness()
	order := h.seedRefunded(t, "150.00", true)
	ctx := context.Background()
	boom := errors.New("connection refused")

	broken := h.coordinator(true, h.mem, failingLedger{err: boom}, nil)
	out := broken.OnOrderTransitioned(ctx, refundEvent(order))
	assert.Equal(t, OutcomeLedgerFailed, out.Kind)
	assert.True(t, out.Failed())
	var lwe *wallet.LedgerWriteError
	require.ErrorAs(t, out.Err, &lwe)
	assert.ErrorIs(t, out.Err, boom)
	assert.Error(t, broken.Handle(ctx, refundEvent(order)))

	failed := h.logs.FilterField(zap.String("event", "refund.ledger_write_failed"))
	require.GreaterOrEqual(t, failed.Len(), 1)
	assert.Equal(t, zapcore.ErrorLevel, failed.All()[0].Level)

	got, err := h.mem.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, got.Metadata.RefundProcessed)
	require.NotNil(t, got.Metadata.RefundLastError)
	assert.Contains(t, *got.Metadata.RefundLastError, "connection refused")
	assert.NotNil(t, got.Metadata.RefundLastAttemptAt)

	healthy := h.coordinator(true, h.mem, h.ledger, nil)
	retry := healthy.Reconcile(ctx, got)
	assert.Equal(t, OutcomeIssued, retry.Kind)

	got, err = h.mem.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, got.Metadata.RefundProcessed)
	assert.Nil(t, got.Metadata.RefundLastError)
}

func TestCoordinator_SequentialMarkerFailureIsCritical(t *testing.T) {
	h := newHarness()
	order := h.seedRefunded(t, "150.00", true)
	ctx := context.Background()
	flaky := &flakyMarkers{Memory: h.mem, failures: 3}

	c := h.coordinator(false, flaky, h.ledger, nil)
	out := c.OnOrderTransitioned(ctx, refundEvent(order))
	assert.Equal(t, OutcomeMarkerFailed, out.Kind)
	assert.True(t, out.CreditCommitted)
	var mwe *MarkerWriteError
	require.ErrorAs(t, out.Err, &mwe)
	assert.Equal(t, order.ID, mwe.OrderID)
	assert.Equal(t, out.TransactionID, mwe.TransactionID)
	assert.Equal(t, 3, flaky.calls)

	critical := h.logs.FilterField(zap.String("event", "refund.marker_write_failed"))
	require.Equal(t, 1, critical.Len())
	assert.Equal(t, zapcore.DPanicLevel, critical.All()[0].Level)

	// The replay finds the committed credit through the reference key.
	got, err := h.mem.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	retry := c.Reconcile(ctx, got)
	assert.Equal(t, OutcomeIssued, retry.Kind)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, out.TransactionID, retry.TransactionID)

	txs, err := h.ledger.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestCoordinator_SequentialMarkerRetrySucceeds(t *testing.T) {
	h := newHarness()
	order := h.seedRefunded(t, "10.00", true)
	flaky := &flakyMarkers{Memory: h.mem, failures: 2}

	out := h.coordinator(false, flaky, h.ledger, nil).OnOrderTransitioned(context.Background(), refundEvent(order))
	assert.Equal(t, OutcomeIssued, out.Kind)
	assert.Equal(t, 3, flaky.calls)
}

func TestCoordinator_AtomicMarkerFailureRollsBackCredit(t *testing.T) {
	h := newHarness()
	order := h.seedRefunded(t, "150.00", true)
	ctx := context.Background()
	flaky := &flakyMarkers{Memory: h.mem, failures: 1}

	out := h.coordinator(true, flaky, h.ledger, nil).OnOrderTransitioned(ctx, refundEvent(order))
	assert.Equal(t, OutcomeMarkerFailed, out.Kind)
	assert.False(t, out.CreditCommitted)

	txs, err := h.ledger.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
	balance, err := h.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestCoordinator_NotifiesAfterIssue(t *testing.T) {
	h := newHarness()
	order := h.seedRefunded(t, "150.00", true)
	n := captureNotifier{ch: make(chan notify.RefundIssued, 1)}
	c := h.coordinator(true, h.mem, h.ledger, n)

	out := c.OnOrderTransitioned(context.Background(), refundEvent(order))
	require.Equal(t, OutcomeIssued, out.Kind)
	c.Wait()

	select {
	case ev := <-n.ch:
		assert.Equal(t, order.OrderNumber, ev.OrderNumber)
		assert.Equal(t, out.TransactionID, ev.TransactionID)
		assert.True(t, ev.Amount.Equal(out.Amount))
	default:
		t.Fatal("expected a refund notification")
	}
}

func TestCoordinator_NonRefundTransitionSkipsWithoutReading(t *testing.T) {
	h := newHarness()
	c := h.coordinator(true, h.mem, h.ledger, nil)
	out := c.OnOrderTransitioned(context.Background(), events.OrderTransitioned{
		OrderID: uuid.New(),
		From:    models.OrderPending,
		To:      models.OrderProcessing,
	})
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, ReasonNotRefundTransition, out.Reason)
}
