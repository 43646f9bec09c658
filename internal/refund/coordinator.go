package refund

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"OrderWallet/internal/events"
	"OrderWallet/internal/lock"
	"OrderWallet/internal/models"
	"OrderWallet/internal/notify"
	"OrderWallet/internal/observability"
	"OrderWallet/internal/wallet"
)

const (
	defaultMarkerAttempts = 3
	defaultMarkerBackoff  = 50 * time.Millisecond
	defaultNotifyTimeout  = 5 * time.Second
	failureRecordTimeout  = 5 * time.Second
)

var errMarkerAlreadySet = errors.New("refund marker already set")

type OrderStore interface {
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	SetRefundMarker(ctx context.Context, orderID uuid.UUID, marker models.RefundMarker) (bool, error)
	RecordRefundFailure(ctx context.Context, orderID uuid.UUID, reason string, at time.Time) error
}

type Crediter interface {
	Credit(ctx context.Context, req wallet.CreditRequest) (wallet.CreditResult, error)
}

// Transactor runs fn in one storage transaction; store calls made with the
// context passed to fn join it.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Config struct {
	MarkerRetryAttempts int
	MarkerRetryBackoff  time.Duration
	NotifyTimeout       time.Duration
}

type Deps struct {
	Orders OrderStore
	Ledger Crediter
	// Tx is optional. Without it the credit and the marker are written in
	// two steps and the marker write is retried.
	Tx       Transactor
	Locker   lock.Locker
	Notifier notify.Notifier
	Logger   *zap.Logger
}

type Coordinator struct {
	orders   OrderStore
	ledger   Crediter
	tx       Transactor
	locker   lock.Locker
	notifier notify.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time
	inflight sync.WaitGroup
}

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	if cfg.MarkerRetryAttempts <= 0 {
		cfg.MarkerRetryAttempts = defaultMarkerAttempts
	}
	if cfg.MarkerRetryBackoff <= 0 {
		cfg.MarkerRetryBackoff = defaultMarkerBackoff
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Coordinator{
		orders:   deps.Orders,
		ledger:   deps.Ledger,
		tx:       deps.Tx,
		locker:   locker,
		notifier: deps.Notifier,
		logger:   observability.OrNop(deps.Logger),
		tracer:   otel.Tracer("OrderWallet/internal/refund"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Handle adapts the coordinator to the event bus. Only retryable failures are
// returned; skips and policy violations are not errors for the transition.
func (c *Coordinator) Handle(ctx context.Context, ev events.OrderTransitioned) error {
	out := c.OnOrderTransitioned(ctx, ev)
	if out.Failed() {
		return out.Err
	}
	return nil
}

// Reconcile replays the refund trigger for an order already in refunded.
func (c *Coordinator) Reconcile(ctx context.Context, order *models.Order) Outcome {
	if order == nil || order.Status != models.OrderRefunded {
		out := Outcome{Kind: OutcomeSkipped, Reason: ReasonNotRefundTransition}
		if order != nil {
			out.OrderID = order.ID
		}
		return out
	}
	from := models.OrderCompleted
	if order.PreviousStatus != nil {
		from = *order.PreviousStatus
	}
	return c.OnOrderTransitioned(ctx, events.OrderTransitioned{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		From:        from,
		To:          models.OrderRefunded,
		OccurredAt:  c.now().UTC(),
		Replay:      true,
	})
}

// OnOrderTransitioned credits the owner's wallet at most once per order. It
// never returns an error to the transition path; failures are reported in
// the Outcome and recorded on the order for a later retry.
func (c *Coordinator) OnOrderTransitioned(ctx context.Context, ev events.OrderTransitioned) Outcome {
	if !IsRefundTransition(ev.From, ev.To) {
		return Outcome{Kind: OutcomeSkipped, OrderID: ev.OrderID, Reason: ReasonNotRefundTransition}
	}

	ctx, span := c.tracer.Start(ctx, "refund.reconcile", trace.WithAttributes(
		attribute.String("order.id", ev.OrderID.String()),
		attribute.String("order.number", ev.OrderNumber),
		attribute.Bool("refund.replay", ev.Replay),
	))
	defer span.End()

	out := c.reconcile(ctx, ev)

	span.SetAttributes(attribute.String("refund.outcome", string(out.Kind)))
	if out.Failed() {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Kind))
		c.recordFailure(ctx, out)
	}
	return out
}

func (c *Coordinator) reconcile(ctx context.Context, ev events.OrderTransitioned) Outcome {
	release, err := c.locker.Acquire(ctx, "refund:"+ev.OrderID.String())
	if err != nil {
		c.logger.Error("refund lock acquire failed",
			zap.String("event", "refund.lock_failed"),
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err),
		)
		return Outcome{Kind: OutcomeFailed, OrderID: ev.OrderID, Err: err}
	}
	defer release()

	if c.tx != nil {
		return c.reconcileAtomic(ctx, ev)
	}
	return c.reconcileSequential(ctx, ev)
}

// reconcileAtomic writes the credit and the marker in one transaction.
func (c *Coordinator) reconcileAtomic(ctx context.Context, ev events.OrderTransitioned) Outcome {
	var out Outcome
	var order *models.Order
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = c.orders.GetOrderForUpdate(ctx, ev.OrderID)
		if err != nil {
			out = Outcome{Kind: OutcomeFailed, OrderID: ev.OrderID, Err: err}
			return err
		}
		d := Decide(order, ev.From, ev.To)
		if !d.Issue {
			out = c.declined(order, ev, d)
			return nil
		}

		res, err := c.ledger.Credit(ctx, creditRequest(order, d))
		if err != nil {
			out = Outcome{Kind: OutcomeLedgerFailed, OrderID: order.ID, Amount: d.Amount, Err: err}
			return err
		}

		marker := models.RefundMarker{TransactionID: res.Transaction.ID, Amount: d.Amount, ProcessedAt: c.now().UTC()}
		set, err := c.orders.SetRefundMarker(ctx, order.ID, marker)
		if err != nil {
			out = Outcome{
				Kind:          OutcomeMarkerFailed,
				OrderID:       order.ID,
				Amount:        d.Amount,
				TransactionID: res.Transaction.ID,
				Err:           &MarkerWriteError{OrderID: order.ID, TransactionID: res.Transaction.ID, Err: err},
			}
			return err
		}
		if !set {
			out = Outcome{Kind: OutcomeAlreadyProcessed, OrderID: order.ID, Reason: ReasonAlreadyProcessed}
			return errMarkerAlreadySet
		}
		out = Outcome{
			Kind:          OutcomeIssued,
			OrderID:       order.ID,
			Amount:        d.Amount,
			TransactionID: res.Transaction.ID,
			Duplicate:     res.Duplicate,
		}
		return nil
	})

	switch {
	case errors.Is(err, errMarkerAlreadySet):
		c.logSkipped(order, ev, ReasonAlreadyProcessed)
		return out
	case err != nil && out.Kind == OutcomeIssued:
		out = Outcome{
			Kind:    OutcomeLedgerFailed,
			OrderID: out.OrderID,
			Amount:  out.Amount,
			Err:     &wallet.LedgerWriteError{Op: "commit", Err: err},
		}
	case err != nil && out.Kind == "":
		out = Outcome{Kind: OutcomeFailed, OrderID: ev.OrderID, Err: err}
	}

	switch out.Kind {
	case OutcomeIssued:
		c.issued(order, ev, out)
	case OutcomeLedgerFailed:
		c.logLedgerFailure(order, ev, out)
	case OutcomeMarkerFailed:
		// The transaction rolled back, so the credit did not survive.
		c.logger.Error("refund marker write failed; credit rolled back",
			append(orderFields(order, ev),
				zap.String("event", "refund.marker_write_failed"),
				zap.String("transaction_id", out.TransactionID.String()),
				zap.Error(out.Err),
			)...,
		)
		out.TransactionID = uuid.Nil
	case OutcomeFailed:
		c.logger.Error("refund reconciliation failed",
			zap.String("event", "refund.failed"),
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(out.Err),
		)
	}
	return out
}

// reconcileSequential commits the credit first, then writes the marker with
// bounded retries. The ledger's reference dedup makes a replay after a lost
// marker safe.
func (c *Coordinator) reconcileSequential(ctx context.Context, ev events.OrderTransitioned) Outcome {
	order, err := c.orders.GetOrderForUpdate(ctx, ev.OrderID)
	if err != nil {
		c.logger.Error("refund order read failed",
			zap.String("event", "refund.failed"),
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err),
		)
		return Outcome{Kind: OutcomeFailed, OrderID: ev.OrderID, Err: err}
	}
	d := Decide(order, ev.From, ev.To)
	if !d.Issue {
		return c.declined(order, ev, d)
	}

	res, err := c.ledger.Credit(ctx, creditRequest(order, d))
	if err != nil {
		out := Outcome{Kind: OutcomeLedgerFailed, OrderID: order.ID, Amount: d.Amount, Err: err}
		c.logLedgerFailure(order, ev, out)
		return out
	}

	marker := models.RefundMarker{TransactionID: res.Transaction.ID, Amount: d.Amount, ProcessedAt: c.now().UTC()}
	set, err := c.writeMarker(context.WithoutCancel(ctx), order.ID, marker)
	if err != nil {
		out := Outcome{
			Kind:            OutcomeMarkerFailed,
			OrderID:         order.ID,
			Amount:          d.Amount,
			TransactionID:   res.Transaction.ID,
			Duplicate:       res.Duplicate,
			CreditCommitted: true,
			Err:             &MarkerWriteError{OrderID: order.ID, TransactionID: res.Transaction.ID, Err: err},
		}
		observability.Critical(c.logger, "refund credited but marker write failed",
			append(orderFields(order, ev),
				zap.String("event", "refund.marker_write_failed"),
				zap.String("transaction_id", res.Transaction.ID.String()),
				zap.String("amount", d.Amount.String()),
				zap.Int("attempts", c.cfg.MarkerRetryAttempts),
				zap.Error(err),
			)...,
		)
		return out
	}
	if !set {
		c.logSkipped(order, ev, ReasonAlreadyProcessed)
		return Outcome{Kind: OutcomeAlreadyProcessed, OrderID: order.ID, Reason: ReasonAlreadyProcessed}
	}

	out := Outcome{
		Kind:          OutcomeIssued,
		OrderID:       order.ID,
		Amount:        d.Amount,
		TransactionID: res.Transaction.ID,
		Duplicate:     res.Duplicate,
	}
	c.issued(order, ev, out)
	return out
}

func (c *Coordinator) writeMarker(ctx context.Context, orderID uuid.UUID, marker models.RefundMarker) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MarkerRetryAttempts; attempt++ {
		set, err := c.orders.SetRefundMarker(ctx, orderID, marker)
		if err == nil {
			return set, nil
		}
		lastErr = err
		c.logger.Warn("refund marker write attempt failed",
			zap.String("order_id", orderID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < c.cfg.MarkerRetryAttempts {
			time.Sleep(c.cfg.MarkerRetryBackoff * time.Duration(attempt))
		}
	}
	return false, lastErr
}

func (c *Coordinator) declined(order *models.Order, ev events.OrderTransitioned, d Decision) Outcome {
	switch d.Reason {
	case ReasonAlreadyProcessed:
		c.logSkipped(order, ev, d.Reason)
		return Outcome{Kind: OutcomeAlreadyProcessed, OrderID: order.ID, Reason: d.Reason}
	case ReasonNeverPaid:
		c.logger.Warn("refund requested for order that was never paid",
			append(orderFields(order, ev),
				zap.String("event", "refund.policy_violation"),
				zap.String("payment_status", string(order.PaymentStatus)),
				zap.String("total", order.Totals.Total.String()),
			)...,
		)
		return Outcome{Kind: OutcomePolicyViolation, OrderID: order.ID, Reason: d.Reason, Err: ErrPolicyViolation}
	default:
		c.logger.Debug("refund not applicable",
			append(orderFields(order, ev), zap.String("reason", string(d.Reason)))...,
		)
		return Outcome{Kind: OutcomeSkipped, OrderID: order.ID, Reason: d.Reason}
	}
}

func (c *Coordinator) issued(order *models.Order, ev events.OrderTransitioned, out Outcome) {
	c.logger.Info("refund issued",
		append(orderFields(order, ev),
			zap.String("event", "refund.issued"),
			zap.String("transaction_id", out.TransactionID.String()),
			zap.String("amount", out.Amount.String()),
			zap.Bool("duplicate_credit", out.Duplicate),
		)...,
	)
	if c.notifier == nil {
		return
	}

	msg := notify.RefundIssued{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		TransactionID: out.TransactionID,
		Amount:        out.Amount,
		Currency:      order.Currency,
		IssuedAt:      c.now().UTC(),
		Replay:        ev.Replay,
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		nctx, cancel := context.WithTimeout(context.Background(), c.cfg.NotifyTimeout)
		defer cancel()
		if err := c.notifier.RefundIssued(nctx, msg); err != nil {
			c.logger.Warn("refund notification failed",
				zap.String("order_id", msg.OrderID.String()),
				zap.String("transaction_id", msg.TransactionID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) logSkipped(order *models.Order, ev events.OrderTransitioned, reason Reason) {
	c.logger.Info("refund skipped",
		append(orderFields(order, ev),
			zap.String("event", "refund.skipped"),
			zap.String("reason", string(reason)),
		)...,
	)
}

func (c *Coordinator) logLedgerFailure(order *models.Order, ev events.OrderTransitioned, out Outcome) {
	c.logger.Error("refund ledger write failed",
		append(orderFields(order, ev),
			zap.String("event", "refund.ledger_write_failed"),
			zap.String("amount", out.Amount.String()),
			zap.Error(out.Err),
		)...,
	)
}

func (c *Coordinator) recordFailure(ctx context.Context, out Outcome) {
	if out.OrderID == uuid.Nil || out.Err == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()
	if err := c.orders.RecordRefundFailure(rctx, out.OrderID, out.Err.Error(), c.now()); err != nil {
		c.logger.Warn("refund failure could not be recorded",
			zap.String("order_id", out.OrderID.String()),
			zap.Error(err),
		)
	}
}

func creditRequest(order *models.Order, d Decision) wallet.CreditRequest {
	return wallet.CreditRequest{
		OwnerID:     order.UserID,
		Amount:      d.Amount,
		Type:        models.TxRefund,
		Reference:   order.OrderNumber,
		Description: "Refund for order " + order.OrderNumber,
		Currency:    order.Currency,
		Metadata:    models.TransactionMetadata{OrderID: order.ID.String()},
	}
}

func orderFields(order *models.Order, ev events.OrderTransitioned) []zap.Field {
	fields := []zap.Field{
		zap.String("order_id", ev.OrderID.String()),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.Bool("replay", ev.Replay),
	}
	if order != nil {
		fields = append(fields,
			zap.String("order_number", order.OrderNumber),
			zap.String("user_id", order.UserID),
		)
	}
	return fields
}
