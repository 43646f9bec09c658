package worker

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"OrderWallet/internal/gateway"
	"OrderWallet/internal/models"
	"OrderWallet/internal/observability"
	"OrderWallet/internal/payments"
	"OrderWallet/internal/refund"
)

const (
	DefaultSchedule  = "@every 1m"
	DefaultBatchSize = 100
)

type CandidateStore interface {
	ListRefundCandidates(ctx context.Context, limit int) ([]*models.Order, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, order *models.Order) refund.Outcome
}

type Worker struct {
	Orders    CandidateStore
	Refunds   Reconciler
	Payments  payments.OrderTransitioner
	Endpoints *gateway.Endpoints
	Schedule  string
	BatchSize int
	// RetryDelay is the pause between gateway reconnect attempts.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

type SweepStats struct {
	Candidates int
	Issued     int
	Skipped    int
	Failed     int
}

// Run starts the reconciliation schedule and the gateway feed and blocks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger := observability.OrNop(w.Logger)
	cronLogger := cron.PrintfLogger(observability.NewPrintfAdapter(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	schedule := w.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := c.AddFunc(schedule, func() {
		if _, err := w.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconcile sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	logger.Info("reconcile sweep scheduled", zap.String("schedule", schedule))

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		w.RunFeed(ctx)
	}()

	<-ctx.Done()
	<-c.Stop().Done()
	<-feedDone
	return nil
}

// SweepOnce replays the refund coordinator for refunded orders that still
// lack a refund marker.
func (w *Worker) SweepOnce(ctx context.Context) (SweepStats, error) {
	logger := observability.OrNop(w.Logger)
	limit := w.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	orders, err := w.Orders.ListRefundCandidates(ctx, limit)
	if err != nil {
		return SweepStats{}, err
	}
	stats := SweepStats{Candidates: len(orders)}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		out := w.Refunds.Reconcile(ctx, order)
		switch {
		case out.Kind == refund.OutcomeIssued:
			stats.Issued++
		case out.Failed():
			stats.Failed++
		default:
			stats.Skipped++
		}
	}
	if stats.Candidates > 0 {
		logger.Info("reconcile sweep finished",
			zap.String("event", "reconcile.sweep"),
			zap.Int("candidates", stats.Candidates),
			zap.Int("issued", stats.Issued),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}
