package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"OrderWallet/internal/gateway"
	"OrderWallet/internal/observability"
	"OrderWallet/internal/payments"
)

const defaultRetryDelay = 3 * time.Second

// RunFeed consumes the payment gateway's event stream, failing over between
// endpoints, until ctx is cancelled.
func (w *Worker) RunFeed(ctx context.Context) {
	logger := observability.OrNop(w.Logger)
	if w.Endpoints == nil {
		logger.Info("gateway feed disabled: no endpoints configured")
		return
	}
	delay := w.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	for ctx.Err() == nil {
		endpoint := w.Endpoints.Current()
		client := gateway.NewWSClient(endpoint)
		if err := client.Connect(ctx); err != nil {
			w.noteFeedFailure(logger, endpoint, "connect", err)
			sleep(ctx, delay)
			continue
		}
		if err := client.Subscribe(ctx, gateway.SubscribedTypes); err != nil {
			client.Close()
			w.noteFeedFailure(logger, endpoint, "subscribe", err)
			sleep(ctx, delay)
			continue
		}
		w.Endpoints.Reset()
		logger.Info("gateway feed connected", zap.String("endpoint", endpoint))

		for {
			msg, err := client.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.noteFeedFailure(logger, endpoint, "read", err)
				}
				client.Close()
				break
			}
			w.HandleFrame(ctx, msg)
		}
		sleep(ctx, delay)
	}
}

// HandleFrame applies one gateway frame. Bad frames and rejected events are
// logged and dropped.
func (w *Worker) HandleFrame(ctx context.Context, msg []byte) {
	logger := observability.OrNop(w.Logger)
	ev, ok, err := gateway.ParseEvent(msg)
	if err != nil {
		logger.Warn("gateway frame rejected", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	res, err := payments.ApplyGatewayEvent(ctx, w.Payments, *ev)
	if err != nil {
		logger.Error("gateway event not applied",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.String("order_number", ev.OrderNumber),
			zap.Error(err),
		)
		return
	}
	if res.Skipped {
		logger.Debug("gateway event for unknown order", zap.String("order_number", ev.OrderNumber))
		return
	}
	logger.Info("gateway event applied",
		zap.String("event", "gateway.event_applied"),
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("order_number", ev.OrderNumber),
		zap.Bool("changed", res.Changed),
		zap.Int("handler_failures", len(res.HandlerErrors)),
	)
}

func (w *Worker) noteFeedFailure(logger *zap.Logger, endpoint, op string, err error) {
	rotated := w.Endpoints.NoteFailure()
	logger.Warn("gateway feed "+op+" failed",
		zap.String("endpoint", endpoint),
		zap.Bool("rotated", rotated),
		zap.Error(err),
	)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
