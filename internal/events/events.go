package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"OrderWallet/internal/models"
)

// OrderTransitioned is emitted once per applied status change.
type OrderTransitioned struct {
	OrderID     uuid.UUID
	OrderNumber string
	From        models.OrderStatus
	To          models.OrderStatus
	OccurredAt  time.Time
	// Replay is set when the event is re-emitted by a reconciliation pass
	// rather than by a live transition.
	Replay bool
}

type Handler func(ctx context.Context, ev OrderTransitioned) error

type HandlerError struct {
	Handler string
	Err     error
}

func (e HandlerError) Error() string {
	return e.Handler + ": " + e.Err.Error()
}

func (e HandlerError) Unwrap() error {
	return e.Err
}

type subscription struct {
	name    string
	handler Handler
}

// Bus delivers transition events synchronously to its subscribers in
// subscription order. Handler failures are collected and returned; they never
// stop delivery to the remaining handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: h})
}

func (b *Bus) Publish(ctx context.Context, ev OrderTransitioned) []HandlerError {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var failures []HandlerError
	for _, s := range subs {
		if err := b.deliver(ctx, s, ev); err != nil {
			b.logger.Warn("order event handler failed",
				zap.String("event", "order.handler_failed"),
				zap.String("handler", s.name),
				zap.String("order_id", ev.OrderID.String()),
				zap.String("from", string(ev.From)),
				zap.String("to", string(ev.To)),
				zap.Error(err),
			)
			failures = append(failures, HandlerError{Handler: s.name, Err: err})
		}
	}
	return failures
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev OrderTransitioned) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return s.handler(ctx, ev)
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return "handler panicked"
}
