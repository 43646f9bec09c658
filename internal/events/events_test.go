package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OrderWallet/internal/models"
)

func TestBus_DeliversInOrderAndCollectsFailures(t *testing.T) {
	bus := NewBus(nil)
	var calls []string
	boom := errors.New("boom")

	bus.Subscribe("first", func(ctx context.Context, ev OrderTransitioned) error {
		calls = append(calls, "first")
		return boom
	})
	bus.Subscribe("second", func(ctx context.Context, ev OrderTransitioned) error {
		calls = append(calls, "second")
		return nil
	})
	bus.Subscribe("third", func(ctx context.Context, ev OrderTransitioned) error {
		calls = append(calls, "third")
		panic("unexpected")
	})

	failures := bus.Publish(context.Background(), OrderTransitioned{
		OrderID: uuid.New(),
		From:    models.OrderCompleted,
		To:      models.OrderRefunded,
	})

	assert.Equal(t, []string{"first", "second", "third"}, calls)
	require.Len(t, failures, 2)
	assert.Equal(t, "first", failures[0].Handler)
	assert.ErrorIs(t, failures[0], boom)
	assert.Equal(t, "third", failures[1].Handler)
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus(nil)
	assert.Empty(t, bus.Publish(context.Background(), OrderTransitioned{}))
}
