package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	ev, ok, err := ParseEvent([]byte(`{"kind":"event","data":{"id":"evt_1","type":"payment.succeeded","order_number":" ORD-1 ","amount":"150.00","currency":"usd","occurred_at":"2026-01-02T03:04:05Z"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PaymentSucceeded, ev.Type)
	assert.Equal(t, "ORD-1", ev.OrderNumber)
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, "150", ev.Amount.String())
	assert.Equal(t, 2026, ev.OccurredAt.Year())

	_, ok, err = ParseEvent([]byte(`{"kind":"ack"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseEvent([]byte(`{"error":{"code":401,"message":"unauthorized"}}`))
	assert.ErrorContains(t, err, "unauthorized")

	_, _, err = ParseEvent([]byte(`{"kind":"event","data":{"type":"payment.failed"}}`))
	assert.ErrorIs(t, err, ErrMissingOrderNumber)

	_, _, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestEventTypeKnown(t *testing.T) {
	assert.True(t, RefundSucceeded.Known())
	assert.False(t, EventType("payout.created").Known())
}

func TestEndpoints_RotateAfterThreshold(t *testing.T) {
	e, err := NewEndpoints([]string{"ws://a", " ws://b ", "ws://a", ""}, 2)
	require.NoError(t, err)
	assert.Equal(t, "ws://a", e.Current())

	assert.False(t, e.NoteFailure())
	assert.True(t, e.NoteFailure())
	assert.Equal(t, "ws://b", e.Current())

	e.NoteFailure()
	e.Reset()
	assert.False(t, e.NoteFailure())
	assert.True(t, e.NoteFailure())
	assert.Equal(t, "ws://a", e.Current())

	_, err = NewEndpoints([]string{" "}, 1)
	assert.Error(t, err)
}

func TestWSClient_SubscribeAndRead(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"event","data":{"type":"order.completed","order_number":"ORD-9"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewWSClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, client.Connect(ctx))
	defer client.Close()
	require.NoError(t, client.Subscribe(ctx, SubscribedTypes))

	req := <-subscribed
	assert.Equal(t, "subscribe", req["action"])

	msg, err := client.Read(ctx)
	require.NoError(t, err)
	ev, ok, err := ParseEvent(msg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OrderCompleted, ev.Type)
	assert.Equal(t, "ORD-9", ev.OrderNumber)
}

func TestWSClient_ReadReturnsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	client := NewWSClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
