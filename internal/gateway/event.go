package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	PaymentSucceeded EventType = "payment.succeeded"
	PaymentFailed    EventType = "payment.failed"
	OrderCompleted   EventType = "order.completed"
	OrderCancelled   EventType = "order.cancelled"
	RefundSucceeded  EventType = "refund.succeeded"
)

// SubscribedTypes are the event types the worker consumes.
var SubscribedTypes = []EventType{PaymentSucceeded, PaymentFailed, OrderCompleted, OrderCancelled, RefundSucceeded}

func (t EventType) Known() bool {
	for _, k := range SubscribedTypes {
		if k == t {
			return true
		}
	}
	return false
}

type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	OrderNumber string          `json:"order_number"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

var ErrMissingOrderNumber = errors.New("gateway event without order number")

// ParseEvent decodes one stream frame. ok is false for frames that carry no
// event (acks, heartbeats); a gateway error frame is returned as an error.
func ParseEvent(msg []byte) (*Event, bool, error) {
	var env struct {
		Kind  string          `json:"kind"`
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, fmt.Errorf("gateway error %d: %s", env.Error.Code, env.Error.Message)
	}
	if env.Kind != "event" || len(env.Data) == 0 {
		return nil, false, nil
	}

	var ev Event
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return nil, false, err
	}
	ev.OrderNumber = strings.TrimSpace(ev.OrderNumber)
	if ev.OrderNumber == "" {
		return nil, false, ErrMissingOrderNumber
	}
	ev.Currency = strings.ToUpper(strings.TrimSpace(ev.Currency))
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return &ev, true, nil
}
