package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// WSClient is a single websocket connection to the payment gateway's event stream.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// Subscribe asks the gateway to stream the given event types.
func (c *WSClient) Subscribe(ctx context.Context, types []EventType) error {
	if c.Conn == nil {
		return errors.New("gateway: not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetWriteDeadline(deadline)
	}
	return c.Conn.WriteJSON(map[string]any{
		"action": "subscribe",
		"types":  types,
	})
}

// Read blocks for the next frame. Cancelling ctx closes the connection so the
// read returns.
func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	if c.Conn == nil {
		return nil, errors.New("gateway: not connected")
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Conn.Close() })
	defer stop()

	_, msg, err := c.Conn.ReadMessage()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return msg, err
}
