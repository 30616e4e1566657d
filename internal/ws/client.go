package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"
)

// Client represents a websocket client connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes a message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// SendTerminal wraps the terminal frame in an envelope so websocket consumers
// can distinguish completion from failure, mirroring the SSE event name.
func (c *Client) SendTerminal(event string, payload []byte) error {
	envelope, err := json.Marshal(map[string]json.RawMessage{
		"event": json.RawMessage(`"` + event + `"`),
		"data":  json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	return c.Send(envelope)
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
