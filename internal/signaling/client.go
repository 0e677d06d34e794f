package signaling

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherhq/tether/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong. Deliberately long: a phone
	// backgrounding the app must not count as a disconnect.
	pongWait = 5 * time.Minute

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from a peer. 64 KB is enough for
	// WebRTC SDP payloads.
	maxMessageSize = 64 * 1024
)

// Client wraps a single websocket connection to the gateway. Its
// identity and room bindings are owned by the hub goroutine; the pumps
// only move bytes.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn

	// Send buffers outbound messages for the write pump. Delivery is
	// best-effort: a full buffer drops the message rather than
	// blocking the hub.
	Send chan *Message

	// userID is set exactly once by the identify event.
	userID string

	// roomID/role/gen describe the binding this connection currently
	// holds, if any. gen is compared against the registry binding to
	// detect supersession by a reconnect.
	roomID string
	role   registry.Role
	gen    uint64
}

var _ registry.Conn = (*Client)(nil)

// UserID returns the identity bound to this connection, or "".
func (c *Client) UserID() string { return c.userID }

// Deliver queues a named event for the write pump. Never blocks.
func (c *Client) Deliver(event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			slog.Error("marshal outbound payload", "event", event, "err", err)
			return
		}
		raw = b
	}

	select {
	case c.Send <- &Message{Event: event, Payload: raw}:
	default:
		slog.Warn("send buffer full, dropping event", "event", event, "user", c.userID)
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
// Runs in a per-connection goroutine; all reads happen here.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("read error", "err", err)
			}
			break
		}

		msg.client = c
		c.Hub.Inbound <- &msg
	}
}

// WritePump pumps messages from the hub to the websocket connection and
// keeps the connection alive with periodic pings. Runs in a
// per-connection goroutine; all writes happen here.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				slog.Debug("write error", "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
