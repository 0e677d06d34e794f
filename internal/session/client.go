package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherhq/tether/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Client manages the websocket connection to the signaling server,
// reconnecting with capped exponential backoff when the link drops.
type Client struct {
	serverURL string
	incoming  chan *signaling.Message
	outgoing  chan *signaling.Message
	done      chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// OnReconnect runs after every successful redial, before reads
	// resume. The session layer uses it to re-identify and rejoin.
	OnReconnect func()
}

// NewClient creates a signaling client for the given server URL.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		incoming:  make(chan *signaling.Message, 32),
		outgoing:  make(chan *signaling.Message, 32),
		done:      make(chan struct{}),
	}
}

// Connect establishes the initial connection and starts the pumps.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.setConn(conn)

	go c.readLoop()
	go c.writePump()
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop reads from the current connection and redials on failure.
func (c *Client) readLoop() {
	defer close(c.incoming)

	for {
		conn := c.current()
		for {
			var msg signaling.Message
			if err := conn.ReadJSON(&msg); err != nil {
				break
			}
			c.incoming <- &msg
		}

		if c.isClosed() {
			return
		}
		if !c.reconnect() {
			return
		}
	}
}

// reconnect redials with capped exponential backoff. Reconnection is
// not time-bounded: the server tolerates long absences and the room
// can still be rebound when we come back.
func (c *Client) reconnect() bool {
	backoff := reconnectBase
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(backoff):
		}

		conn, err := c.dial()
		if err == nil {
			slog.Debug("signaling reconnected")
			c.setConn(conn)
			if c.OnReconnect != nil {
				c.OnReconnect()
			}
			return true
		}

		slog.Debug("reconnect attempt failed", "err", err)
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// writePump serializes all writes and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.outgoing:
			c.write(func(conn *websocket.Conn) error {
				return conn.WriteJSON(message)
			})

		case <-ticker.C:
			c.write(func(conn *websocket.Conn) error {
				return conn.WriteMessage(websocket.PingMessage, nil)
			})

		case <-c.done:
			c.write(func(conn *websocket.Conn) error {
				return conn.WriteMessage(websocket.CloseMessage, []byte{})
			})
			return
		}
	}
}

// write performs one best-effort write against the current connection.
// Failures are dropped; the read loop owns recovery.
func (c *Client) write(fn func(*websocket.Conn) error) {
	conn := c.current()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := fn(conn); err != nil {
		slog.Debug("write failed", "err", err)
	}
}

// Send queues a named event with a structured payload.
func (c *Client) Send(event string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}

	select {
	case c.outgoing <- &signaling.Message{Event: event, Payload: raw}:
		return nil
	case <-c.done:
		return fmt.Errorf("client closed")
	}
}

// Incoming returns the channel of received messages.
func (c *Client) Incoming() <-chan *signaling.Message {
	return c.incoming
}

// Close shuts the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
}
