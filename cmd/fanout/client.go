package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write before the peer is considered gone.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may go without a pong before the
	// read deadline kills it. pingPeriod must stay below it so a healthy
	// peer always has a ping to answer.
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from peer. The feed is server-push
	// only, so clients never send anything larger than control frames.
	maxMessageSize = 512

	// Outbound buffer per connection. Broadcast drops the connection
	// when this fills up.
	sendBuffer = 512
)

// client is one WebSocket connection held by a user
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	logger Logger

	// sendMu serializes sends on the channel against its close, so a
	// broadcast landing while the read pump tears the client down can
	// never hit a closed channel.
	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool
}

// trySend queues one event without blocking. The second return value
// distinguishes a connection that is merely stalled (open but full) from
// one already torn down.
func (c *client) trySend(data []byte) (sent, open bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return false, false
	}
	select {
	case c.send <- data:
		return true, true
	default:
		return false, true
	}
}

// closeSend closes the send channel exactly once
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func newClient(hub *Hub, conn *websocket.Conn, userID string, logger Logger) *client {
	return &client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
}

// readPump drains inbound frames until the peer goes away. Everything
// read is discarded; the pump exists to notice closes and keep the pong
// deadline fresh.
func (c *client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("connection closed unexpectedly", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

// writePump forwards buffered events to the peer and keeps the
// connection alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per event so the browser can parse each JSON
			// object on its own.
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Flush whatever queued up while we were writing, still one
			// frame per event.
			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
