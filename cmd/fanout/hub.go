package main

import (
	"sync"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Hub tracks the open WebSocket connections per user and fans events out
// to them. A user may hold several connections (multiple tabs); every one
// gets every event.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*client
	closed      bool

	logger Logger
}

// NewHub creates an empty hub
func NewHub(logger Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*client),
		logger:      logger,
	}
}

// Register adds a connection to the user's set. Connections arriving
// after Close are refused immediately.
func (h *Hub) Register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		c.closeSend()
		return
	}

	h.connections[c.userID] = append(h.connections[c.userID], c)
	h.logger.Debug("client registered",
		"user_id", c.userID,
		"connections_for_user", len(h.connections[c.userID]))
}

// Unregister removes a connection and closes its send channel. Calls for
// connections already removed are no-ops, so the read pump's deferred
// unregister and a stalled-drop from Broadcast never double-close.
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.connections[c.userID]
	for i, existing := range clients {
		if existing != c {
			continue
		}
		h.connections[c.userID] = append(clients[:i], clients[i+1:]...)
		if len(h.connections[c.userID]) == 0 {
			delete(h.connections, c.userID)
		}
		c.closeSend()
		h.logger.Debug("client unregistered",
			"user_id", c.userID,
			"connections_for_user", len(h.connections[c.userID]))
		return
	}
}

// Broadcast delivers one event to every connection the user holds open.
// A connection too slow to drain its buffer is dropped rather than
// allowed to stall the feed. Sends go through the client's guarded
// trySend: a connection unregistering concurrently reports closed instead
// of racing the channel close.
func (h *Hub) Broadcast(userID string, data []byte) {
	h.mu.RLock()
	clients := append([]*client(nil), h.connections[userID]...)
	h.mu.RUnlock()

	for _, c := range clients {
		if sent, open := c.trySend(data); !sent && open {
			h.logger.Warn("dropping stalled connection", "user_id", userID)
			h.Unregister(c)
		}
	}
}

// Close drops every connection. The hub refuses registrations afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for userID, clients := range h.connections {
		for _, c := range clients {
			c.closeSend()
		}
		delete(h.connections, userID)
	}
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}

// UserCount returns the number of users with at least one connection
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.connections)
}
