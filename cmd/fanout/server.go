package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the dashboard origin once it has a stable host
		return true
	},
}

// Server exposes the WebSocket endpoint plus health and stats
type Server struct {
	hub    *Hub
	health func(ctx context.Context) error
	logger Logger
}

// NewServer creates a server over the hub. health reports backend
// connectivity for the /health endpoint.
func NewServer(hub *Hub, health func(ctx context.Context) error, logger Logger) *Server {
	return &Server{
		hub:    hub,
		health: health,
		logger: logger,
	}
}

// Routes builds the HTTP mux for the service
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// handleWebSocket upgrades the connection and attaches it to the hub.
// URL: /ws?user_id=user-123
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(s.hub, conn, userID, s.logger)
	s.hub.Register(c)

	s.logger.Info("websocket connected", "user_id", userID, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"connections": s.hub.ConnectionCount(),
		"users":       s.hub.UserCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
