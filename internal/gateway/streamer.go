// Package gateway bridges the broker's live notification channels to
// WebSocket clients, for dashboards and test drivers that want to observe
// coordination traffic without polling.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/asdlc/coord/internal/model"
)

// Streamer fans live notification events out to connected WebSocket
// clients. Events arrive from the broker's pub/sub channels; slow clients
// are dropped rather than allowed to stall the hub.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan model.Notification
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewStreamer creates a streamer; call Run on its own goroutine.
func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan model.Notification, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			// Local tool; all sessions share the host by trust model.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run owns the client set; register/unregister/broadcast are serialized
// here so handlers never touch the map concurrently.
func (s *Streamer) Run() {
	for {
		select {
		case conn := <-s.register:
			s.mu.Lock()
			s.clients[conn] = true
			s.mu.Unlock()
			slog.Info("Gateway client connected", "clients", s.clientCount())

		case conn := <-s.unregister:
			s.mu.Lock()
			if s.clients[conn] {
				delete(s.clients, conn)
				conn.Close()
			}
			s.mu.Unlock()

		case event := <-s.broadcast:
			s.mu.Lock()
			for conn := range s.clients {
				if err := conn.WriteJSON(event); err != nil {
					slog.Warn("Dropping slow gateway client", "error", err)
					conn.Close()
					delete(s.clients, conn)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Notify enqueues an event for broadcast. Full buffer drops the event;
// live fan-out is best-effort, the offline queue is the durable path.
func (s *Streamer) Notify(n model.Notification) {
	select {
	case s.broadcast <- n:
	default:
		slog.Warn("Gateway broadcast buffer full, dropping event", "message_id", n.MessageID)
	}
}

// HandleWS upgrades an HTTP request to a WebSocket subscription.
func (s *Streamer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.register <- conn

	// Reader goroutine exists only to detect close.
	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Streamer) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
