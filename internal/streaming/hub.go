// Package streaming broadcasts processed federation events to connected
// websocket clients.
package streaming

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Event is a single federation event pushed to streaming clients.
type Event struct {
	// Type is the lowercased activity kind, e.g. "follow" or "create".
	Type string `json:"type"`

	// Actor is the URL of the activity's originator.
	Actor string `json:"actor"`

	// Object is the URL of the activity's object, when it has one.
	Object string `json:"object,omitempty"`
}

// Hub fans federation events out to websocket subscribers. Slow or broken
// connections are dropped rather than blocking the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Subscribe upgrades the request to a websocket and registers the
// connection. It returns once the upgrade completes; a background reader
// detects the client going away.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("streaming client connected", "clients", n)

	// Inbound frames are discarded; reading only serves to notice the close.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}

// Publish sends an event to every connected client. Part of the federation
// dispatcher's EventPublisher contract.
func (h *Hub) Publish(kind, actorURL, objectURL string) {
	ev := Event{Type: kind, Actor: actorURL, Object: objectURL}

	// The hub lock doubles as the single-writer guard gorilla requires; the
	// write deadline bounds how long a stuck client can hold it.
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Info("dropping streaming client", "error", err)
			delete(h.conns, conn)
			conn.Close()
		}
	}
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}
