// Package streaming broadcasts task and ticket lifecycle transitions to
// connected operator dashboards over WebSocket — a supplementary feed
// alongside the long-poll endpoints, grounded on the teacher's
// orchestrator/streaming hub (register/unregister/broadcast channels owned
// by a single goroutine, per-topic subscriber fan-out).
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joyent-labs/cnapi-core/internal/common/logger"
)

// Event is one lifecycle transition broadcast to subscribed clients.
type Event struct {
	Kind      string    `json:"kind"` // "task" or "ticket"
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// topic identifies what a client subscribed to: "*" for everything,
// "task:<id>" / "ticket:<id>" for a single target, "server:<id>" for every
// event against one server.
func (e Event) topics() []string {
	return []string{"*", e.Kind + ":" + e.ID, "server:" + e.ServerID}
}

// Hub owns every connected Client and fans broadcast Events out to the
// subscribers of each one's topics.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub constructs a Hub. Run must be called once to start its loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		logger:     log.WithFields(zap.String("component", "event-hub")),
	}
}

// Run processes register/unregister/broadcast until ctx is cancelled,
// closing every connected client's send channel on exit.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event hub started")
	defer h.logger.Info("event hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("marshal event", zap.Error(err))
				continue
			}
			topics := ev.topics()

			h.mu.RLock()
			for c := range h.clients {
				if !c.matches(topics) {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Slow consumer: drop rather than block the hub.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a client to the hub's broadcast fan-out.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client, closing its send channel.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Publish enqueues an Event for broadcast to every subscribed client.
// Non-blocking: a full broadcast buffer drops the event rather than stall
// the caller (task/ticket state transitions must never wait on a slow
// dashboard).
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("event broadcast buffer full, dropping event", zap.String("kind", ev.Kind), zap.String("id", ev.ID))
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
