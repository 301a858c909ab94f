// Package websocket streams committed audit events to staff consoles.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hotelkey/keyservice/internal/model"
)

// Message is one audit event as sent to consoles.
type Message struct {
	Type      string    `json:"type"`
	EventID   string    `json:"event_id"`
	KeyID     string    `json:"key_id,omitempty"`
	Event     string    `json:"event"`
	Outcome   string    `json:"outcome"`
	Details   string    `json:"details,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage wraps an audit event.
func NewMessage(ev model.KeyEvent) Message {
	return Message{
		Type:      "key_event",
		EventID:   ev.ID,
		KeyID:     ev.KeyID,
		Event:     string(ev.Type),
		Outcome:   string(ev.Outcome),
		Details:   ev.Details,
		Actor:     ev.DeviceInfo,
		CreatedAt: ev.CreatedAt,
	}
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// PublishEvents broadcasts each event in order.
func (h *Hub) PublishEvents(events ...model.KeyEvent) {
	for _, ev := range events {
		h.Broadcast(NewMessage(ev))
	}
}

// Broadcast sends a message to every client whose filter matches.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.keyID != "" && c.keyID != msg.KeyID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop rather than block the publisher.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
