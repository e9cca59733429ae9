// Package websocket provides the client gateway: long-lived bidirectional
// connections, command routing and per-session event fan-out.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/pkg/ws"
)

// Hub tracks all connections and which sessions each is attached to.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	attached map[string]map[*Client]bool // session id -> attached clients

	register   chan *Client
	unregister chan *Client

	logger *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		attached:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until the context is cancelled, then
// closes every connection so their waiters release by cancellation.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// SubscribeBus wires the hub to the event bus: session events fan out to
// attached clients, global events to every connection.
func (h *Hub) SubscribeBus(b bus.Bus) error {
	if _, err := b.Subscribe(bus.SubjectAllSessions, func(ctx context.Context, event *bus.Event) error {
		h.BroadcastToSession(event.SessionID, busEventToFrame(event))
		return nil
	}); err != nil {
		return err
	}
	_, err := b.Subscribe(bus.SubjectGlobal, func(ctx context.Context, event *bus.Event) error {
		h.Broadcast(busEventToFrame(event))
		return nil
	})
	return err
}

func busEventToFrame(event *bus.Event) *ws.Event {
	return ws.NewEvent(event.Type, event.SessionID, event.Payload)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.attached = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()

	for sessionID := range client.attachments {
		if clients, ok := h.attached[sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.attached, sessionID)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// AttachSession enrolls the client for the session's event fan-out.
func (h *Hub) AttachSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.attached[sessionID]; !ok {
		h.attached[sessionID] = make(map[*Client]bool)
	}
	h.attached[sessionID][client] = true
	client.attachments[sessionID] = true
}

// DetachSession removes the client from the session's fan-out.
func (h *Hub) DetachSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.attachments, sessionID)
	if clients, ok := h.attached[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.attached, sessionID)
		}
	}
}

// Broadcast delivers an event to every connection.
func (h *Hub) Broadcast(event *ws.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.sendEvent(event)
	}
}

// BroadcastToSession delivers an event to every connection attached to the
// session, in arrival order per connection.
func (h *Hub) BroadcastToSession(sessionID string, event *ws.Event) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.attached[sessionID]))
	for client := range h.attached[sessionID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.sendEvent(event)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
