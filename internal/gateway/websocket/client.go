package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/pkg/ws"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer. Dead
	// connections are detected within this window so their waiters release
	// by cancellation, not by expiry.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024

	// Per-connection outbound queue bound.
	sendQueueSize = 512
)

// Client represents a single WebSocket connection.
type Client struct {
	ID          string
	conn        *websocket.Conn
	hub         *Hub
	gateway     *Gateway
	send        chan []byte
	attachments map[string]bool // session ids this connection is attached to

	mu     sync.Mutex
	closed bool

	logger *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, gateway *Gateway, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         hub,
		gateway:     gateway,
		send:        make(chan []byte, sendQueueSize),
		attachments: make(map[string]bool),
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection into the gateway. Long
// operations run asynchronously so a slow session cannot starve others on
// the same connection.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		frame, err := ws.ParseFrame(message)
		if err != nil {
			// Malformed JSON gets an error but the connection stays open.
			c.sendError("", "protocol", "invalid frame: "+err.Error())
			continue
		}

		go c.gateway.handleFrame(ctx, c, frame)
	}
}

// sendEvent marshals and queues an outbound event, applying the
// back-pressure policy.
func (c *Client) sendEvent(event *ws.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	if isDroppable(event.Type) {
		if !c.trySend(data) {
			c.logger.Warn("send buffer full, dropping non-critical event",
				zap.String("event_type", event.Type))
		}
		return
	}

	// Structural events are never dropped silently: block briefly, then
	// give up on the connection as dead.
	if !c.sendWithTimeout(data, writeWait) {
		c.logger.Error("send buffer stuck, closing slow connection",
			zap.String("event_type", event.Type))
		c.closeSend()
	}
}

// isDroppable reports whether the event may be shed under back-pressure.
// Only streaming output is; status, result, permission and question events
// are structural.
func isDroppable(eventType string) bool {
	return eventType == ws.EvTextOutput || eventType == ws.EvThinkingOutput
}

func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendWithTimeout(data []byte, timeout time.Duration) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	ch := c.send
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- data:
		return true
	case <-timer.C:
		return false
	}
}

// sendError sends an error frame to this connection only.
func (c *Client) sendError(sessionID, code, message string) {
	c.sendEvent(ws.NewEvent(ws.EvError, sessionID, &ws.ErrorPayload{Code: code, Message: message}))
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WritePump pumps queued frames to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to write close message", zap.Error(err))
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
