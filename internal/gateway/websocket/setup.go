package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/session/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Client authentication/authorisation is assumed provided by the
	// deployment in front of the server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Setup wires the hub, gateway and bus subscriptions, and registers the /ws
// route on the gin engine. The returned hub must be Run.
func Setup(ctx context.Context, engine *gin.Engine, orch *orchestrator.Orchestrator, b bus.Bus, log *logger.Logger) (*Hub, error) {
	hub := NewHub(log)
	gateway := NewGateway(hub, orch, log)

	if err := hub.SubscribeBus(b); err != nil {
		return nil, err
	}

	engine.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(uuid.New().String(), conn, hub, gateway, log)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump(ctx)
	})

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})

	return hub, nil
}
