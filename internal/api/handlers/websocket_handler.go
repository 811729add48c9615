package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/logger"
)

// SubscribeFunc streams status events of one query until the returned
// func is called.
type SubscribeFunc func(queryID string) (<-chan models.StatusEvent, func())

// WebSocketHandler pushes status changes of one query to a client until
// the query ends or the client goes away.
type WebSocketHandler struct {
	engine    QueryEngine
	subscribe SubscribeFunc
}

// NewWebSocketHandler streams events from the engine's in-process bus.
// Pass a subscriber to follow queries driven by other replicas.
func NewWebSocketHandler(engine QueryEngine, subscribe SubscribeFunc) *WebSocketHandler {
	if subscribe == nil {
		subscribe = engine.Subscribe
	}
	return &WebSocketHandler{engine: engine, subscribe: subscribe}
}

func (h *WebSocketHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws/queries/:id", websocket.New(h.HandleConnection))
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	queryID := c.Params("id")
	log := logger.Named("websocket").With(zap.String("query_id", queryID))
	log.Debug("WebSocket connection established")

	defer func() {
		c.Close()
		log.Debug("WebSocket connection closed")
	}()

	// Subscribe before reading the current status so no transition falls
	// in between.
	events, unsubscribe := h.subscribe(queryID)
	defer unsubscribe()

	report, err := h.engine.Status(context.Background(), queryID)
	if err != nil {
		msg := "Failed to load query"
		if errors.Is(err, models.ErrNotFound) {
			msg = "Query not found"
		}
		h.sendError(c, msg)
		return
	}
	if err := c.WriteJSON(map[string]interface{}{"type": "status", "status": report}); err != nil {
		return
	}
	if report.Query.Status.IsTerminal() {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(map[string]interface{}{"type": "transition", "event": event}); err != nil {
				log.Debug("Failed to write event", zap.Error(err))
				return
			}
			if event.To.IsTerminal() {
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
