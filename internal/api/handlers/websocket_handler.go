package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/middleware/identity"
	"github.com/docchat/backend/internal/status"
	"github.com/docchat/backend/pkg/logger"
)

// WebSocketHandler pushes status reports to a client instead of having it
// poll. The client sends {"type":"watch","document_ids":[...]} and gets a
// report every interval until everything it watches is ready.
type WebSocketHandler struct {
	statuses StatusChecker
	interval time.Duration
}

func NewWebSocketHandler(statuses StatusChecker, interval time.Duration) *WebSocketHandler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &WebSocketHandler{statuses: statuses, interval: interval}
}

// Upgrade only lets websocket handshakes through to the push route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

type watchMessage struct {
	Type        string  `json:"type"`
	DocumentIDs []int64 `json:"document_ids"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	user, _ := c.Locals(identity.LocalsKey).(string)
	log := logger.With(zap.String("user", user))
	log.Debug("Status push connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		log.Debug("Status push connection closed")
	}()

	watches := make(chan []int64, 1)
	go func() {
		defer cancel()
		for {
			var msg watchMessage
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "watch" {
				continue
			}
			select {
			case watches <- status.NormalizeIDs(msg.DocumentIDs):
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var ids []int64
	for {
		select {
		case <-ctx.Done():
			return
		case ids = <-watches:
		case <-ticker.C:
			if len(ids) == 0 {
				continue
			}
		}

		report, err := h.statuses.Check(ctx, user, ids)
		if err != nil {
			log.Error("Failed to check document status", zap.Error(err))
			h.sendError(c, "Unable to fetch document status")
			continue
		}
		if err := c.WriteJSON(fiber.Map{"type": "status", "report": report}); err != nil {
			return
		}
		if report.AllReady {
			ids = nil
		}
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, msg string) {
	_ = c.WriteJSON(fiber.Map{"type": "error", "error": msg})
}
