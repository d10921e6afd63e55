package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/cleanup"
	"github.com/docchat/backend/internal/middleware/identity"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/pkg/logger"
)

type Canceller interface {
	Cancel(ctx context.Context, user, chatID string, ids []int64) (*cleanup.CancelResult, error)
}

type DocumentToggler interface {
	UserDocument(ctx context.Context, id int64, user string) (*models.Document, error)
	SetDocumentEnabled(ctx context.Context, id int64, enabled bool) error
}

type CancelHandler struct {
	canceller Canceller
	documents DocumentToggler
}

func NewCancelHandler(canceller Canceller, documents DocumentToggler) *CancelHandler {
	return &CancelHandler{canceller: canceller, documents: documents}
}

// CancelDocuments withdraws documents from a chat and removes whatever
// indexing already produced for them.
func (h *CancelHandler) CancelDocuments(c *fiber.Ctx) error {
	var req struct {
		ChatID      string  `json:"chat_id"`
		DocumentIDs []int64 `json:"document_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	result, err := h.canceller.Cancel(c.UserContext(), identity.User(c), strings.TrimSpace(req.ChatID), req.DocumentIDs)
	switch {
	case errors.Is(err, cleanup.ErrInvalidRequest):
		return errorJSON(c, fiber.StatusBadRequest, "chat_id and document_ids are required")
	case errors.Is(err, cleanup.ErrNothingCancelled):
		return errorJSON(c, fiber.StatusBadRequest, "No documents were cancelled")
	case err != nil:
		logger.Error("Failed to cancel documents", zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Unable to cancel documents")
	}
	return c.JSON(result)
}

// ToggleDocument sets enabled when the request carries a boolean (or 0/1),
// otherwise flips it.
func (h *CancelHandler) ToggleDocument(c *fiber.Ctx) error {
	var req struct {
		DocumentID int64           `json:"document_id"`
		ChatID     string          `json:"chat_id"`
		Enabled    json.RawMessage `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.DocumentID <= 0 {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid document id")
	}

	ctx := c.UserContext()
	doc, err := h.documents.UserDocument(ctx, req.DocumentID, identity.User(c))
	if errors.Is(err, sqlite.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Document not found")
	}
	if err != nil {
		logger.Error("Failed to load document", zap.Int64("document_id", req.DocumentID), zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Unable to toggle document")
	}

	if chatID := strings.TrimSpace(req.ChatID); chatID != "" && chatID != doc.ChatID {
		return errorJSON(c, fiber.StatusForbidden, "Access denied")
	}

	enabled, ok := parseEnabled(req.Enabled)
	if !ok {
		enabled = !doc.Enabled
	}

	if err := h.documents.SetDocumentEnabled(ctx, doc.ID, enabled); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "Document not found")
		}
		logger.Error("Failed to toggle document", zap.Int64("document_id", doc.ID), zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Unable to toggle document")
	}

	return c.JSON(fiber.Map{
		"document_id": doc.ID,
		"chat_id":     doc.ChatID,
		"enabled":     enabled,
	})
}

func parseEnabled(raw json.RawMessage) (bool, bool) {
	switch strings.TrimSpace(string(raw)) {
	case "true", "1", `"1"`, `"true"`:
		return true, true
	case "false", "0", `"0"`, `"false"`:
		return false, true
	}
	return false, false
}
