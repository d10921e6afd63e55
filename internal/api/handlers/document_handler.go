package handlers

import (
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/middleware/identity"
	"github.com/docchat/backend/pkg/logger"
)

type Ingester interface {
	Ingest(ctx context.Context, up ingestion.Upload) (*ingestion.Outcome, error)
}

type ChatOwner interface {
	ChatOwnedBy(ctx context.Context, chatID, user string) (bool, error)
}

type DocumentHandler struct {
	processor  Ingester
	chats      ChatOwner
	uploadsDir string
}

func NewDocumentHandler(processor Ingester, chats ChatOwner, uploadsDir string) *DocumentHandler {
	return &DocumentHandler{
		processor:  processor,
		chats:      chats,
		uploadsDir: uploadsDir,
	}
}

type skippedFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// UploadDocuments ingests every file of a multipart upload into chat_id.
// Files the parser rejects are reported as skipped; the rest of the batch
// still goes through.
func (h *DocumentHandler) UploadDocuments(c *fiber.Ctx) error {
	user := identity.User(c)
	chatID := strings.TrimSpace(c.FormValue("chat_id"))
	if chatID == "" {
		return errorJSON(c, fiber.StatusBadRequest, "chat_id is required")
	}

	owned, err := h.chats.ChatOwnedBy(c.UserContext(), chatID, user)
	if err != nil {
		logger.Error("Failed to look up chat", zap.String("chat_id", chatID), zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to process upload")
	}
	if !owned {
		return errorJSON(c, fiber.StatusForbidden, "Access denied")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid multipart form")
	}
	files := append(form.File["files"], form.File["file"]...)
	if len(files) == 0 {
		return errorJSON(c, fiber.StatusBadRequest, "No files uploaded")
	}

	documents := make([]*ingestion.Outcome, 0, len(files))
	skipped := make([]skippedFile, 0)

	for _, fh := range files {
		outcome, err := h.ingestFile(c, fh, chatID, user)
		switch {
		case err == nil:
			documents = append(documents, outcome)
		case ingestion.IsSkipped(err):
			skipped = append(skipped, skippedFile{Filename: fh.Filename, Error: "Unable to extract text from file"})
		case outcome != nil:
			// The document exists but could not be queued; its status says so.
			logger.Error("Document stored but not queued", zap.Int64("document_id", outcome.DocumentID), zap.Error(err))
			documents = append(documents, outcome)
		default:
			logger.Error("Failed to ingest upload", zap.String("filename", fh.Filename), zap.Error(err))
			skipped = append(skipped, skippedFile{Filename: fh.Filename, Error: "Failed to store document"})
		}
	}

	return c.JSON(fiber.Map{
		"chat_id":   chatID,
		"documents": documents,
		"skipped":   skipped,
	})
}

func (h *DocumentHandler) ingestFile(c *fiber.Ctx, fh *multipart.FileHeader, chatID, user string) (*ingestion.Outcome, error) {
	name := filepath.Base(fh.Filename)
	tmp := filepath.Join(h.uploadsDir, "upload_"+uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	if err := c.SaveFile(fh, tmp); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}

	return h.processor.Ingest(c.UserContext(), ingestion.Upload{
		Path:     tmp,
		Filename: name,
		Size:     fh.Size,
		ChatID:   chatID,
		User:     user,
	})
}

func errorJSON(c *fiber.Ctx, code int, msg string) error {
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
