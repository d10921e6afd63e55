package validation

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	// MaxDocumentIDs bounds every id list a client may send in one request.
	MaxDocumentIDs      int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// listFields are the JSON body fields that carry per-document lists.
var listFields = []string{"document_ids", "documents"}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxDocumentIDs <= 0 {
		cfg.MaxDocumentIDs = 200
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEMultipartForm}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
		if !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		if !strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) {
			return c.Next()
		}

		var body map[string]json.RawMessage
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		for _, field := range listFields {
			raw, ok := body[field]
			if !ok {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": field + " must be an array",
				})
			}
			if len(items) > cfg.MaxDocumentIDs {
				cfg.Logger.Warn("Oversized document list rejected",
					zap.String("ip", c.IP()),
					zap.String("path", c.Path()),
					zap.String("field", field),
					zap.Int("count", len(items)),
				)
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Too many documents in one request",
				})
			}
		}
		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	if contentType == "" {
		return false
	}
	for _, t := range allowed {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}
