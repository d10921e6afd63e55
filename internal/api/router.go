// Package api assembles the HTTP surface of the ingestion pipeline.
package api

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gofiber/websocket/v2"

	"github.com/docchat/backend/internal/api/handlers"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/middleware/identity"
	"github.com/docchat/backend/internal/middleware/ratelimit"
	"github.com/docchat/backend/internal/middleware/security"
	"github.com/docchat/backend/internal/middleware/validation"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
)

type Deps struct {
	Server    config.ServerConfig
	Documents *handlers.DocumentHandler
	Status    *handlers.StatusHandler
	Cancel    *handlers.CancelHandler
	WebSocket *handlers.WebSocketHandler
	// Ready checks the backing stores for /ready.
	Ready func(ctx context.Context) error
	// AccessLog enables fiber's request logger.
	AccessLog bool
}

// NewRouter returns the app and the rate limiter, which the caller stops on
// shutdown.
func NewRouter(d Deps) (*fiber.App, *ratelimit.RateLimiter) {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(d.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(d.Server.WriteTimeout) * time.Second,
		BodyLimit:    d.Server.BodyLimit,
	})

	app.Use(recover.New())
	if d.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: d.Server.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + identity.Header,
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: strings.Contains(d.Server.AllowedOrigins, "localhost"),
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: d.Server.RateLimitPerMinute,
		KeyFunc:              func(c *fiber.Ctx) string { return utils.CopyString(c.Get(identity.Header)) },
		Logger:               logger.GetLogger(),
	})

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})
	api.Get("/ready", func(c *fiber.Ctx) error {
		if d.Ready != nil {
			if err := d.Ready(c.UserContext()); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "unavailable",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{"status": "ready"})
	})

	secured := api.Group("", identity.Middleware(), limiter.Middleware())

	if d.WebSocket != nil {
		secured.Use("/ws", d.WebSocket.Upgrade)
		secured.Get("/ws/document_status", websocket.New(d.WebSocket.HandleConnection))
	}

	secured.Use(validation.Middleware(validation.Config{
		MaxDocumentIDs: d.Server.MaxDocumentIDs,
		Logger:         logger.GetLogger(),
	}))

	secured.Post("/upload", d.Documents.UploadDocuments)
	secured.Post("/document_status", d.Status.DocumentStatus)
	secured.Post("/document_estimate", d.Status.DocumentEstimate)
	secured.Post("/cancel_document", d.Cancel.CancelDocuments)
	secured.Post("/toggle_document", d.Cancel.ToggleDocument)

	return app, limiter
}
