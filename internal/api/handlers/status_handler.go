package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/estimate"
	"github.com/docchat/backend/internal/middleware/identity"
	"github.com/docchat/backend/internal/status"
	"github.com/docchat/backend/pkg/logger"
)

type StatusChecker interface {
	Check(ctx context.Context, user string, ids []int64) (*status.Report, error)
}

type DurationEstimator interface {
	Estimate(docs []estimate.Document) *estimate.Response
}

type StatusHandler struct {
	statuses  StatusChecker
	estimator DurationEstimator
}

func NewStatusHandler(statuses StatusChecker, estimator DurationEstimator) *StatusHandler {
	return &StatusHandler{statuses: statuses, estimator: estimator}
}

// DocumentStatus reports readiness for the requested documents.
func (h *StatusHandler) DocumentStatus(c *fiber.Ctx) error {
	var req struct {
		DocumentIDs []int64 `json:"document_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	report, err := h.statuses.Check(c.UserContext(), identity.User(c), req.DocumentIDs)
	if err != nil {
		logger.Error("Failed to check document status", zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Unable to fetch document status")
	}
	return c.JSON(report)
}

// DocumentEstimate predicts indexing time for documents about to be sent.
func (h *StatusHandler) DocumentEstimate(c *fiber.Ctx) error {
	var req struct {
		Documents []estimate.Document `json:"documents"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}
	return c.JSON(h.estimator.Estimate(req.Documents))
}
