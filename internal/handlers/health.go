package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"lacquer/internal/jobs"
	"lacquer/internal/stream"
)

// HealthHandler reports liveness and a little load detail.
type HealthHandler struct {
	scheduler  *jobs.Scheduler
	controller *stream.Controller
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(scheduler *jobs.Scheduler, controller *stream.Controller) *HealthHandler {
	return &HealthHandler{scheduler: scheduler, controller: controller}
}

// Check answers GET /healthz.
func (h *HealthHandler) Check(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": h.controller.Active(),
		"queued_jobs":     h.scheduler.QueueLen(),
	})
}
