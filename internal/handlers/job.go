package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"lacquer/internal/dsp"
	"lacquer/internal/jobs"
	"lacquer/internal/library"
)

// JobHandler serves offline mastering jobs.
type JobHandler struct {
	scheduler *jobs.Scheduler
	resolver  library.Resolver
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(scheduler *jobs.Scheduler, resolver library.Resolver) *JobHandler {
	return &JobHandler{scheduler: scheduler, resolver: resolver}
}

// SubmitRequest is a job submission. Tracks are named by catalog id; the
// handler resolves them to files before the scheduler sees them.
type SubmitRequest struct {
	TrackID     string       `json:"track_id"`
	ReferenceID string       `json:"reference_id,omitempty"`
	Settings    dsp.Settings `json:"settings,omitzero"`
	Format      string       `json:"format,omitempty"`
}

// Submit enqueues a whole-track mastering job.
func (h *JobHandler) Submit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.TrackID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "track_id is required"})
	}
	if req.Settings == (dsp.Settings{}) {
		req.Settings = dsp.DefaultSettings()
	}

	track, err := h.resolver.Resolve(req.TrackID)
	if err != nil {
		return jsonError(c, err)
	}
	var refPath string
	if req.ReferenceID != "" {
		ref, err := h.resolver.Resolve(req.ReferenceID)
		if err != nil {
			return jsonError(c, err)
		}
		refPath = ref.Path
	}

	id, err := h.scheduler.Submit(track.ID, track.Path, refPath, req.Settings, req.Format)
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{"id": id})
}

// Get returns a job's current state.
func (h *JobHandler) Get(c echo.Context) error {
	job, err := h.scheduler.Get(c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// jsonError maps domain failures onto HTTP statuses.
func jsonError(c echo.Context, err error) error {
	var se *dsp.SettingsError
	switch {
	case errors.As(err, &se):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, library.ErrTrackNotFound), errors.Is(err, jobs.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, jobs.ErrBusy):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
