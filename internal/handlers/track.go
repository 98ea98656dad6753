package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"lacquer/internal/library"
)

// TrackHandler serves the track catalog.
type TrackHandler struct {
	resolver library.Resolver
}

// NewTrackHandler creates a new TrackHandler.
func NewTrackHandler(resolver library.Resolver) *TrackHandler {
	return &TrackHandler{resolver: resolver}
}

// List returns every track the catalog knows.
func (h *TrackHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.resolver.List())
}
