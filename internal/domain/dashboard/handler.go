package dashboard

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirval/fhirval/internal/platform/api"
)

// Handler exposes the dashboard REST endpoints.
type Handler struct {
	agg *Aggregator
}

// NewHandler creates the dashboard handler.
func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

// RegisterRoutes mounts the dashboard endpoints.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	dg := g.Group("/dashboard")
	dg.GET("/stats", h.Stats)
	dg.POST("/refresh", h.Refresh)
}

// Stats handles GET /api/validation/dashboard/stats.
func (h *Handler) Stats(c echo.Context) error {
	snap, err := h.agg.Get(c.Request().Context())
	if err != nil {
		return api.Error(c, http.StatusServiceUnavailable, api.CodeUnavailable, "dashboard dependencies unavailable")
	}
	return c.JSON(http.StatusOK, snap)
}

// Refresh handles POST /api/validation/dashboard/refresh, forcing a
// recompute on the next read.
func (h *Handler) Refresh(c echo.Context) error {
	h.agg.Invalidate()
	snap, err := h.agg.Get(c.Request().Context())
	if err != nil {
		return api.Error(c, http.StatusServiceUnavailable, api.CodeUnavailable, "dashboard dependencies unavailable")
	}
	return c.JSON(http.StatusOK, snap)
}
