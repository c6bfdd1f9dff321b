package bulk

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirval/fhirval/internal/platform/api"
)

// Handler exposes the bulk validation REST endpoints.
type Handler struct {
	orch    *Orchestrator
	tracker *Tracker
}

// NewHandler creates the bulk handler.
func NewHandler(orch *Orchestrator, tracker *Tracker) *Handler {
	return &Handler{orch: orch, tracker: tracker}
}

// RegisterRoutes mounts the bulk endpoints.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	bg := g.Group("/bulk")
	bg.POST("/start", h.Start)
	bg.GET("/progress", h.Progress)
	bg.GET("/stats", h.Stats)
	bg.POST("/pause", h.Pause)
	bg.POST("/resume", h.Resume)
	bg.POST("/stop", h.Stop)
}

// Start handles POST /api/validation/bulk/start. The walk runs in the
// background; the call acknowledges immediately.
func (h *Handler) Start(c echo.Context) error {
	var req struct {
		ForceRevalidation bool `json:"forceRevalidation,omitempty"`
		BatchSize         int  `json:"batchSize,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "malformed request body")
	}

	if err := h.orch.Start(req.ForceRevalidation, req.BatchSize); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return api.Error(c, http.StatusConflict, api.CodeConflict, "bulk validation is already running")
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to start bulk validation")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "starting"})
}

// Progress handles GET /api/validation/bulk/progress.
func (h *Handler) Progress(c echo.Context) error {
	return c.JSON(http.StatusOK, h.orch.Progress())
}

// Stats handles GET /api/validation/bulk/stats with the tracker's
// per-type breakdown.
func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.Stats())
}

// Pause handles POST /api/validation/bulk/pause.
func (h *Handler) Pause(c echo.Context) error {
	if err := h.orch.Pause(); err != nil {
		return api.Error(c, http.StatusConflict, api.CodeConflict, "no bulk validation running")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "bulk validation pausing"})
}

// Resume handles POST /api/validation/bulk/resume.
func (h *Handler) Resume(c echo.Context) error {
	if err := h.orch.ResumeRun(); err != nil {
		return api.Error(c, http.StatusConflict, api.CodeConflict, "bulk validation is not paused")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "bulk validation resuming"})
}

// Stop handles POST /api/validation/bulk/stop.
func (h *Handler) Stop(c echo.Context) error {
	var req struct {
		ClearResults bool `json:"clearResults,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "malformed request body")
	}

	if err := h.orch.Stop(c.Request().Context(), req.ClearResults); err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to stop bulk validation")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "bulk validation stopped"})
}
