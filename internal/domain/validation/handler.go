package validation

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirval/fhirval/internal/platform/api"
)

// Handler exposes the validation REST endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates the validation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the validation endpoints.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/validate", h.Validate)
	g.POST("/validate-batch", h.ValidateBatch)
	g.POST("/validate-by-ids", h.ValidateByIDs)
	g.GET("/results", h.ListResults)
	g.GET("/results/:type/:id", h.LatestResult)
	g.DELETE("/results", h.PruneResults)
	g.GET("/pipeline/:requestId", h.PipelineStatus)
	g.POST("/pipeline/:requestId/cancel", h.CancelPipeline)
}

// Validate handles POST /api/validation/validate.
func (h *Handler) Validate(c echo.Context) error {
	var req struct {
		Resource          map[string]interface{} `json:"resource"`
		ProfileURL        string                 `json:"profileUrl,omitempty"`
		ForceRevalidation bool                   `json:"forceRevalidation,omitempty"`
	}
	if err := c.Bind(&req); err != nil || req.Resource == nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "resource is required")
	}

	// A caller-supplied profile joins the declared ones for this run.
	if req.ProfileURL != "" {
		injectProfile(req.Resource, req.ProfileURL)
	}

	outcome, err := h.svc.Validate(c.Request().Context(), []map[string]interface{}{req.Resource}, req.ForceRevalidation)
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "validation failed")
	}
	if len(outcome.Results) == 0 {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "validation produced no result")
	}
	return c.JSON(http.StatusOK, outcome.Results[0])
}

// ValidateBatch handles POST /api/validation/validate-batch.
func (h *Handler) ValidateBatch(c echo.Context) error {
	var req struct {
		Resources         []map[string]interface{} `json:"resources"`
		ForceRevalidation bool                     `json:"forceRevalidation,omitempty"`
	}
	if err := c.Bind(&req); err != nil || len(req.Resources) == 0 {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "resources is required")
	}

	outcome, err := h.svc.Validate(c.Request().Context(), req.Resources, req.ForceRevalidation)
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "validation failed")
	}
	return c.JSON(http.StatusOK, outcome)
}

// ValidateByIDs handles POST /api/validation/validate-by-ids.
func (h *Handler) ValidateByIDs(c echo.Context) error {
	var req struct {
		ResourceIDs       []string `json:"resourceIds"`
		ForceRevalidation bool     `json:"forceRevalidation,omitempty"`
	}
	if err := c.Bind(&req); err != nil || len(req.ResourceIDs) == 0 {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "resourceIds is required")
	}

	outcome, err := h.svc.ValidateByIDs(c.Request().Context(), req.ResourceIDs, req.ForceRevalidation)
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "validation failed")
	}
	return c.JSON(http.StatusOK, outcome)
}

// ListResults handles GET /api/validation/results.
func (h *Handler) ListResults(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	results, err := h.svc.ListResults(c.Request().Context(), limit, offset)
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to list results")
	}
	return c.JSON(http.StatusOK, results)
}

// LatestResult handles GET /api/validation/results/:type/:id.
func (h *Handler) LatestResult(c echo.Context) error {
	result, err := h.svc.LatestResult(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Error(c, http.StatusNotFound, api.CodeNotFound, "no result for resource")
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to load result")
	}
	return c.JSON(http.StatusOK, result)
}

// PruneResults handles DELETE /api/validation/results. Removes results
// older than the retention window given in maxAgeHours (default 720).
func (h *Handler) PruneResults(c echo.Context) error {
	maxAgeHours, _ := strconv.Atoi(c.QueryParam("maxAgeHours"))
	if maxAgeHours <= 0 {
		maxAgeHours = 720
	}

	removed, err := h.svc.PruneResults(c.Request().Context(), time.Duration(maxAgeHours)*time.Hour)
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to prune results")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"removed": removed})
}

// PipelineStatus handles GET /api/validation/pipeline/:requestId.
func (h *Handler) PipelineStatus(c echo.Context) error {
	status, ok := h.svc.Pipeline().Status(c.Param("requestId"))
	if !ok {
		return api.Error(c, http.StatusNotFound, api.CodeNotFound, "unknown pipeline request")
	}
	return c.JSON(http.StatusOK, status)
}

// CancelPipeline handles POST /api/validation/pipeline/:requestId/cancel.
func (h *Handler) CancelPipeline(c echo.Context) error {
	cancelled := h.svc.Pipeline().Cancel(c.Param("requestId"))
	return c.JSON(http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

func injectProfile(resource map[string]interface{}, profileURL string) {
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
		resource["meta"] = meta
	}
	profiles, _ := meta["profile"].([]interface{})
	for _, p := range profiles {
		if p == profileURL {
			return
		}
	}
	meta["profile"] = append(profiles, profileURL)
}
