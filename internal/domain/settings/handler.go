package settings

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhirval/fhirval/internal/platform/api"
)

// Handler exposes the settings REST endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates the settings handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the settings endpoints under the validation
// group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	sg := g.Group("/settings")
	sg.GET("", h.GetActive)
	sg.PUT("", h.Update)
	sg.POST("/reset", h.Reset)
	sg.POST("/validate", h.Validate)
	sg.POST("/test", h.Test)
	sg.GET("/presets", h.ListPresets)
	sg.POST("/presets/apply", h.ApplyPreset)
	sg.POST("/rollback", h.Rollback)
	sg.GET("/history/:id", h.History)
	sg.GET("/audit", h.AuditTrail)
	sg.GET("/statistics", h.Statistics)
	sg.POST("/backups", h.CreateBackup)
	sg.GET("/backups", h.ListBackups)
	sg.POST("/backups/:id/verify", h.VerifyBackup)
	sg.POST("/backups/:id/restore", h.RestoreBackup)
	sg.DELETE("/backups/:id", h.DeleteBackup)
	sg.POST("/backups/cleanup", h.CleanupBackups)
}

func actor(c echo.Context) string {
	if a := c.Request().Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

// GetActive handles GET /api/validation/settings.
func (h *Handler) GetActive(c echo.Context) error {
	rec, err := h.svc.ActiveSettings(c.Request().Context())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Error(c, http.StatusNotFound, api.CodeNotFound, "no active settings")
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to load settings")
	}
	return c.JSON(http.StatusOK, rec)
}

// Update handles PUT /api/validation/settings: new version + activate.
func (h *Handler) Update(c echo.Context) error {
	var content Settings
	if err := c.Bind(&content); err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "malformed settings body")
	}
	rec, err := h.svc.UpdateAndActivate(c.Request().Context(), content, actor(c))
	if err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, err.Error())
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to update settings")
	}
	return c.JSON(http.StatusOK, rec)
}

// Reset handles POST /api/validation/settings/reset.
func (h *Handler) Reset(c echo.Context) error {
	rec, err := h.svc.Reset(c.Request().Context(), actor(c))
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to reset settings")
	}
	return c.JSON(http.StatusOK, rec)
}

// Validate handles POST /api/validation/settings/validate: a dry run
// over candidate content.
func (h *Handler) Validate(c echo.Context) error {
	var content Settings
	if err := c.Bind(&content); err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "malformed settings body")
	}
	return c.JSON(http.StatusOK, ValidateCandidate(content))
}

// Test handles POST /api/validation/settings/test: validates candidate
// content and reports which aspects it would enable.
func (h *Handler) Test(c echo.Context) error {
	var content Settings
	if err := c.Bind(&content); err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "malformed settings body")
	}
	report := ValidateCandidate(content)
	hash, _ := content.Hash()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"report":         report,
		"enabledAspects": content.EnabledAspects(),
		"settingsHash":   hash,
	})
}

// ListPresets handles GET /api/validation/settings/presets.
func (h *Handler) ListPresets(c echo.Context) error {
	return c.JSON(http.StatusOK, Presets())
}

// ApplyPreset handles POST /api/validation/settings/presets/apply.
func (h *Handler) ApplyPreset(c echo.Context) error {
	var req struct {
		PresetID string `json:"presetId"`
	}
	if err := c.Bind(&req); err != nil || req.PresetID == "" {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "presetId is required")
	}
	rec, err := h.svc.ApplyPreset(c.Request().Context(), req.PresetID, actor(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Error(c, http.StatusNotFound, api.CodeNotFound, "unknown preset "+req.PresetID)
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to apply preset")
	}
	return c.JSON(http.StatusOK, rec)
}

// Rollback handles POST /api/validation/settings/rollback.
func (h *Handler) Rollback(c echo.Context) error {
	var req struct {
		LineageID string `json:"lineageId"`
		Version   int    `json:"version"`
	}
	if err := c.Bind(&req); err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "malformed rollback body")
	}
	lineageID, err := uuid.Parse(req.LineageID)
	if err != nil || req.Version <= 0 {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "lineageId and a positive version are required")
	}
	rec, err := h.svc.Rollback(c.Request().Context(), lineageID, req.Version, actor(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Error(c, http.StatusNotFound, api.CodeNotFound, "unknown settings version")
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to roll back")
	}
	return c.JSON(http.StatusOK, rec)
}

// History handles GET /api/validation/settings/history/:id.
func (h *Handler) History(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "invalid settings id")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	records, err := h.svc.History(c.Request().Context(), id, limit, offset)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Error(c, http.StatusNotFound, api.CodeNotFound, "unknown settings id")
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to load history")
	}
	return c.JSON(http.StatusOK, records)
}

// AuditTrail handles GET /api/validation/settings/audit.
func (h *Handler) AuditTrail(c echo.Context) error {
	var settingsID *uuid.UUID
	if raw := c.QueryParam("settingsId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "invalid settingsId")
		}
		settingsID = &id
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	entries, err := h.svc.AuditTrail(c.Request().Context(), settingsID, limit)
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to load audit trail")
	}
	return c.JSON(http.StatusOK, entries)
}

// Statistics handles GET /api/validation/settings/statistics.
func (h *Handler) Statistics(c echo.Context) error {
	since := time.Now().AddDate(0, -1, 0)
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "since must be RFC3339")
		}
		since = parsed
	}
	includeDetails := c.QueryParam("includeDetails") == "true"

	stats, err := h.svc.GetStatistics(c.Request().Context(), since, includeDetails)
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to compute statistics")
	}
	return c.JSON(http.StatusOK, stats)
}

// CreateBackup handles POST /api/validation/settings/backups.
func (h *Handler) CreateBackup(c echo.Context) error {
	var req struct {
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}
	if err := c.Bind(&req); err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "malformed backup body")
	}
	backup, err := h.svc.CreateManualBackup(c.Request().Context(), req.Description, actor(c), req.Tags)
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to create backup")
	}
	return c.JSON(http.StatusCreated, backup)
}

// ListBackups handles GET /api/validation/settings/backups.
func (h *Handler) ListBackups(c echo.Context) error {
	backups, err := h.svc.ListBackups(c.Request().Context())
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to list backups")
	}
	return c.JSON(http.StatusOK, backups)
}

func (h *Handler) backupID(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

// VerifyBackup handles POST /api/validation/settings/backups/:id/verify.
func (h *Handler) VerifyBackup(c echo.Context) error {
	id, err := h.backupID(c)
	if err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "invalid backup id")
	}
	ok, err := h.svc.VerifyBackup(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Error(c, http.StatusNotFound, api.CodeNotFound, "unknown backup id")
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to verify backup")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "valid": ok})
}

// RestoreBackup handles POST /api/validation/settings/backups/:id/restore.
func (h *Handler) RestoreBackup(c echo.Context) error {
	id, err := h.backupID(c)
	if err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "invalid backup id")
	}
	var opts RestoreOptions
	if err := c.Bind(&opts); err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "malformed restore body")
	}
	restored, err := h.svc.RestoreFromBackup(c.Request().Context(), id, opts, actor(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Error(c, http.StatusNotFound, api.CodeNotFound, "unknown backup id")
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to restore backup")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "restored": restored})
}

// DeleteBackup handles DELETE /api/validation/settings/backups/:id.
func (h *Handler) DeleteBackup(c echo.Context) error {
	id, err := h.backupID(c)
	if err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "invalid backup id")
	}
	if err := h.svc.DeleteBackup(c.Request().Context(), id, actor(c)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Error(c, http.StatusNotFound, api.CodeNotFound, "unknown backup id")
		}
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to delete backup")
	}
	return c.NoContent(http.StatusNoContent)
}

// CleanupBackups handles POST /api/validation/settings/backups/cleanup.
func (h *Handler) CleanupBackups(c echo.Context) error {
	removed, err := h.svc.CleanupOldBackups(c.Request().Context())
	if err != nil {
		return api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to clean up backups")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"removed": removed})
}
