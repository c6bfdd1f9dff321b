package queue

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhirval/fhirval/internal/platform/api"
)

// Handler exposes the queue REST endpoints.
type Handler struct {
	queue      *Queue
	dispatcher *Dispatcher
}

// NewHandler creates the queue handler.
func NewHandler(queue *Queue, dispatcher *Dispatcher) *Handler {
	return &Handler{queue: queue, dispatcher: dispatcher}
}

// RegisterRoutes mounts the queue endpoints.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	qg := g.Group("/queue")
	qg.GET("/stats", h.Stats)
	qg.GET("/items", h.Items)
	qg.GET("/processing", h.Processing)
	qg.POST("/cancel", h.Cancel)
	qg.POST("/clear", h.Clear)
	qg.POST("/start", h.Start)
	qg.POST("/stop", h.Stop)
}

// Stats handles GET /api/validation/queue/stats.
func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}

// Items handles GET /api/validation/queue/items.
func (h *Handler) Items(c echo.Context) error {
	var statuses []Status
	if s := c.QueryParam("status"); s != "" {
		statuses = append(statuses, Status(s))
	}
	items := h.queue.Items(statuses...)
	if items == nil {
		items = []*Item{}
	}
	return c.JSON(http.StatusOK, items)
}

// Processing handles GET /api/validation/queue/processing.
func (h *Handler) Processing(c echo.Context) error {
	items := h.queue.Items(StatusProcessing)
	if items == nil {
		items = []*Item{}
	}
	return c.JSON(http.StatusOK, items)
}

// Cancel handles POST /api/validation/queue/cancel. Accepts either a
// single item id or a batch id.
func (h *Handler) Cancel(c echo.Context) error {
	var req struct {
		ItemID  string `json:"itemId,omitempty"`
		BatchID string `json:"batchId,omitempty"`
	}
	if err := c.Bind(&req); err != nil || (req.ItemID == "" && req.BatchID == "") {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "itemId or batchId is required")
	}

	if req.BatchID != "" {
		cancelled := h.queue.CancelBatch(req.BatchID)
		return c.JSON(http.StatusOK, map[string]interface{}{"cancelled": cancelled})
	}

	id, err := uuid.Parse(req.ItemID)
	if err != nil {
		return api.Error(c, http.StatusBadRequest, api.CodeInvalidInput, "itemId is not a valid id")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cancelled": h.queue.Cancel(id)})
}

// Clear handles POST /api/validation/queue/clear.
func (h *Handler) Clear(c echo.Context) error {
	cleared := h.queue.Clear()
	return c.JSON(http.StatusOK, map[string]interface{}{"cleared": cleared})
}

// Start handles POST /api/validation/queue/start.
func (h *Handler) Start(c echo.Context) error {
	h.dispatcher.Start()
	return c.JSON(http.StatusOK, map[string]string{"message": "queue processing started"})
}

// Stop handles POST /api/validation/queue/stop.
func (h *Handler) Stop(c echo.Context) error {
	h.dispatcher.Stop()
	return c.JSON(http.StatusOK, map[string]string{"message": "queue processing stopped"})
}
