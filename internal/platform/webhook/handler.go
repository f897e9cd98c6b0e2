package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7gateway/pkg/pagination"
)

// Handler exposes webhook management via Echo HTTP routes.
type Handler struct {
	dispatcher *Dispatcher
	store      Store
}

func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher, store: dispatcher.store}
}

// RegisterRoutes binds the webhook routes to g. Callers restrict g to
// administrators.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks", h.RegisterEndpoint)
	g.GET("/webhooks", h.ListEndpoints)
	g.GET("/webhooks/:id", h.GetEndpoint)
	g.DELETE("/webhooks/:id", h.DeleteEndpoint)
	g.POST("/webhooks/:id/pause", h.PauseEndpoint)
	g.POST("/webhooks/:id/resume", h.ResumeEndpoint)
	g.POST("/webhooks/:id/test", h.TestEndpoint)
	g.GET("/webhooks/:id/deliveries", h.ListDeliveries)
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func notFoundOr500(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// RegisterEndpoint handles POST /webhooks. The secret is returned only in
// this response.
func (h *Handler) RegisterEndpoint(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.dispatcher.RegisterEndpoint(c.Request().Context(), req.URL, req.Secret, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func redact(ep *Endpoint) *Endpoint {
	ep.Secret = ""
	return ep
}

func (h *Handler) ListEndpoints(c echo.Context) error {
	pg := pagination.FromContext(c)
	eps, total, err := h.store.ListEndpoints(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, ep := range eps {
		redact(ep)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(eps, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetEndpoint(c echo.Context) error {
	ep, err := h.store.GetEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, redact(ep))
}

func (h *Handler) DeleteEndpoint(c echo.Context) error {
	if err := h.store.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return notFoundOr500(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PauseEndpoint(c echo.Context) error {
	return h.setStatus(c, StatusPaused)
}

func (h *Handler) ResumeEndpoint(c echo.Context) error {
	return h.setStatus(c, StatusActive)
}

func (h *Handler) setStatus(c echo.Context, status string) error {
	if err := h.dispatcher.SetStatus(c.Request().Context(), c.Param("id"), status); err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

// TestEndpoint handles POST /webhooks/:id/test.
func (h *Handler) TestEndpoint(c echo.Context) error {
	attempt, err := h.dispatcher.TestEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, attempt)
}

// ListDeliveries handles GET /webhooks/:id/deliveries, newest first.
func (h *Handler) ListDeliveries(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.store.GetEndpoint(c.Request().Context(), id); err != nil {
		return notFoundOr500(err)
	}
	pg := pagination.FromContext(c)
	logs, total, err := h.store.ListDeliveries(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(logs, total, pg.Limit, pg.Offset))
}
