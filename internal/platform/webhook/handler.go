package webhook

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handler exposes the delivery log to admins.
type Handler struct {
	publisher *Publisher
}

func NewHandler(p *Publisher) *Handler {
	return &Handler{publisher: p}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/webhooks/deliveries", h.ListDeliveries)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	limit := 50
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		limit = n
	}
	items := h.publisher.Deliveries(limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  items,
		"total": len(items),
	})
}
