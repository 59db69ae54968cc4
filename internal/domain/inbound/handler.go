package inbound

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7hub/internal/platform/auth"
)

// StatisticsSource reports per-connector receiver statistics.
type StatisticsSource interface {
	Statistics() []Statistics
}

type Handler struct {
	stats StatisticsSource
}

func NewHandler(stats StatisticsSource) *Handler {
	return &Handler{stats: stats}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/hl7v2", auth.RequireRole(auth.RoleOperator))
	g.GET("/connectors", h.ListConnectors)
}

func (h *Handler) ListConnectors(c echo.Context) error {
	stats := h.stats.Statistics()
	if stats == nil {
		stats = []Statistics{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  stats,
		"total": len(stats),
	})
}
