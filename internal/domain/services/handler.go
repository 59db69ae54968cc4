package services

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7hub/internal/platform/auth"
)

type Handler struct {
	sync *Synchronizer
}

func NewHandler(sync *Synchronizer) *Handler {
	return &Handler{sync: sync}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/hl7v2", auth.RequireRole(auth.RoleOperator))
	g.GET("/services", h.ListServices)
}

// ListServices returns the services currently receiving messages.
func (h *Handler) ListServices(c echo.Context) error {
	sessions := h.sync.Listening()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  sessions,
		"total": len(sessions),
	})
}
