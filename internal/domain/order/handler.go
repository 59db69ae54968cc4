package order

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7hub/internal/platform/auth"
)

// Handler exposes the acts synthesized from a message.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/hl7v2", auth.RequireRole(auth.RoleOperator))
	g.GET("/messages/:id/orders", h.ListByMessage)
}

func (h *Handler) ListByMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	acts, err := h.repo.ListByMessage(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if acts == nil {
		acts = []Act{}
	}
	return c.JSON(http.StatusOK, acts)
}
