package history

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

type Manager interface {
	GetHistoryEvent(ctx context.Context, historyID string) (*models.MergeHistory, error)
	Rollback(ctx context.Context, historyID string) (*models.MergeHistory, error)
}

type Handler struct {
	manager Manager
}

func NewHandler(manager Manager) *Handler {
	return &Handler{manager: manager}
}

// Register registers history routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:id", h.Get)
	g.POST("/:id/rollback", h.Rollback)
}

func (h *Handler) Get(c echo.Context) error {
	event, err := h.manager.GetHistoryEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, event)
}

// Rollback appends the inverse of a merge or split
func (h *Handler) Rollback(c echo.Context) error {
	event, err := h.manager.Rollback(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, event)
}
