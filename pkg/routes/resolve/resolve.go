package resolve

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type Resolver interface {
	Resolve(ctx context.Context, mention models.Mention) (*models.Resolution, error)
}

type Handler struct {
	resolver Resolver
}

func NewHandler(resolver Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// Register registers resolve routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/resolve", h.Resolve)
}

// Resolve maps a mention onto its canonical entity
func (h *Handler) Resolve(c echo.Context) error {
	req, err := utils.BindRequest[models.Mention](c)
	if err != nil {
		return err
	}

	res, err := h.resolver.Resolve(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, res)
}
