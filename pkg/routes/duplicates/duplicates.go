package duplicates

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/scanner"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type Scanner interface {
	FindDuplicates(ctx context.Context, q scanner.Query) ([]models.DuplicatePair, error)
}

type Handler struct {
	scanner Scanner
}

func NewHandler(s Scanner) *Handler {
	return &Handler{scanner: s}
}

// Register registers duplicate review routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.Find)
}

// Find runs an on-demand duplicate scan
func (h *Handler) Find(c echo.Context) error {
	q, err := utils.BindRequest[scanner.Query](c)
	if err != nil {
		return err
	}

	pairs, err := h.scanner.FindDuplicates(c.Request().Context(), q)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, pairs)
}
