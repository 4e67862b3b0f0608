// Package routes mounts the HTTP surface under /api/v1.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/routes/duplicates"
	"github.com/Ramsey-B/fern/pkg/routes/entity"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/history"
	"github.com/Ramsey-B/fern/pkg/routes/resolve"
)

const APIPrefix = "/api/v1"

type Handlers struct {
	Resolve    *resolve.Handler
	Entity     *entity.Handler
	History    *history.Handler
	Duplicates *duplicates.Handler
	Health     *health.Checker
}

// Mount registers every non-nil handler on e and returns the API group.
func Mount(e *echo.Echo, h Handlers) *echo.Group {
	api := e.Group(APIPrefix)
	if h.Health != nil {
		h.Health.Register(api)
	}
	if h.Resolve != nil {
		h.Resolve.Register(api)
	}
	if h.Entity != nil {
		h.Entity.Register(api.Group("/entities"))
	}
	if h.History != nil {
		h.History.Register(api.Group("/history"))
	}
	if h.Duplicates != nil {
		h.Duplicates.Register(api.Group("/duplicates"))
	}
	return api
}
