package entity

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type Manager interface {
	CreateEntity(ctx context.Context, mention models.Mention) (*models.CanonicalEntity, error)
	GetAliases(ctx context.Context, entityID string) (*models.EntityAliases, error)
	AddManualAlias(ctx context.Context, entityID, alias, source string) (*models.EntityAlias, error)
	Merge(ctx context.Context, sourceID, targetID, reason string) (*models.MergeResult, error)
	Split(ctx context.Context, entityID string, aliases []string, newName, reason string) (*models.SplitResult, error)
	GetHistory(ctx context.Context, entityID string) ([]models.MergeHistory, error)
}

type MergeRequest struct {
	SourceID string `json:"source_id" validate:"required"`
	TargetID string `json:"target_id" validate:"required"`
	Reason   string `json:"reason"`
}

type SplitRequest struct {
	ID string `param:"id" validate:"required"`
	// Aliases are alias IDs or alias names.
	Aliases []string `json:"aliases"`
	NewName string   `json:"new_name" validate:"required"`
	Reason  string   `json:"reason"`
}

type AliasRequest struct {
	ID     string `param:"id" validate:"required"`
	Alias  string `json:"alias" validate:"required"`
	Source string `json:"source"`
}

type AliasResponse struct {
	AliasID string             `json:"alias_id"`
	Alias   models.EntityAlias `json:"alias"`
}

type Handler struct {
	manager Manager
}

func NewHandler(manager Manager) *Handler {
	return &Handler{manager: manager}
}

// Register registers entity routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Create)
	g.POST("/merge", h.Merge)
	g.GET("/:id/aliases", h.GetAliases)
	g.POST("/:id/aliases", h.AddAlias)
	g.POST("/:id/split", h.Split)
	g.GET("/:id/history", h.GetHistory)
}

// Create registers an entity without matching
func (h *Handler) Create(c echo.Context) error {
	req, err := utils.BindRequest[models.Mention](c)
	if err != nil {
		return err
	}

	entity, err := h.manager.CreateEntity(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, entity)
}

// GetAliases lists the aliases of an entity, following merges
func (h *Handler) GetAliases(c echo.Context) error {
	aliases, err := h.manager.GetAliases(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, aliases)
}

// AddAlias pins a manual alias to an entity
func (h *Handler) AddAlias(c echo.Context) error {
	req, err := utils.BindRequest[AliasRequest](c)
	if err != nil {
		return err
	}

	alias, err := h.manager.AddManualAlias(c.Request().Context(), req.ID, req.Alias, req.Source)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, AliasResponse{AliasID: alias.ID, Alias: *alias})
}

// Merge folds one entity into another
func (h *Handler) Merge(c echo.Context) error {
	req, err := utils.BindRequest[MergeRequest](c)
	if err != nil {
		return err
	}

	result, err := h.manager.Merge(c.Request().Context(), req.SourceID, req.TargetID, req.Reason)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// Split moves some aliases of an entity onto a new entity
func (h *Handler) Split(c echo.Context) error {
	req, err := utils.BindRequest[SplitRequest](c)
	if err != nil {
		return err
	}

	result, err := h.manager.Split(c.Request().Context(), req.ID, req.Aliases, req.NewName, req.Reason)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetHistory(c echo.Context) error {
	history, err := h.manager.GetHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, history)
}
