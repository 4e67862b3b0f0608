// Package store defines the persistence contract shared by the postgres and in-memory backends.
package store

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Reader exposes committed state. Lookups that find nothing return an apperror of kind not_found.
type Reader interface {
	GetEntity(ctx context.Context, id string) (*models.CanonicalEntity, error)
	GetActiveByNormalizedName(ctx context.Context, entityType models.EntityType, name string) (*models.CanonicalEntity, error)
	GetActiveByIdentifier(ctx context.Context, entityType models.EntityType, kind models.IdentifierKind, value string) (*models.CanonicalEntity, error)

	// FindCandidates returns active entities sharing blocking keys with the query, most shared
	// keys first, then by ID.
	FindCandidates(ctx context.Context, query models.CandidateQuery) ([]models.Candidate, error)
	// ListActive pages through active entities of a type (all types when empty) in ID order.
	ListActive(ctx context.Context, entityType models.EntityType, afterID string, limit int) ([]models.Candidate, error)

	// ListAliases returns the aliases of an entity, oldest first.
	ListAliases(ctx context.Context, entityID string) ([]models.EntityAlias, error)
	FindAlias(ctx context.Context, entityID, normalized string) (*models.EntityAlias, error)
	// FindManualAlias finds a manual alias with the key whose owner is active and of the type.
	FindManualAlias(ctx context.Context, entityType models.EntityType, normalized string) (*models.EntityAlias, error)

	GetHistory(ctx context.Context, id string) (*models.MergeHistory, error)
	// ListHistory returns the events naming the entity as source or target, in append order.
	ListHistory(ctx context.Context, entityID string) ([]models.MergeHistory, error)
	// FindRollbackOf returns the event that reverted historyID.
	FindRollbackOf(ctx context.Context, historyID string) (*models.MergeHistory, error)
}

// Tx is a unit of work. Writes violating a uniqueness rule return an apperror of kind conflict.
type Tx interface {
	Reader

	// LockEntities takes row locks in ascending ID order and returns the rows in that order.
	LockEntities(ctx context.Context, ids ...string) ([]models.CanonicalEntity, error)

	CreateEntity(ctx context.Context, entity *models.CanonicalEntity) error
	UpdateEntity(ctx context.Context, entity *models.CanonicalEntity) error

	InsertAlias(ctx context.Context, alias *models.EntityAlias) error
	UpdateAlias(ctx context.Context, alias *models.EntityAlias) error
	DeleteAlias(ctx context.Context, id string) error

	ReplaceBlockingKeys(ctx context.Context, entityID string, entityType models.EntityType, keys []string) error

	AppendHistory(ctx context.Context, history *models.MergeHistory) error
}

// Store is a Reader that can open transactions. fn's error rolls the transaction back and is
// returned unchanged.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
