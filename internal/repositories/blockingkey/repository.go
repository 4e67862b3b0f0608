// Package blockingkey stores the inverted index from blocking key to entity.
package blockingkey

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "entity_blocking_keys"

// Ranked is an entity and how many of the queried keys it holds.
type Ranked struct {
	EntityID string `db:"entity_id"`
	Shared   int    `db:"shared"`
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Replace swaps the entity's key set for keys.
func (r *Repository) Replace(ctx context.Context, entityID string, entityType models.EntityType, keys []string) error {
	ctx, span := tracing.StartSpan(ctx, "blockingkey.Repository.Replace")
	defer span.End()

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom(table).Where(del.Equal("entity_id", entityID))
	query, args := del.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		return database.Classify(err, "blocking keys not found", "failed to clear blocking keys")
	}

	seen := make(map[string]bool, len(keys))
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table).Cols("entity_id", "blocking_key", "entity_type")
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		ib.Values(entityID, key, entityType)
	}
	if len(seen) == 0 {
		return nil
	}

	query, args = ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("entity_id", entityID).Warn("Failed to write blocking keys")
		return database.Classify(err, "blocking keys not found", "failed to write blocking keys")
	}
	return nil
}

// Rank returns active entities of the type holding any of keys, most shared keys first, then by ID.
func (r *Repository) Rank(ctx context.Context, entityType models.EntityType, keys []string, limit int) ([]Ranked, error) {
	ctx, span := tracing.StartSpan(ctx, "blockingkey.Repository.Rank")
	defer span.End()

	if len(keys) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT k.entity_id, COUNT(*) AS shared
		FROM entity_blocking_keys k
		JOIN canonical_entities e ON e.id = k.entity_id AND e.status = 'active'
		WHERE k.entity_type = $1 AND k.blocking_key = ANY($2)
		GROUP BY k.entity_id
		ORDER BY shared DESC, k.entity_id
		LIMIT $3
	`
	var ranked []Ranked
	if err := r.db.Conn(ctx).SelectContext(ctx, &ranked, query, entityType, pq.Array(keys), limit); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("Failed to rank blocking keys")
		return nil, database.Classify(err, "no candidates", "failed to rank blocking keys")
	}
	return ranked, nil
}
