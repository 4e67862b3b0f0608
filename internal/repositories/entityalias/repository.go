package entityalias

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "entity_aliases"

var columns = []string{
	"id", "canonical_entity_id", "alias_name", "normalized_alias", "source_type", "source_record_id",
	"match_confidence", "is_manual_override", "review_status", "created_at", "updated_at",
}

type row struct {
	ID                string    `db:"id"`
	CanonicalEntityID string    `db:"canonical_entity_id"`
	AliasName         string    `db:"alias_name"`
	NormalizedAlias   string    `db:"normalized_alias"`
	SourceType        string    `db:"source_type"`
	SourceRecordID    string    `db:"source_record_id"`
	MatchConfidence   float64   `db:"match_confidence"`
	IsManualOverride  bool      `db:"is_manual_override"`
	Status            string    `db:"review_status"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r row) model() models.EntityAlias {
	return models.EntityAlias{
		ID:                r.ID,
		CanonicalEntityID: r.CanonicalEntityID,
		AliasName:         r.AliasName,
		NormalizedAlias:   r.NormalizedAlias,
		SourceType:        r.SourceType,
		SourceRecordID:    r.SourceRecordID,
		MatchConfidence:   r.MatchConfidence,
		IsManualOverride:  r.IsManualOverride,
		Status:            models.AliasStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func toModels(rows []row) []models.EntityAlias {
	out := make([]models.EntityAlias, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// ListByEntity returns an entity's aliases, oldest first.
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.EntityAlias, error) {
	ctx, span := tracing.StartSpan(ctx, "entityalias.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(sb.Equal("canonical_entity_id", entityID)).OrderBy("seq")

	query, args := sb.Build()
	var rows []row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_id", entityID).Error("Failed to list aliases")
		return nil, database.Classify(err, "aliases not found", "failed to list aliases")
	}
	return toModels(rows), nil
}

// NormalizedByEntities returns the normalized aliases of each entity, oldest first.
func (r *Repository) NormalizedByEntities(ctx context.Context, entityIDs []string) (map[string][]string, error) {
	ctx, span := tracing.StartSpan(ctx, "entityalias.Repository.NormalizedByEntities")
	defer span.End()

	out := make(map[string][]string, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("canonical_entity_id", "normalized_alias").From(table).
		Where(sb.In("canonical_entity_id", sqlbuilder.Flatten(entityIDs)...)).
		OrderBy("canonical_entity_id", "seq")

	query, args := sb.Build()
	var rows []struct {
		EntityID   string `db:"canonical_entity_id"`
		Normalized string `db:"normalized_alias"`
	}
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list alias keys")
		return nil, database.Classify(err, "aliases not found", "failed to list alias keys")
	}
	for _, row := range rows {
		out[row.EntityID] = append(out[row.EntityID], row.Normalized)
	}
	return out, nil
}

func (r *Repository) Find(ctx context.Context, entityID, normalized string) (*models.EntityAlias, error) {
	ctx, span := tracing.StartSpan(ctx, "entityalias.Repository.Find")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(
		sb.Equal("canonical_entity_id", entityID),
		sb.Equal("normalized_alias", normalized),
	)

	query, args := sb.Build()
	var out row
	if err := r.db.Conn(ctx).GetContext(ctx, &out, query, args...); err != nil {
		return nil, database.Classify(err, "alias "+normalized+" not found on "+entityID, "failed to find alias")
	}
	a := out.model()
	return &a, nil
}

// FindManual returns the manual alias with the key on an active entity of the type, lowest owner ID first.
func (r *Repository) FindManual(ctx context.Context, entityType models.EntityType, normalized string) (*models.EntityAlias, error) {
	ctx, span := tracing.StartSpan(ctx, "entityalias.Repository.FindManual")
	defer span.End()

	query := `
		SELECT a.id, a.canonical_entity_id, a.alias_name, a.normalized_alias, a.source_type, a.source_record_id,
		       a.match_confidence, a.is_manual_override, a.review_status, a.created_at, a.updated_at
		FROM entity_aliases a
		JOIN canonical_entities e ON e.id = a.canonical_entity_id
		WHERE a.is_manual_override AND a.normalized_alias = $1 AND e.status = 'active' AND e.entity_type = $2
		ORDER BY a.canonical_entity_id
		LIMIT 1
	`
	var out row
	if err := r.db.Conn(ctx).GetContext(ctx, &out, query, normalized, entityType); err != nil {
		return nil, database.Classify(err, "no manual alias "+normalized, "failed to find manual alias")
	}
	a := out.model()
	return &a, nil
}

// Insert keeps a provided ID and CreatedAt so discarded rows can be restored as they were.
func (r *Repository) Insert(ctx context.Context, a *models.EntityAlias) error {
	ctx, span := tracing.StartSpan(ctx, "entityalias.Repository.Insert")
	defer span.End()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.AliasStatusConfirmed
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table).Cols(columns...).Values(
		a.ID, a.CanonicalEntityID, a.AliasName, a.NormalizedAlias, a.SourceType, a.SourceRecordID,
		a.MatchConfidence, a.IsManualOverride, a.Status, a.CreatedAt, a.UpdatedAt,
	)

	query, args := sb.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("alias_id", a.ID).Warn("Failed to insert alias")
		return database.Classify(err, "alias "+a.ID+" not found", "failed to insert alias")
	}
	return nil
}

// Update rewrites a's mutable columns, including its owner.
func (r *Repository) Update(ctx context.Context, a *models.EntityAlias) error {
	ctx, span := tracing.StartSpan(ctx, "entityalias.Repository.Update")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table).Set(
		sb.Assign("canonical_entity_id", a.CanonicalEntityID),
		sb.Assign("alias_name", a.AliasName),
		sb.Assign("normalized_alias", a.NormalizedAlias),
		sb.Assign("source_type", a.SourceType),
		sb.Assign("source_record_id", a.SourceRecordID),
		sb.Assign("match_confidence", a.MatchConfidence),
		sb.Assign("is_manual_override", a.IsManualOverride),
		sb.Assign("review_status", a.Status),
		sb.Assign("updated_at", time.Now().UTC()),
	).Where(sb.Equal("id", a.ID))

	query, args := sb.Build()
	query += " RETURNING created_at, updated_at"

	var stamp struct {
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := r.db.Conn(ctx).GetContext(ctx, &stamp, query, args...); err != nil {
		tracing.RecordError(span, err)
		return database.Classify(err, "alias "+a.ID+" not found", "failed to update alias")
	}
	a.CreatedAt, a.UpdatedAt = stamp.CreatedAt, stamp.UpdatedAt
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entityalias.Repository.Delete")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom(table).Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		return database.Classify(err, "alias "+id+" not found", "failed to delete alias")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.New(apperror.KindNotFound, "alias %s not found", id)
	}
	return nil
}
