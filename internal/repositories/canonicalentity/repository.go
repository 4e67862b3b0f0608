package canonicalentity

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "canonical_entities"

var columns = []string{
	"id", "entity_type", "canonical_name", "normalized_name",
	"ticker", "registry_number", "lei", "domain",
	"city", "state", "country", "industry", "sector",
	"status", "merged_into_id", "version", "created_at", "updated_at",
}

// identifierColumns maps identifier kinds onto their columns.
var identifierColumns = map[models.IdentifierKind]string{
	models.IdentifierTicker:         "ticker",
	models.IdentifierRegistryNumber: "registry_number",
	models.IdentifierLEI:            "lei",
	models.IdentifierDomain:         "domain",
}

type row struct {
	ID             string         `db:"id"`
	EntityType     string         `db:"entity_type"`
	CanonicalName  string         `db:"canonical_name"`
	NormalizedName string         `db:"normalized_name"`
	Ticker         string         `db:"ticker"`
	RegistryNumber string         `db:"registry_number"`
	LEI            string         `db:"lei"`
	Domain         string         `db:"domain"`
	City           string         `db:"city"`
	State          string         `db:"state"`
	Country        string         `db:"country"`
	Industry       string         `db:"industry"`
	Sector         string         `db:"sector"`
	Status         string         `db:"status"`
	MergedIntoID   sql.NullString `db:"merged_into_id"`
	Version        int            `db:"version"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r row) model() models.CanonicalEntity {
	return models.CanonicalEntity{
		ID:             r.ID,
		EntityType:     models.EntityType(r.EntityType),
		CanonicalName:  r.CanonicalName,
		NormalizedName: r.NormalizedName,
		Identifiers: models.Identifiers{
			Ticker:         r.Ticker,
			RegistryNumber: r.RegistryNumber,
			LEI:            r.LEI,
			Domain:         r.Domain,
		},
		Location:       models.Location{City: r.City, State: r.State, Country: r.Country},
		Classification: models.Classification{Industry: r.Industry, Sector: r.Sector},
		Status:         models.EntityStatus(r.Status),
		MergedIntoID:   r.MergedIntoID.String,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func mergedInto(e *models.CanonicalEntity) sql.NullString {
	return sql.NullString{String: e.MergedIntoID, Valid: e.MergedIntoID != ""}
}

// Repository persists canonical entities. Every method runs on the transaction bound to ctx, if any.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) get(ctx context.Context, sb *sqlbuilder.SelectBuilder, notFound string) (*models.CanonicalEntity, error) {
	query, args := sb.Build()
	var out row
	if err := r.db.Conn(ctx).GetContext(ctx, &out, query, args...); err != nil {
		if !database.IsNoRows(err) {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to get canonical entity")
		}
		return nil, database.Classify(err, notFound, "failed to get canonical entity")
	}
	e := out.model()
	return &e, nil
}

func (r *Repository) list(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.CanonicalEntity, error) {
	query, args := sb.Build()
	var rows []row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list canonical entities")
		return nil, database.Classify(err, "canonical entities not found", "failed to list canonical entities")
	}
	out := make([]models.CanonicalEntity, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}

// Get returns the entity in any status.
func (r *Repository) Get(ctx context.Context, id string) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(sb.Equal("id", id))
	return r.get(ctx, sb, "entity "+id+" not found")
}

func (r *Repository) GetActiveByName(ctx context.Context, entityType models.EntityType, name string) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.GetActiveByName")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(
		sb.Equal("entity_type", entityType),
		sb.Equal("normalized_name", name),
		sb.Equal("status", models.EntityStatusActive),
	)
	return r.get(ctx, sb, "no active "+string(entityType)+" named "+name)
}

func (r *Repository) GetActiveByIdentifier(ctx context.Context, entityType models.EntityType, kind models.IdentifierKind, value string) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.GetActiveByIdentifier")
	defer span.End()

	col, ok := identifierColumns[kind]
	if !ok {
		return nil, apperror.New(apperror.KindInvalidInput, "unknown identifier kind %q", kind)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(
		sb.Equal("entity_type", entityType),
		sb.Equal(col, value),
		sb.Equal("status", models.EntityStatusActive),
	)
	return r.get(ctx, sb, "no active "+string(entityType)+" with "+string(kind)+" "+value)
}

// GetMany returns the rows found among ids, keyed by ID.
func (r *Repository) GetMany(ctx context.Context, ids []string) (map[string]models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.GetMany")
	defer span.End()

	out := make(map[string]models.CanonicalEntity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(sb.In("id", sqlbuilder.Flatten(ids)...))
	entities, err := r.list(ctx, sb)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		out[e.ID] = e
	}
	return out, nil
}

// ListActive pages active entities in ID order. An empty entityType lists every type.
func (r *Repository) ListActive(ctx context.Context, entityType models.EntityType, afterID string, limit int) ([]models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.ListActive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table)
	where := []string{sb.Equal("status", models.EntityStatusActive), sb.GreaterThan("id", afterID)}
	if entityType != "" {
		where = append(where, sb.Equal("entity_type", entityType))
	}
	sb.Where(where...).OrderBy("id")
	if limit > 0 {
		sb.Limit(limit)
	}
	return r.list(ctx, sb)
}

// SimilarNames returns active entities whose normalized name has a trigram similarity of at
// least threshold with name, most similar first.
func (r *Repository) SimilarNames(ctx context.Context, entityType models.EntityType, name string, threshold float64, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.SimilarNames")
	defer span.End()

	query := `
		SELECT id FROM canonical_entities
		WHERE entity_type = $1 AND status = 'active' AND similarity(normalized_name, $2) >= $3
		ORDER BY similarity(normalized_name, $2) DESC, id
		LIMIT $4
	`
	var ids []string
	if err := r.db.Conn(ctx).SelectContext(ctx, &ids, query, entityType, name, threshold, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to query similar names")
		return nil, database.Classify(err, "no similar names", "failed to query similar names")
	}
	return ids, nil
}

// Lock takes row locks on ids in ascending ID order. A missing ID is not_found.
func (r *Repository) Lock(ctx context.Context, ids []string) ([]models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Lock")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(sb.In("id", sqlbuilder.Flatten(ids)...)).OrderBy("id").ForUpdate()
	locked, err := r.list(ctx, sb)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(locked))
	for _, e := range locked {
		found[e.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return nil, apperror.New(apperror.KindNotFound, "entity %s not found", id)
		}
	}
	return locked, nil
}

// Create inserts e at version 1. A name or identifier already held by an active entity is a conflict.
func (r *Repository) Create(ctx context.Context, e *models.CanonicalEntity) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Create")
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.Version = 1
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Status == "" {
		e.Status = models.EntityStatusActive
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table).Cols(columns...).Values(
		e.ID, e.EntityType, e.CanonicalName, e.NormalizedName,
		e.Identifiers.Ticker, e.Identifiers.RegistryNumber, e.Identifiers.LEI, e.Identifiers.Domain,
		e.Location.City, e.Location.State, e.Location.Country,
		e.Classification.Industry, e.Classification.Sector,
		e.Status, mergedInto(e), e.Version, e.CreatedAt, e.UpdatedAt,
	)

	query, args := sb.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("entity_id", e.ID).Warn("Failed to create canonical entity")
		return database.Classify(err, "entity "+e.ID+" not found", "failed to create canonical entity")
	}
	return nil
}

// Update writes every mutable column and bumps the version. Version, CreatedAt and UpdatedAt
// are refreshed on e.
func (r *Repository) Update(ctx context.Context, e *models.CanonicalEntity) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Update")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table).Set(
		sb.Assign("canonical_name", e.CanonicalName),
		sb.Assign("normalized_name", e.NormalizedName),
		sb.Assign("ticker", e.Identifiers.Ticker),
		sb.Assign("registry_number", e.Identifiers.RegistryNumber),
		sb.Assign("lei", e.Identifiers.LEI),
		sb.Assign("domain", e.Identifiers.Domain),
		sb.Assign("city", e.Location.City),
		sb.Assign("state", e.Location.State),
		sb.Assign("country", e.Location.Country),
		sb.Assign("industry", e.Classification.Industry),
		sb.Assign("sector", e.Classification.Sector),
		sb.Assign("status", e.Status),
		sb.Assign("merged_into_id", mergedInto(e)),
		sb.Incr("version"),
		sb.Assign("updated_at", time.Now().UTC()),
	).Where(sb.Equal("id", e.ID))

	query, args := sb.Build()
	query += " RETURNING version, created_at, updated_at"

	var stamp struct {
		Version   int       `db:"version"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := r.db.Conn(ctx).GetContext(ctx, &stamp, query, args...); err != nil {
		tracing.RecordError(span, err)
		if !database.IsNoRows(err) {
			r.logger.WithContext(ctx).WithError(err).WithField("entity_id", e.ID).Warn("Failed to update canonical entity")
		}
		return database.Classify(err, "entity "+e.ID+" not found", "failed to update canonical entity")
	}
	e.Version, e.CreatedAt, e.UpdatedAt = stamp.Version, stamp.CreatedAt, stamp.UpdatedAt
	return nil
}
