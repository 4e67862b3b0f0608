package mergehistory

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "merge_history"

var columns = []string{
	"id", "action", "source_entity_id", "target_entity_id", "reason",
	"performed_by", "performed_at", "previous_state", "rollback_of",
}

type row struct {
	ID             string                          `db:"id"`
	Action         string                          `db:"action"`
	SourceEntityID string                          `db:"source_entity_id"`
	TargetEntityID string                          `db:"target_entity_id"`
	Reason         string                          `db:"reason"`
	PerformedBy    string                          `db:"performed_by"`
	PerformedAt    time.Time                       `db:"performed_at"`
	PreviousState  database.JSONB[models.Snapshot] `db:"previous_state"`
	RollbackOf     sql.NullString                  `db:"rollback_of"`
}

func (r row) model() models.MergeHistory {
	return models.MergeHistory{
		ID:             r.ID,
		Action:         models.HistoryAction(r.Action),
		SourceEntityID: r.SourceEntityID,
		TargetEntityID: r.TargetEntityID,
		Reason:         r.Reason,
		PerformedBy:    r.PerformedBy,
		PerformedAt:    r.PerformedAt,
		PreviousState:  r.PreviousState.Data,
		RollbackOf:     r.RollbackOf.String,
	}
}

// Repository appends and reads the audit log. Rows are never updated.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Append(ctx context.Context, h *models.MergeHistory) error {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.Append")
	defer span.End()

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.PerformedAt.IsZero() {
		h.PerformedAt = time.Now().UTC()
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table).Cols(columns...).Values(
		h.ID, h.Action, h.SourceEntityID, h.TargetEntityID, h.Reason, h.PerformedBy, h.PerformedAt,
		database.NewJSONB(h.PreviousState),
		sql.NullString{String: h.RollbackOf, Valid: h.RollbackOf != ""},
	)

	query, args := sb.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"history_id":  h.ID,
			"action":      h.Action,
			"rollback_of": h.RollbackOf,
		}).Warn("Failed to append merge history")
		return database.Classify(err, "history event "+h.ID+" not found", "failed to append merge history")
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(sb.Equal("id", id))
	return r.get(ctx, sb, "history event "+id+" not found")
}

// FindRollbackOf returns the row reverting historyID.
func (r *Repository) FindRollbackOf(ctx context.Context, historyID string) (*models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.FindRollbackOf")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(sb.Equal("rollback_of", historyID))
	return r.get(ctx, sb, "history event "+historyID+" has not been rolled back")
}

// ListByEntity returns the rows naming the entity as source or target, in append order.
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From(table).Where(
		sb.Or(sb.Equal("source_entity_id", entityID), sb.Equal("target_entity_id", entityID)),
	).OrderBy("seq")

	query, args := sb.Build()
	var rows []row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_id", entityID).Error("Failed to list merge history")
		return nil, database.Classify(err, "history not found", "failed to list merge history")
	}

	out := make([]models.MergeHistory, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}

func (r *Repository) get(ctx context.Context, sb *sqlbuilder.SelectBuilder, notFound string) (*models.MergeHistory, error) {
	query, args := sb.Build()
	var out row
	if err := r.db.Conn(ctx).GetContext(ctx, &out, query, args...); err != nil {
		if !database.IsNoRows(err) {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge history")
		}
		return nil, database.Classify(err, notFound, "failed to get merge history")
	}
	h := out.model()
	return &h, nil
}
