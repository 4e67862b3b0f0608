// Package pgstore implements store.Store on PostgreSQL. Transactions run at read committed;
// writers serialize on row locks taken through LockEntities and on the partial unique indexes.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/blockingkey"
	"github.com/Ramsey-B/fern/internal/repositories/canonicalentity"
	"github.com/Ramsey-B/fern/internal/repositories/entityalias"
	"github.com/Ramsey-B/fern/internal/repositories/mergehistory"
	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Config struct {
	// TrigramThreshold adds pg_trgm name matches to candidate lookups when above zero.
	TrigramThreshold float64
	// TrigramLimit caps the trigram branch.
	TrigramLimit int
}

type Store struct {
	db       database.DB
	logger   ectologger.Logger
	config   Config
	entities *canonicalentity.Repository
	aliases  *entityalias.Repository
	keys     *blockingkey.Repository
	history  *mergehistory.Repository
}

var _ store.Store = (*Store)(nil)

func New(db database.DB, logger ectologger.Logger, config Config) *Store {
	if config.TrigramLimit <= 0 {
		config.TrigramLimit = 10
	}
	return &Store{
		db:       db,
		logger:   logger,
		config:   config,
		entities: canonicalentity.NewRepository(db, logger),
		aliases:  entityalias.NewRepository(db, logger),
		keys:     blockingkey.NewRepository(db, logger),
		history:  mergehistory.NewRepository(db, logger),
	}
}

// WithTx binds a transaction to ctx for fn. Errors from fn come back unchanged; driver errors
// from begin and commit are classified.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := tracing.StartSpan(ctx, "pgstore.Store.WithTx")
	defer span.End()

	var fnErr error
	err := database.WithinTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context) error {
		fnErr = fn(ctx, &tx{Store: s})
		return fnErr
	})
	if err == nil {
		return nil
	}
	tracing.RecordError(span, err)
	if fnErr != nil {
		return fnErr
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	return database.Classify(err, "transaction target not found", "transaction failed")
}

func (s *Store) GetEntity(ctx context.Context, id string) (*models.CanonicalEntity, error) {
	return s.entities.Get(ctx, id)
}

func (s *Store) GetActiveByNormalizedName(ctx context.Context, entityType models.EntityType, name string) (*models.CanonicalEntity, error) {
	return s.entities.GetActiveByName(ctx, entityType, name)
}

func (s *Store) GetActiveByIdentifier(ctx context.Context, entityType models.EntityType, kind models.IdentifierKind, value string) (*models.CanonicalEntity, error) {
	return s.entities.GetActiveByIdentifier(ctx, entityType, kind, value)
}

func (s *Store) FindCandidates(ctx context.Context, query models.CandidateQuery) ([]models.Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "pgstore.Store.FindCandidates")
	defer span.End()

	// One row past the limit tells a full candidate set from a cut one.
	fetch := query.Limit
	if fetch > 0 {
		fetch++
	}
	ranked, err := s.keys.Rank(ctx, query.EntityType, query.Keys, fetch)
	if err != nil {
		return nil, err
	}
	if query.Limit > 0 && len(ranked) > query.Limit {
		ranked = ranked[:query.Limit]
		metrics.RecordCandidatesTruncated(string(query.EntityType))
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": query.EntityType,
			"keys":        len(query.Keys),
			"limit":       query.Limit,
		}).Debug("Candidate lookup cut at the candidate limit")
	}

	ids := make([]string, 0, len(ranked))
	shared := make(map[string]int, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.EntityID)
		shared[r.EntityID] = r.Shared
	}

	anchors, err := s.anchors(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, id := range anchors {
		if _, ok := shared[id]; !ok {
			shared[id] = 0
			ids = append(ids, id)
		}
	}

	return s.hydrate(ctx, ids, shared)
}

// anchors are the holders of the query's exact name and identifiers, plus trigram neighbours
// when enabled, in ID order.
func (s *Store) anchors(ctx context.Context, query models.CandidateQuery) ([]string, error) {
	var out []string
	if query.NormalizedName != "" {
		e, err := s.entities.GetActiveByName(ctx, query.EntityType, query.NormalizedName)
		switch {
		case err == nil:
			out = append(out, e.ID)
		case !apperror.IsKind(err, apperror.KindNotFound):
			return nil, err
		}
	}
	for _, kind := range models.IdentifierKinds {
		v := query.Identifiers.Get(kind)
		if v == "" {
			continue
		}
		e, err := s.entities.GetActiveByIdentifier(ctx, query.EntityType, kind, v)
		switch {
		case err == nil:
			out = append(out, e.ID)
		case !apperror.IsKind(err, apperror.KindNotFound):
			return nil, err
		}
	}
	sort.Strings(out)

	if s.config.TrigramThreshold > 0 && query.NormalizedName != "" {
		similar, err := s.entities.SimilarNames(ctx, query.EntityType, query.NormalizedName, s.config.TrigramThreshold, s.config.TrigramLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, similar...)
	}
	return out, nil
}

func (s *Store) ListActive(ctx context.Context, entityType models.EntityType, afterID string, limit int) ([]models.Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "pgstore.Store.ListActive")
	defer span.End()

	entities, err := s.entities.ListActive(ctx, entityType, afterID, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return s.hydrate(ctx, ids, nil)
}

// hydrate loads candidates in the order of ids, each keyed by its name and aliases.
func (s *Store) hydrate(ctx context.Context, ids []string, shared map[string]int) ([]models.Candidate, error) {
	entities, err := s.entities.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	aliasKeys, err := s.aliases.NormalizedByEntities(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, len(ids))
	for _, id := range ids {
		e, ok := entities[id]
		if !ok || !e.IsActive() {
			continue
		}
		keys := append([]string{e.NormalizedName}, aliasKeys[id]...)
		out = append(out, models.Candidate{Entity: e, Keys: keys, SharedKeys: shared[id]})
	}
	return out, nil
}

func (s *Store) ListAliases(ctx context.Context, entityID string) ([]models.EntityAlias, error) {
	return s.aliases.ListByEntity(ctx, entityID)
}

func (s *Store) FindAlias(ctx context.Context, entityID, normalized string) (*models.EntityAlias, error) {
	return s.aliases.Find(ctx, entityID, normalized)
}

func (s *Store) FindManualAlias(ctx context.Context, entityType models.EntityType, normalized string) (*models.EntityAlias, error) {
	return s.aliases.FindManual(ctx, entityType, normalized)
}

func (s *Store) GetHistory(ctx context.Context, id string) (*models.MergeHistory, error) {
	return s.history.Get(ctx, id)
}

func (s *Store) ListHistory(ctx context.Context, entityID string) ([]models.MergeHistory, error) {
	return s.history.ListByEntity(ctx, entityID)
}

func (s *Store) FindRollbackOf(ctx context.Context, historyID string) (*models.MergeHistory, error) {
	return s.history.FindRollbackOf(ctx, historyID)
}

// tx adds the write surface. Reads are inherited and run on the transaction bound to ctx.
type tx struct {
	*Store
}

var _ store.Tx = (*tx)(nil)

func (t *tx) LockEntities(ctx context.Context, ids ...string) ([]models.CanonicalEntity, error) {
	return t.entities.Lock(ctx, ids)
}

func (t *tx) CreateEntity(ctx context.Context, entity *models.CanonicalEntity) error {
	return t.entities.Create(ctx, entity)
}

func (t *tx) UpdateEntity(ctx context.Context, entity *models.CanonicalEntity) error {
	return t.entities.Update(ctx, entity)
}

func (t *tx) InsertAlias(ctx context.Context, alias *models.EntityAlias) error {
	return t.aliases.Insert(ctx, alias)
}

func (t *tx) UpdateAlias(ctx context.Context, alias *models.EntityAlias) error {
	return t.aliases.Update(ctx, alias)
}

func (t *tx) DeleteAlias(ctx context.Context, id string) error {
	return t.aliases.Delete(ctx, id)
}

func (t *tx) ReplaceBlockingKeys(ctx context.Context, entityID string, entityType models.EntityType, keys []string) error {
	return t.keys.Replace(ctx, entityID, entityType, keys)
}

func (t *tx) AppendHistory(ctx context.Context, history *models.MergeHistory) error {
	return t.history.Append(ctx, history)
}
