// Package memory is an in-process store.Store. A write transaction holds the store lock for
// its whole duration and undoes its writes on failure, so readers only see committed state.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

type nameKey struct {
	entityType models.EntityType
	name       string
}

type identKey struct {
	entityType models.EntityType
	kind       models.IdentifierKind
	value      string
}

type aliasRow struct {
	alias models.EntityAlias
	seq   int64
}

type Store struct {
	mu sync.RWMutex

	entities map[string]models.CanonicalEntity
	byName   map[nameKey]string
	byIdent  map[identKey]string

	aliases      map[string]*aliasRow
	aliasByOwner map[string]map[string]string
	aliasSeq     int64

	blocking   map[models.EntityType]map[string]map[string]struct{}
	entityKeys map[string][]string

	history      map[string]models.MergeHistory
	historyOrder []string

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		entities:     make(map[string]models.CanonicalEntity),
		byName:       make(map[nameKey]string),
		byIdent:      make(map[identKey]string),
		aliases:      make(map[string]*aliasRow),
		aliasByOwner: make(map[string]map[string]string),
		blocking:     make(map[models.EntityType]map[string]map[string]struct{}),
		entityKeys:   make(map[string][]string),
		history:      make(map[string]models.MergeHistory),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithTx runs fn under the write lock. Writes are undone in reverse order when fn fails or panics.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	return fn(ctx, tx)
}

func (s *Store) read() func() {
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) GetEntity(ctx context.Context, id string) (*models.CanonicalEntity, error) {
	defer s.read()()
	return s.getEntity(id)
}

func (s *Store) GetActiveByNormalizedName(ctx context.Context, entityType models.EntityType, name string) (*models.CanonicalEntity, error) {
	defer s.read()()
	return s.getByName(entityType, name)
}

func (s *Store) GetActiveByIdentifier(ctx context.Context, entityType models.EntityType, kind models.IdentifierKind, value string) (*models.CanonicalEntity, error) {
	defer s.read()()
	return s.getByIdent(entityType, kind, value)
}

func (s *Store) FindCandidates(ctx context.Context, query models.CandidateQuery) ([]models.Candidate, error) {
	defer s.read()()
	return s.findCandidates(query), nil
}

func (s *Store) ListActive(ctx context.Context, entityType models.EntityType, afterID string, limit int) ([]models.Candidate, error) {
	defer s.read()()
	return s.listActive(entityType, afterID, limit), nil
}

func (s *Store) ListAliases(ctx context.Context, entityID string) ([]models.EntityAlias, error) {
	defer s.read()()
	return s.listAliases(entityID), nil
}

func (s *Store) FindAlias(ctx context.Context, entityID, normalized string) (*models.EntityAlias, error) {
	defer s.read()()
	return s.findAlias(entityID, normalized)
}

func (s *Store) FindManualAlias(ctx context.Context, entityType models.EntityType, normalized string) (*models.EntityAlias, error) {
	defer s.read()()
	return s.findManualAlias(entityType, normalized)
}

func (s *Store) GetHistory(ctx context.Context, id string) (*models.MergeHistory, error) {
	defer s.read()()
	return s.getHistory(id)
}

func (s *Store) ListHistory(ctx context.Context, entityID string) ([]models.MergeHistory, error) {
	defer s.read()()
	return s.listHistory(entityID), nil
}

func (s *Store) FindRollbackOf(ctx context.Context, historyID string) (*models.MergeHistory, error) {
	defer s.read()()
	return s.findRollbackOf(historyID)
}

// unlocked readers, shared by Store and memTx

func (s *Store) getEntity(id string) (*models.CanonicalEntity, error) {
	e, ok := s.entities[id]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "entity %s not found", id)
	}
	return &e, nil
}

func (s *Store) getByName(entityType models.EntityType, name string) (*models.CanonicalEntity, error) {
	id, ok := s.byName[nameKey{entityType, name}]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "no active %s named %q", entityType, name)
	}
	return s.getEntity(id)
}

func (s *Store) getByIdent(entityType models.EntityType, kind models.IdentifierKind, value string) (*models.CanonicalEntity, error) {
	id, ok := s.byIdent[identKey{entityType, kind, value}]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "no active %s with %s %q", entityType, kind, value)
	}
	return s.getEntity(id)
}

func (s *Store) candidate(id string) models.Candidate {
	e := s.entities[id]
	keys := []string{e.NormalizedName}
	for _, a := range s.listAliases(id) {
		keys = append(keys, a.NormalizedAlias)
	}
	return models.Candidate{Entity: e, Keys: keys}
}

func (s *Store) findCandidates(query models.CandidateQuery) []models.Candidate {
	counts := make(map[string]int)
	index := s.blocking[query.EntityType]
	for _, key := range query.Keys {
		for id := range index[key] {
			counts[id]++
		}
	}

	ranked := make([]string, 0, len(counts))
	for id := range counts {
		if e, ok := s.entities[id]; ok && e.IsActive() && e.EntityType == query.EntityType {
			ranked = append(ranked, id)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if query.Limit > 0 && len(ranked) > query.Limit {
		ranked = ranked[:query.Limit]
		metrics.RecordCandidatesTruncated(string(query.EntityType))
	}

	seen := make(map[string]bool, len(ranked))
	for _, id := range ranked {
		seen[id] = true
	}
	var anchors []string
	if id, ok := s.byName[nameKey{query.EntityType, query.NormalizedName}]; ok && query.NormalizedName != "" {
		anchors = append(anchors, id)
	}
	for _, kind := range models.IdentifierKinds {
		if v := query.Identifiers.Get(kind); v != "" {
			if id, ok := s.byIdent[identKey{query.EntityType, kind, v}]; ok {
				anchors = append(anchors, id)
			}
		}
	}
	sort.Strings(anchors)
	for _, id := range anchors {
		if !seen[id] {
			seen[id] = true
			ranked = append(ranked, id)
		}
	}

	out := make([]models.Candidate, 0, len(ranked))
	for _, id := range ranked {
		c := s.candidate(id)
		c.SharedKeys = counts[id]
		out = append(out, c)
	}
	return out
}

func (s *Store) listActive(entityType models.EntityType, afterID string, limit int) []models.Candidate {
	ids := make([]string, 0)
	for id, e := range s.entities {
		if !e.IsActive() || id <= afterID {
			continue
		}
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]models.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.candidate(id))
	}
	return out
}

func (s *Store) listAliases(entityID string) []models.EntityAlias {
	rows := make([]*aliasRow, 0, len(s.aliasByOwner[entityID]))
	for _, aliasID := range s.aliasByOwner[entityID] {
		rows = append(rows, s.aliases[aliasID])
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]models.EntityAlias, len(rows))
	for i, r := range rows {
		out[i] = r.alias
	}
	return out
}

func (s *Store) findAlias(entityID, normalized string) (*models.EntityAlias, error) {
	aliasID, ok := s.aliasByOwner[entityID][normalized]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "alias %q not found on %s", normalized, entityID)
	}
	a := s.aliases[aliasID].alias
	return &a, nil
}

func (s *Store) findManualAlias(entityType models.EntityType, normalized string) (*models.EntityAlias, error) {
	var found *models.EntityAlias
	for _, row := range s.aliases {
		a := row.alias
		if !a.IsManualOverride || a.NormalizedAlias != normalized {
			continue
		}
		owner, ok := s.entities[a.CanonicalEntityID]
		if !ok || !owner.IsActive() || owner.EntityType != entityType {
			continue
		}
		if found == nil || a.CanonicalEntityID < found.CanonicalEntityID {
			found = &a
		}
	}
	if found == nil {
		return nil, apperror.New(apperror.KindNotFound, "no manual alias %q", normalized)
	}
	return found, nil
}

func (s *Store) getHistory(id string) (*models.MergeHistory, error) {
	h, ok := s.history[id]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "history event %s not found", id)
	}
	return &h, nil
}

func (s *Store) listHistory(entityID string) []models.MergeHistory {
	out := make([]models.MergeHistory, 0)
	for _, id := range s.historyOrder {
		h := s.history[id]
		if h.SourceEntityID == entityID || h.TargetEntityID == entityID {
			out = append(out, h)
		}
	}
	return out
}

func (s *Store) findRollbackOf(historyID string) (*models.MergeHistory, error) {
	for _, id := range s.historyOrder {
		if h := s.history[id]; h.RollbackOf == historyID {
			return &h, nil
		}
	}
	return nil, apperror.New(apperror.KindNotFound, "history event %s has not been rolled back", historyID)
}
