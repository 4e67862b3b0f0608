package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
)

type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) GetEntity(ctx context.Context, id string) (*models.CanonicalEntity, error) {
	return t.s.getEntity(id)
}

func (t *memTx) GetActiveByNormalizedName(ctx context.Context, entityType models.EntityType, name string) (*models.CanonicalEntity, error) {
	return t.s.getByName(entityType, name)
}

func (t *memTx) GetActiveByIdentifier(ctx context.Context, entityType models.EntityType, kind models.IdentifierKind, value string) (*models.CanonicalEntity, error) {
	return t.s.getByIdent(entityType, kind, value)
}

func (t *memTx) FindCandidates(ctx context.Context, query models.CandidateQuery) ([]models.Candidate, error) {
	return t.s.findCandidates(query), nil
}

func (t *memTx) ListActive(ctx context.Context, entityType models.EntityType, afterID string, limit int) ([]models.Candidate, error) {
	return t.s.listActive(entityType, afterID, limit), nil
}

func (t *memTx) ListAliases(ctx context.Context, entityID string) ([]models.EntityAlias, error) {
	return t.s.listAliases(entityID), nil
}

func (t *memTx) FindAlias(ctx context.Context, entityID, normalized string) (*models.EntityAlias, error) {
	return t.s.findAlias(entityID, normalized)
}

func (t *memTx) FindManualAlias(ctx context.Context, entityType models.EntityType, normalized string) (*models.EntityAlias, error) {
	return t.s.findManualAlias(entityType, normalized)
}

func (t *memTx) GetHistory(ctx context.Context, id string) (*models.MergeHistory, error) {
	return t.s.getHistory(id)
}

func (t *memTx) ListHistory(ctx context.Context, entityID string) ([]models.MergeHistory, error) {
	return t.s.listHistory(entityID), nil
}

func (t *memTx) FindRollbackOf(ctx context.Context, historyID string) (*models.MergeHistory, error) {
	return t.s.findRollbackOf(historyID)
}

func (t *memTx) LockEntities(ctx context.Context, ids ...string) ([]models.CanonicalEntity, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make([]models.CanonicalEntity, 0, len(sorted))
	for _, id := range sorted {
		e, err := t.s.getEntity(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// uniqueness checks the active-entity indexes for rows held by anyone other than e.
func (t *memTx) uniqueness(e models.CanonicalEntity) error {
	if !e.IsActive() {
		return nil
	}
	if owner, ok := t.s.byName[nameKey{e.EntityType, e.NormalizedName}]; ok && owner != e.ID {
		return apperror.New(apperror.KindConflict, "active %s named %q already exists", e.EntityType, e.NormalizedName)
	}
	for _, kind := range models.IdentifierKinds {
		v := e.Identifiers.Get(kind)
		if v == "" {
			continue
		}
		if owner, ok := t.s.byIdent[identKey{e.EntityType, kind, v}]; ok && owner != e.ID {
			return apperror.New(apperror.KindConflict, "%s %q is held by another active %s", kind, v, e.EntityType)
		}
	}
	return nil
}

func (t *memTx) index(e models.CanonicalEntity) {
	if !e.IsActive() {
		return
	}
	t.s.byName[nameKey{e.EntityType, e.NormalizedName}] = e.ID
	for _, kind := range models.IdentifierKinds {
		if v := e.Identifiers.Get(kind); v != "" {
			t.s.byIdent[identKey{e.EntityType, kind, v}] = e.ID
		}
	}
}

func (t *memTx) unindex(e models.CanonicalEntity) {
	if !e.IsActive() {
		return
	}
	delete(t.s.byName, nameKey{e.EntityType, e.NormalizedName})
	for _, kind := range models.IdentifierKinds {
		if v := e.Identifiers.Get(kind); v != "" {
			delete(t.s.byIdent, identKey{e.EntityType, kind, v})
		}
	}
}

func (t *memTx) CreateEntity(ctx context.Context, entity *models.CanonicalEntity) error {
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if _, exists := t.s.entities[entity.ID]; exists {
		return apperror.New(apperror.KindConflict, "entity %s already exists", entity.ID)
	}
	if entity.Status == "" {
		entity.Status = models.EntityStatusActive
	}
	if err := t.uniqueness(*entity); err != nil {
		return err
	}

	now := t.s.now()
	entity.Version = 1
	entity.CreatedAt, entity.UpdatedAt = now, now

	e := *entity
	t.s.entities[e.ID] = e
	t.index(e)
	t.onRollback(func() {
		t.unindex(e)
		delete(t.s.entities, e.ID)
	})
	return nil
}

func (t *memTx) UpdateEntity(ctx context.Context, entity *models.CanonicalEntity) error {
	old, ok := t.s.entities[entity.ID]
	if !ok {
		return apperror.New(apperror.KindNotFound, "entity %s not found", entity.ID)
	}

	t.unindex(old)
	if err := t.uniqueness(*entity); err != nil {
		t.index(old)
		return err
	}

	entity.Version = old.Version + 1
	entity.CreatedAt = old.CreatedAt
	entity.UpdatedAt = t.s.now()

	e := *entity
	t.s.entities[e.ID] = e
	t.index(e)
	t.onRollback(func() {
		t.unindex(e)
		t.s.entities[old.ID] = old
		t.index(old)
	})
	return nil
}

func (t *memTx) putAlias(row *aliasRow) {
	a := row.alias
	t.s.aliases[a.ID] = row
	owned, ok := t.s.aliasByOwner[a.CanonicalEntityID]
	if !ok {
		owned = make(map[string]string)
		t.s.aliasByOwner[a.CanonicalEntityID] = owned
	}
	owned[a.NormalizedAlias] = a.ID
}

func (t *memTx) dropAlias(a models.EntityAlias) {
	delete(t.s.aliases, a.ID)
	if owned, ok := t.s.aliasByOwner[a.CanonicalEntityID]; ok {
		delete(owned, a.NormalizedAlias)
		if len(owned) == 0 {
			delete(t.s.aliasByOwner, a.CanonicalEntityID)
		}
	}
}

func (t *memTx) InsertAlias(ctx context.Context, alias *models.EntityAlias) error {
	if alias.ID == "" {
		alias.ID = uuid.NewString()
	}
	if _, exists := t.s.aliasByOwner[alias.CanonicalEntityID][alias.NormalizedAlias]; exists {
		return apperror.New(apperror.KindConflict, "alias %q already exists on %s", alias.NormalizedAlias, alias.CanonicalEntityID)
	}
	if alias.Status == "" {
		alias.Status = models.AliasStatusConfirmed
	}
	now := t.s.now()
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = now
	}
	alias.UpdatedAt = now

	t.s.aliasSeq++
	row := &aliasRow{alias: *alias, seq: t.s.aliasSeq}
	t.putAlias(row)
	t.onRollback(func() { t.dropAlias(row.alias) })
	return nil
}

func (t *memTx) UpdateAlias(ctx context.Context, alias *models.EntityAlias) error {
	row, ok := t.s.aliases[alias.ID]
	if !ok {
		return apperror.New(apperror.KindNotFound, "alias %s not found", alias.ID)
	}
	old := *row

	if holder, exists := t.s.aliasByOwner[alias.CanonicalEntityID][alias.NormalizedAlias]; exists && holder != alias.ID {
		return apperror.New(apperror.KindConflict, "alias %q already exists on %s", alias.NormalizedAlias, alias.CanonicalEntityID)
	}

	alias.CreatedAt = old.alias.CreatedAt
	alias.UpdatedAt = t.s.now()

	t.dropAlias(old.alias)
	updated := &aliasRow{alias: *alias, seq: old.seq}
	t.putAlias(updated)
	t.onRollback(func() {
		t.dropAlias(updated.alias)
		t.putAlias(&old)
	})
	return nil
}

func (t *memTx) DeleteAlias(ctx context.Context, id string) error {
	row, ok := t.s.aliases[id]
	if !ok {
		return apperror.New(apperror.KindNotFound, "alias %s not found", id)
	}
	old := *row
	t.dropAlias(old.alias)
	t.onRollback(func() { t.putAlias(&old) })
	return nil
}

func (t *memTx) ReplaceBlockingKeys(ctx context.Context, entityID string, entityType models.EntityType, keys []string) error {
	oldKeys := t.s.entityKeys[entityID]
	oldType := entityType
	if e, ok := t.s.entities[entityID]; ok {
		oldType = e.EntityType
	}

	t.setKeys(entityID, oldType, oldKeys, entityType, keys)
	t.onRollback(func() { t.setKeys(entityID, entityType, keys, oldType, oldKeys) })
	return nil
}

func (t *memTx) setKeys(entityID string, fromType models.EntityType, from []string, toType models.EntityType, to []string) {
	for _, key := range from {
		if ids := t.s.blocking[fromType][key]; ids != nil {
			delete(ids, entityID)
			if len(ids) == 0 {
				delete(t.s.blocking[fromType], key)
			}
		}
	}

	if len(to) == 0 {
		delete(t.s.entityKeys, entityID)
		return
	}
	index, ok := t.s.blocking[toType]
	if !ok {
		index = make(map[string]map[string]struct{})
		t.s.blocking[toType] = index
	}
	for _, key := range to {
		ids, ok := index[key]
		if !ok {
			ids = make(map[string]struct{})
			index[key] = ids
		}
		ids[entityID] = struct{}{}
	}
	t.s.entityKeys[entityID] = append([]string(nil), to...)
}

func (t *memTx) AppendHistory(ctx context.Context, history *models.MergeHistory) error {
	if history.ID == "" {
		history.ID = uuid.NewString()
	}
	if _, exists := t.s.history[history.ID]; exists {
		return apperror.New(apperror.KindConflict, "history event %s already exists", history.ID)
	}
	if history.PerformedAt.IsZero() {
		history.PerformedAt = t.s.now()
	}

	h := *history
	t.s.history[h.ID] = h
	t.s.historyOrder = append(t.s.historyOrder, h.ID)
	t.onRollback(func() {
		delete(t.s.history, h.ID)
		t.s.historyOrder = t.s.historyOrder[:len(t.s.historyOrder)-1]
	})
	return nil
}
