// Package merging owns every administrative mutation of canonical entities: merge, split,
// rollback, manual aliases and direct creation. Each operation runs in one transaction, writes
// one history row and invalidates the resolution cache for the entities it touched.
package merging

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/cache"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// MaxRedirectDepth bounds how many merged_into hops GetAliases follows.
const MaxRedirectDepth = 16

type Manager struct {
	logger     ectologger.Logger
	store      store.Store
	normalizer *normalizers.EntityNormalizer
	locator    *locator.Locator
	cache      cache.Cache
	publisher  *events.Publisher
}

func NewManager(
	logger ectologger.Logger,
	st store.Store,
	normalizer *normalizers.EntityNormalizer,
	loc *locator.Locator,
	c cache.Cache,
	publisher *events.Publisher,
) *Manager {
	if c == nil {
		c = cache.Noop{}
	}
	if publisher == nil {
		publisher = events.NewPublisher(nil, logger)
	}
	return &Manager{
		logger:     logger,
		store:      st,
		normalizer: normalizer,
		locator:    loc,
		cache:      c,
		publisher:  publisher,
	}
}

// finish records the outcome of a mutation and, when it committed, drops cached resolutions for
// the touched entities and publishes its events.
func (m *Manager) finish(ctx context.Context, action string, start time.Time, err error, touched []string, evts []events.Event) {
	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"action":      action,
		"entities":    touched,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		metrics.RecordMutation(action, string(apperror.KindOf(err)))
		log.WithError(err).Warn("Mutation failed")
		return
	}

	metrics.RecordMutation(action, "ok")
	m.cache.Invalidate(ctx, touched...)
	m.publisher.Publish(ctx, evts...)
	log.Info("Mutation committed")
}

// CreateEntity registers an entity directly, bypassing matching. The name becomes its first alias.
func (m *Manager) CreateEntity(ctx context.Context, mention models.Mention) (entity *models.CanonicalEntity, err error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.CreateEntity")
	defer span.End()
	start := time.Now()

	nm, err := m.normalizer.NormalizeMention(mention)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if nm.SourceType == "" {
		nm.SourceType = models.SourceTypeManual
	}

	actor := appctx.GetActor(ctx)
	var evts []events.Event
	created := models.CanonicalEntity{}
	defer func() { m.finish(ctx, "create", start, err, []string{created.ID}, evts) }()

	err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created = models.CanonicalEntity{
			EntityType:     nm.EntityType,
			CanonicalName:  nm.Name,
			NormalizedName: nm.Key,
			Identifiers:    nm.Identifiers,
			Location:       nm.Location,
			Classification: nm.Classification,
			Status:         models.EntityStatusActive,
		}
		if err := tx.CreateEntity(ctx, &created); err != nil {
			return err
		}
		alias := models.EntityAlias{
			CanonicalEntityID: created.ID,
			AliasName:         nm.Name,
			NormalizedAlias:   nm.Key,
			SourceType:        nm.SourceType,
			SourceRecordID:    nm.SourceRecordID,
			MatchConfidence:   1.0,
			Status:            models.AliasStatusConfirmed,
		}
		if err := tx.InsertAlias(ctx, &alias); err != nil {
			return err
		}
		history := models.MergeHistory{
			Action:         models.HistoryActionCreate,
			TargetEntityID: created.ID,
			Reason:         "created by " + actor,
			PerformedBy:    actor,
		}
		if err := tx.AppendHistory(ctx, &history); err != nil {
			return err
		}
		if err := m.locator.Reindex(ctx, tx, created.ID); err != nil {
			return err
		}

		snapshot := created
		evts = []events.Event{
			{Type: events.EntityCreated, EntityID: created.ID, EntityType: created.EntityType, Entity: &snapshot, HistoryID: history.ID, PerformedBy: actor},
			{Type: events.AliasAttached, EntityID: created.ID, EntityType: created.EntityType, Alias: &alias, Confidence: 1.0, Method: models.MethodCreated, PerformedBy: actor},
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return &created, nil
}

// AddManualAlias pins an alias to an entity. Manual aliases win over matching for their key.
// An alias the entity already carries is promoted instead of duplicated.
func (m *Manager) AddManualAlias(ctx context.Context, entityID, aliasName, source string) (alias *models.EntityAlias, err error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.AddManualAlias")
	defer span.End()
	start := time.Now()

	entity, err := m.activeEntity(ctx, m.store, entityID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	key, err := m.normalizer.Normalize(aliasName, entity.EntityType)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if source == "" {
		source = models.SourceTypeManual
	}

	actor := appctx.GetActor(ctx)
	var evts []events.Event
	var result models.EntityAlias
	defer func() {
		if err == nil {
			m.cache.Delete(ctx, fingerprint.Key(entity.EntityType, key, models.Identifiers{}))
		}
		m.finish(ctx, "manual_alias", start, err, []string{entityID}, evts)
	}()

	err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		evts = nil
		locked, err := m.lockActive(ctx, tx, entityID)
		if err != nil {
			return err
		}
		target := locked[0]

		if other, err := tx.FindManualAlias(ctx, target.EntityType, key); err == nil && other.CanonicalEntityID != target.ID {
			return apperror.New(apperror.KindConflict, "%q is already pinned to %s", key, other.CanonicalEntityID)
		} else if err != nil && !apperror.IsKind(err, apperror.KindNotFound) {
			return err
		}

		snapshot := models.Snapshot{Entities: []models.CanonicalEntity{target}}
		existing, err := tx.FindAlias(ctx, target.ID, key)
		switch {
		case err == nil:
			snapshot.Aliases = []models.EntityAlias{*existing}
			result = *existing
			result.IsManualOverride = true
			result.Status = models.AliasStatusConfirmed
			result.MatchConfidence = 1.0
			result.SourceType = source
			if err := tx.UpdateAlias(ctx, &result); err != nil {
				return err
			}
		case apperror.IsKind(err, apperror.KindNotFound):
			result = models.EntityAlias{
				CanonicalEntityID: target.ID,
				AliasName:         aliasName,
				NormalizedAlias:   key,
				SourceType:        source,
				MatchConfidence:   1.0,
				IsManualOverride:  true,
				Status:            models.AliasStatusConfirmed,
			}
			if err := tx.InsertAlias(ctx, &result); err != nil {
				return err
			}
		default:
			return err
		}

		history := models.MergeHistory{
			Action:         models.HistoryActionUpdate,
			TargetEntityID: target.ID,
			Reason:         "manual alias " + key,
			PerformedBy:    actor,
			PreviousState:  snapshot,
		}
		if err := tx.AppendHistory(ctx, &history); err != nil {
			return err
		}
		if err := m.locator.Reindex(ctx, tx, target.ID); err != nil {
			return err
		}

		added := result
		evts = []events.Event{{
			Type: events.AliasAdded, EntityID: target.ID, EntityType: target.EntityType,
			Alias: &added, HistoryID: history.ID, Confidence: 1.0, Method: models.MethodManual, PerformedBy: actor,
		}}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return &result, nil
}

// GetAliases lists the aliases of an entity. A tombstoned ID is followed to the entity it was
// merged into.
func (m *Manager) GetAliases(ctx context.Context, entityID string) (*models.EntityAliases, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.GetAliases")
	defer span.End()

	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	for depth := 0; !entity.IsActive(); depth++ {
		if entity.MergedIntoID == "" || depth >= MaxRedirectDepth {
			return nil, apperror.New(apperror.KindNotFound, "entity %s is tombstoned", entityID)
		}
		if entity, err = m.store.GetEntity(ctx, entity.MergedIntoID); err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	aliases, err := m.store.ListAliases(ctx, entity.ID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	out := &models.EntityAliases{
		CanonicalID:   entity.ID,
		CanonicalName: entity.CanonicalName,
		EntityType:    entity.EntityType,
		Aliases:       make([]models.AliasView, 0, len(aliases)),
	}
	if entity.ID != entityID {
		out.RedirectedFrom = entityID
	}
	for _, a := range aliases {
		out.Aliases = append(out.Aliases, models.AliasView{
			ID:               a.ID,
			Alias:            a.AliasName,
			NormalizedAlias:  a.NormalizedAlias,
			Source:           a.SourceType,
			SourceRecordID:   a.SourceRecordID,
			Confidence:       a.MatchConfidence,
			IsManualOverride: a.IsManualOverride,
			Status:           a.Status,
		})
	}
	return out, nil
}

// GetHistory returns the audit trail of an entity, oldest first.
func (m *Manager) GetHistory(ctx context.Context, entityID string) ([]models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.GetHistory")
	defer span.End()

	if _, err := m.store.GetEntity(ctx, entityID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	history, err := m.store.ListHistory(ctx, entityID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if history == nil {
		history = []models.MergeHistory{}
	}
	return history, nil
}

func (m *Manager) GetHistoryEvent(ctx context.Context, historyID string) (*models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.GetHistoryEvent")
	defer span.End()

	h, err := m.store.GetHistory(ctx, historyID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return h, nil
}

func (m *Manager) activeEntity(ctx context.Context, r store.Reader, id string) (*models.CanonicalEntity, error) {
	entity, err := r.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entity.IsActive() {
		return nil, apperror.New(apperror.KindNotFound, "entity %s is tombstoned", id)
	}
	return entity, nil
}

// lockActive locks the entities in ID order and requires every one of them to be active.
func (m *Manager) lockActive(ctx context.Context, tx store.Tx, ids ...string) ([]models.CanonicalEntity, error) {
	locked, err := tx.LockEntities(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for _, e := range locked {
		if !e.IsActive() {
			return nil, apperror.New(apperror.KindNotFound, "entity %s is tombstoned", e.ID)
		}
	}
	return locked, nil
}

func byID(entities []models.CanonicalEntity) map[string]models.CanonicalEntity {
	out := make(map[string]models.CanonicalEntity, len(entities))
	for _, e := range entities {
		out[e.ID] = e
	}
	return out
}
