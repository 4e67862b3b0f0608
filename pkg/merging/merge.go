package merging

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/apperror"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Merge folds source into target: source's aliases move to target, aliases target already has are
// discarded, blank target fields are filled from source and source is tombstoned.
func (m *Manager) Merge(ctx context.Context, sourceID, targetID, reason string) (result *models.MergeResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.Merge")
	defer span.End()
	start := time.Now()

	if sourceID == targetID {
		return nil, apperror.New(apperror.KindSelfMerge, "cannot merge %s into itself", sourceID)
	}

	var evts []events.Event
	defer func() { m.finish(ctx, "merge", start, err, []string{sourceID, targetID}, evts) }()

	err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, history, e, err := m.mergeTx(ctx, tx, sourceID, targetID, reason, "")
		if err != nil {
			return err
		}
		result, evts = res, e
		result.History = *history
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

// mergeTx performs a merge inside tx and appends its history row. rollbackOf is set when the merge
// undoes a split.
func (m *Manager) mergeTx(ctx context.Context, tx store.Tx, sourceID, targetID, reason, rollbackOf string) (*models.MergeResult, *models.MergeHistory, []events.Event, error) {
	locked, err := m.lockActive(ctx, tx, sourceID, targetID)
	if err != nil {
		return nil, nil, nil, err
	}
	entities := byID(locked)
	source, target := entities[sourceID], entities[targetID]
	if source.EntityType != target.EntityType {
		return nil, nil, nil, apperror.New(apperror.KindInvalidInput, "cannot merge %s %s into %s %s", source.EntityType, source.ID, target.EntityType, target.ID)
	}

	aliases, err := tx.ListAliases(ctx, source.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	snapshot := models.Snapshot{
		Entities: []models.CanonicalEntity{source, target},
		Aliases:  aliases,
	}

	actor := appctx.GetActor(ctx)
	result := &models.MergeResult{MergedEntityID: target.ID}
	var evts []events.Event
	for _, a := range aliases {
		if _, err := tx.FindAlias(ctx, target.ID, a.NormalizedAlias); err == nil {
			if err := tx.DeleteAlias(ctx, a.ID); err != nil {
				return nil, nil, nil, err
			}
			snapshot.Discarded = append(snapshot.Discarded, a)
			result.AliasesDiscarded++
			continue
		} else if !apperror.IsKind(err, apperror.KindNotFound) {
			return nil, nil, nil, err
		}

		moved := a
		moved.CanonicalEntityID = target.ID
		if err := tx.UpdateAlias(ctx, &moved); err != nil {
			return nil, nil, nil, err
		}
		result.AliasesTransferred++
	}

	tombstoned := source
	tombstoned.Status = models.EntityStatusTombstoned
	tombstoned.MergedIntoID = target.ID
	if err := tx.UpdateEntity(ctx, &tombstoned); err != nil {
		return nil, nil, nil, err
	}

	enriched := target
	if enriched.Enrich(source.Identifiers, source.Location, source.Classification, ownedElsewhere(ctx, tx, target)) {
		if err := tx.UpdateEntity(ctx, &enriched); err != nil {
			return nil, nil, nil, err
		}
	}

	for _, id := range []string{source.ID, target.ID} {
		if err := m.locator.Reindex(ctx, tx, id); err != nil {
			return nil, nil, nil, err
		}
	}

	history := &models.MergeHistory{
		Action:         models.HistoryActionMerge,
		SourceEntityID: source.ID,
		TargetEntityID: target.ID,
		Reason:         reason,
		PerformedBy:    actor,
		PreviousState:  snapshot,
		RollbackOf:     rollbackOf,
	}
	if err := tx.AppendHistory(ctx, history); err != nil {
		return nil, nil, nil, err
	}
	result.HistoryID = history.ID

	evts = append(evts,
		events.Event{Type: events.EntityMerged, EntityID: target.ID, EntityType: target.EntityType, RelatedEntityID: source.ID, Entity: &enriched, HistoryID: history.ID, PerformedBy: actor},
		events.Event{Type: events.EntityUpdated, EntityID: source.ID, EntityType: source.EntityType, Entity: &tombstoned, HistoryID: history.ID, PerformedBy: actor},
	)
	return result, history, evts, nil
}

// Split moves a strict subset of an entity's aliases onto a new entity named newName. Aliases are
// named by ID or by alias text.
func (m *Manager) Split(ctx context.Context, entityID string, aliasRefs []string, newName, reason string) (result *models.SplitResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.Split")
	defer span.End()
	start := time.Now()

	if len(aliasRefs) == 0 {
		return nil, apperror.New(apperror.KindInvalidSplit, "no aliases to split off")
	}

	var evts []events.Event
	touched := []string{entityID}
	defer func() { m.finish(ctx, "split", start, err, touched, evts) }()

	err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		evts = nil
		locked, err := m.lockActive(ctx, tx, entityID)
		if err != nil {
			return err
		}
		origin := locked[0]

		key, err := m.normalizer.Normalize(newName, origin.EntityType)
		if err != nil {
			return err
		}
		if key == origin.NormalizedName {
			return apperror.New(apperror.KindInvalidSplit, "new name %q normalizes to the name of %s", newName, origin.ID)
		}

		aliases, err := tx.ListAliases(ctx, origin.ID)
		if err != nil {
			return err
		}
		selected, err := m.selectAliases(origin, aliases, aliasRefs)
		if err != nil {
			return err
		}

		actor := appctx.GetActor(ctx)
		created := models.CanonicalEntity{
			EntityType:     origin.EntityType,
			CanonicalName:  newName,
			NormalizedName: key,
			Location:       origin.Location,
			Classification: origin.Classification,
			Status:         models.EntityStatusActive,
		}
		if err := tx.CreateEntity(ctx, &created); err != nil {
			return err
		}
		touched = []string{origin.ID, created.ID}

		for _, a := range selected {
			moved := a
			moved.CanonicalEntityID = created.ID
			if err := tx.UpdateAlias(ctx, &moved); err != nil {
				return err
			}
		}
		for _, id := range []string{origin.ID, created.ID} {
			if err := m.locator.Reindex(ctx, tx, id); err != nil {
				return err
			}
		}

		history := models.MergeHistory{
			Action:         models.HistoryActionSplit,
			SourceEntityID: origin.ID,
			TargetEntityID: created.ID,
			Reason:         reason,
			PerformedBy:    actor,
			PreviousState: models.Snapshot{
				Entities: []models.CanonicalEntity{origin},
				Aliases:  selected,
			},
		}
		if err := tx.AppendHistory(ctx, &history); err != nil {
			return err
		}

		snapshot := created
		evts = []events.Event{{
			Type: events.EntitySplit, EntityID: created.ID, EntityType: created.EntityType,
			RelatedEntityID: origin.ID, Entity: &snapshot, HistoryID: history.ID, PerformedBy: actor,
		}}
		for _, a := range selected {
			moved := a
			moved.CanonicalEntityID = created.ID
			evts = append(evts, events.Event{
				Type: events.AliasAttached, EntityID: created.ID, EntityType: created.EntityType,
				Alias: &moved, Confidence: moved.MatchConfidence, PerformedBy: actor,
			})
		}

		result = &models.SplitResult{NewEntityID: created.ID, HistoryID: history.ID, History: history}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

// selectAliases resolves refs against the entity's aliases. The selection must be a non-empty strict
// subset.
func (m *Manager) selectAliases(origin models.CanonicalEntity, aliases []models.EntityAlias, refs []string) ([]models.EntityAlias, error) {
	byRef := make(map[string]int, len(aliases)*2)
	for i, a := range aliases {
		byRef[a.ID] = i
		byRef["key:"+a.NormalizedAlias] = i
	}

	chosen := make(map[int]struct{}, len(refs))
	for _, ref := range refs {
		i, ok := byRef[ref]
		if !ok {
			key, err := m.normalizer.Normalize(ref, origin.EntityType)
			if err != nil {
				return nil, apperror.Wrap(apperror.KindInvalidSplit, err, "alias %q", ref)
			}
			if i, ok = byRef["key:"+key]; !ok {
				return nil, apperror.New(apperror.KindInvalidSplit, "%q is not an alias of %s", ref, origin.ID)
			}
		}
		chosen[i] = struct{}{}
	}
	if len(chosen) == len(aliases) {
		return nil, apperror.New(apperror.KindInvalidSplit, "splitting every alias of %s is a rename", origin.ID)
	}

	selected := make([]models.EntityAlias, 0, len(chosen))
	for i, a := range aliases {
		if _, ok := chosen[i]; ok {
			selected = append(selected, a)
		}
	}
	return selected, nil
}

// ownedElsewhere vetoes enriching target with an identifier another active entity holds.
func ownedElsewhere(ctx context.Context, tx store.Reader, target models.CanonicalEntity) func(models.IdentifierKind, string) bool {
	return func(kind models.IdentifierKind, value string) bool {
		holder, err := tx.GetActiveByIdentifier(ctx, target.EntityType, kind, value)
		if err != nil {
			return !apperror.IsKind(err, apperror.KindNotFound)
		}
		return holder.ID != target.ID
	}
}
