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

// Rollback undoes a merge or split by appending its inverse. The original row is never touched;
// the new row carries rollback_of. It fails with conflict when the row was already rolled back or
// the entities have moved on since.
func (m *Manager) Rollback(ctx context.Context, historyID string) (history *models.MergeHistory, err error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.Rollback")
	defer span.End()
	start := time.Now()

	original, err := m.store.GetHistory(ctx, historyID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if original.RollbackOf != "" {
		return nil, apperror.New(apperror.KindInvalidInput, "history %s is itself a rollback", historyID)
	}
	switch original.Action {
	case models.HistoryActionMerge, models.HistoryActionSplit:
	default:
		return nil, apperror.New(apperror.KindInvalidInput, "%s events cannot be rolled back", original.Action)
	}

	var evts []events.Event
	touched := []string{original.SourceEntityID, original.TargetEntityID}
	defer func() { m.finish(ctx, "rollback", start, err, touched, evts) }()

	err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		evts = nil
		if prior, err := tx.FindRollbackOf(ctx, original.ID); err == nil {
			return apperror.New(apperror.KindConflict, "history %s was already rolled back by %s", original.ID, prior.ID)
		} else if !apperror.IsKind(err, apperror.KindNotFound) {
			return err
		}

		var err error
		if original.Action == models.HistoryActionMerge {
			history, evts, err = m.undoMerge(ctx, tx, original)
		} else {
			history, evts, err = m.undoSplit(ctx, tx, original)
		}
		return err
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return history, nil
}

func (m *Manager) undoMerge(ctx context.Context, tx store.Tx, original *models.MergeHistory) (*models.MergeHistory, []events.Event, error) {
	sourceBefore, ok := original.PreviousState.Entity(original.SourceEntityID)
	if !ok {
		return nil, nil, apperror.New(apperror.KindInternal, "history %s has no snapshot of %s", original.ID, original.SourceEntityID)
	}
	targetBefore, ok := original.PreviousState.Entity(original.TargetEntityID)
	if !ok {
		return nil, nil, apperror.New(apperror.KindInternal, "history %s has no snapshot of %s", original.ID, original.TargetEntityID)
	}

	locked, err := tx.LockEntities(ctx, sourceBefore.ID, targetBefore.ID)
	if err != nil {
		return nil, nil, err
	}
	current := byID(locked)
	source, target := current[sourceBefore.ID], current[targetBefore.ID]
	if source.IsActive() || source.MergedIntoID != target.ID || !target.IsActive() {
		return nil, nil, apperror.New(apperror.KindConflict, "entities of history %s changed since the merge", original.ID)
	}

	discarded := make(map[string]struct{}, len(original.PreviousState.Discarded))
	for _, a := range original.PreviousState.Discarded {
		discarded[a.ID] = struct{}{}
	}

	actor := appctx.GetActor(ctx)
	var moving []models.EntityAlias
	for _, a := range original.PreviousState.Aliases {
		if _, ok := discarded[a.ID]; ok {
			continue
		}
		cur, err := tx.FindAlias(ctx, target.ID, a.NormalizedAlias)
		if err != nil || cur.ID != a.ID {
			return nil, nil, apperror.New(apperror.KindConflict, "alias %q has moved since history %s", a.NormalizedAlias, original.ID)
		}
		moving = append(moving, *cur)
	}

	reverted := target
	if revertEnrichment(&reverted, targetBefore, sourceBefore) {
		if err := tx.UpdateEntity(ctx, &reverted); err != nil {
			return nil, nil, err
		}
	}

	restored := sourceBefore
	restored.Status = models.EntityStatusActive
	restored.MergedIntoID = ""
	if err := tx.UpdateEntity(ctx, &restored); err != nil {
		return nil, nil, err
	}

	var evts []events.Event
	for _, a := range original.PreviousState.Aliases {
		back := a
		back.CanonicalEntityID = restored.ID
		if _, ok := discarded[a.ID]; ok {
			err = tx.InsertAlias(ctx, &back)
		} else {
			err = tx.UpdateAlias(ctx, &back)
		}
		if err != nil {
			return nil, nil, err
		}
		evts = append(evts, events.Event{
			Type: events.AliasAttached, EntityID: restored.ID, EntityType: restored.EntityType,
			Alias: &back, Confidence: back.MatchConfidence, PerformedBy: actor,
		})
	}

	for _, id := range []string{restored.ID, reverted.ID} {
		if err := m.locator.Reindex(ctx, tx, id); err != nil {
			return nil, nil, err
		}
	}

	history := &models.MergeHistory{
		Action:         models.HistoryActionSplit,
		SourceEntityID: target.ID,
		TargetEntityID: restored.ID,
		Reason:         "rollback of " + original.ID,
		PerformedBy:    actor,
		PreviousState: models.Snapshot{
			Entities: []models.CanonicalEntity{source, target},
			Aliases:  moving,
		},
		RollbackOf: original.ID,
	}
	if err := tx.AppendHistory(ctx, history); err != nil {
		return nil, nil, err
	}

	evts = append([]events.Event{
		{Type: events.HistoryRolledBack, EntityID: restored.ID, EntityType: restored.EntityType, RelatedEntityID: reverted.ID, Entity: &restored, HistoryID: original.ID, PerformedBy: actor},
		{Type: events.EntityUpdated, EntityID: reverted.ID, EntityType: reverted.EntityType, Entity: &reverted, HistoryID: history.ID, PerformedBy: actor},
	}, evts...)
	return history, evts, nil
}

func (m *Manager) undoSplit(ctx context.Context, tx store.Tx, original *models.MergeHistory) (*models.MergeHistory, []events.Event, error) {
	originID, splitID := original.SourceEntityID, original.TargetEntityID

	locked, err := tx.LockEntities(ctx, originID, splitID)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range locked {
		if !e.IsActive() {
			return nil, nil, apperror.New(apperror.KindConflict, "entity %s changed since history %s", e.ID, original.ID)
		}
	}
	for _, a := range original.PreviousState.Aliases {
		cur, err := tx.FindAlias(ctx, splitID, a.NormalizedAlias)
		if err != nil || cur.ID != a.ID {
			return nil, nil, apperror.New(apperror.KindConflict, "alias %q has moved since history %s", a.NormalizedAlias, original.ID)
		}
	}

	_, history, evts, err := m.mergeTx(ctx, tx, splitID, originID, "rollback of "+original.ID, original.ID)
	if err != nil {
		return nil, nil, err
	}

	evts = append([]events.Event{{
		Type: events.HistoryRolledBack, EntityID: originID, EntityType: locked[0].EntityType,
		RelatedEntityID: splitID, HistoryID: original.ID, PerformedBy: history.PerformedBy,
	}}, evts...)
	return history, evts, nil
}

// revertEnrichment clears the fields a merge filled on target from source. Fields changed since by
// anything else are kept.
func revertEnrichment(target *models.CanonicalEntity, before, source models.CanonicalEntity) bool {
	changed := false
	for _, kind := range models.IdentifierKinds {
		if before.Identifiers.Get(kind) == "" && target.Identifiers.Get(kind) != "" && target.Identifiers.Get(kind) == source.Identifiers.Get(kind) {
			target.Identifiers.Set(kind, "")
			changed = true
		}
	}

	fields := []struct {
		cur          *string
		before, from string
	}{
		{&target.Location.City, before.Location.City, source.Location.City},
		{&target.Location.State, before.Location.State, source.Location.State},
		{&target.Location.Country, before.Location.Country, source.Location.Country},
		{&target.Classification.Industry, before.Classification.Industry, source.Classification.Industry},
		{&target.Classification.Sector, before.Classification.Sector, source.Classification.Sector},
	}
	for _, f := range fields {
		if f.before == "" && *f.cur != "" && *f.cur == f.from {
			*f.cur = ""
			changed = true
		}
	}
	return changed
}
