// Package resolver turns a raw mention into a canonical entity ID.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/cache"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type state string

const (
	stateReceived          state = "received"
	stateNormalized        state = "normalized"
	stateCandidatesFetched state = "candidates_fetched"
	stateScored            state = "scored"
	stateAutoAttached      state = "auto_attached"
	stateQueuedForReview   state = "queued_for_review"
	stateCreated           state = "created"
	stateReturned          state = "returned"
)

type Resolver struct {
	logger     ectologger.Logger
	store      store.Store
	normalizer *normalizers.EntityNormalizer
	matcher    *matching.Matcher
	locator    *locator.Locator
	cache      cache.Cache
	publisher  *events.Publisher
	config     Config
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(
	logger ectologger.Logger,
	st store.Store,
	normalizer *normalizers.EntityNormalizer,
	matcher *matching.Matcher,
	loc *locator.Locator,
	c cache.Cache,
	publisher *events.Publisher,
	config Config,
) *Resolver {
	if c == nil {
		c = cache.Noop{}
	}
	if publisher == nil {
		publisher = events.NewPublisher(nil, logger)
	}
	return &Resolver{
		logger:     logger,
		store:      st,
		normalizer: normalizer,
		matcher:    matcher,
		locator:    loc,
		cache:      c,
		publisher:  publisher,
		config:     config,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// outcome is a committed decision plus the events to publish for it.
type outcome struct {
	resolution models.Resolution
	events     []events.Event
}

// Resolve returns the canonical entity for a mention, creating one when nothing matches.
// Invalid mentions fail with invalid_input; storage failures that outlast the retry bounds
// fail with resolution_failed.
func (r *Resolver) Resolve(ctx context.Context, mention models.Mention) (*models.Resolution, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Resolve")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": mention.EntityType,
		"source_type": mention.SourceType,
	})
	r.step(log, stateReceived)

	nm, err := r.normalizer.NormalizeMention(mention)
	if err != nil {
		metrics.RecordResolutionError(string(apperror.KindOf(err)))
		tracing.RecordError(span, err)
		return nil, err
	}
	if nm.SourceType == "" {
		nm.SourceType = appctx.GetSource(ctx)
	}
	log = log.WithField("normalized_name", nm.Key)
	r.step(log, stateNormalized)

	out, err := r.resolveWithRetry(ctx, log, nm)
	if err != nil {
		metrics.RecordResolutionError(string(apperror.KindOf(err)))
		tracing.RecordError(span, err)
		log.WithError(err).Warn("Resolution failed")
		return nil, err
	}

	r.publisher.Publish(ctx, out.events...)

	res := out.resolution
	span.SetAttributes(
		attribute.String("resolver.decision", string(res.Decision)),
		attribute.String("resolver.method", string(res.Method)),
		attribute.Float64("resolver.confidence", res.Confidence),
	)
	metrics.RecordResolution(string(nm.EntityType), string(res.Decision), string(res.Method), time.Since(start).Seconds())
	r.step(log.WithFields(map[string]any{
		"canonical_id": res.CanonicalID,
		"decision":     res.Decision,
		"method":       res.Method,
		"confidence":   res.Confidence,
		"from_cache":   res.FromCache,
	}), stateReturned)

	return &res, nil
}

func (r *Resolver) step(log ectologger.Logger, s state) {
	log.WithField("state", s).Debug("Resolution state")
}

func (r *Resolver) resolveWithRetry(ctx context.Context, log ectologger.Logger, nm models.NormalizedMention) (outcome, error) {
	conflicts, transients := 0, 0
	for {
		out, err := r.attempt(ctx, log, nm)
		if err == nil {
			return out, nil
		}

		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return outcome{}, apperror.Wrap(apperror.KindResolutionFailed, err, "resolution interrupted")
		case apperror.IsKind(err, apperror.KindConflict):
			conflicts++
			if conflicts > r.config.MaxConflictRetries {
				return outcome{}, apperror.Wrap(apperror.KindResolutionFailed, err, "gave up after %d conflicts", conflicts)
			}
			metrics.RecordRetry("conflict")
			log.WithError(err).Debugf("Conflict, re-resolving (attempt %d)", conflicts)
		case apperror.IsKind(err, apperror.KindTransient):
			transients++
			if transients > r.config.MaxTransientRetries {
				return outcome{}, apperror.Wrap(apperror.KindResolutionFailed, err, "storage unavailable after %d retries", r.config.MaxTransientRetries)
			}
			metrics.RecordRetry("transient")
			wait := r.config.backoff(transients)
			log.WithError(err).Warnf("Transient storage error, retrying in %s", wait)
			if err := r.sleep(ctx, wait); err != nil {
				return outcome{}, apperror.Wrap(apperror.KindResolutionFailed, err, "resolution interrupted")
			}
		default:
			return outcome{}, err
		}
	}
}

func (r *Resolver) attempt(ctx context.Context, log ectologger.Logger, nm models.NormalizedMention) (outcome, error) {
	if out, ok, err := r.fromManualAlias(ctx, nm); err != nil || ok {
		return out, err
	}

	key := fingerprint.Mention(nm)
	if out, ok, err := r.fromCache(ctx, key, nm); err != nil || ok {
		return out, err
	}

	candidates, err := r.locator.Candidates(ctx, nm)
	if err != nil {
		return outcome{}, err
	}
	metrics.RecordCandidates(len(candidates))
	r.step(log.WithField("candidates", len(candidates)), stateCandidatesFetched)

	matches := r.matcher.Score(nm, candidates)
	r.step(log.WithField("matches", len(matches)), stateScored)

	var out outcome
	switch {
	case len(matches) > 0 && matches[0].Confidence >= r.config.AutoAttachThreshold:
		out, err = r.attach(ctx, nm, matches)
		if err == nil {
			r.step(log, stateAutoAttached)
		}
	case len(matches) > 0 && matches[0].Confidence >= r.config.ReviewThreshold:
		out, err = r.queue(ctx, nm, matches)
		if err == nil {
			r.step(log, stateQueuedForReview)
		}
	default:
		out, err = r.create(ctx, nm, matches)
		if err == nil {
			r.step(log, stateCreated)
		}
	}
	if err != nil {
		return outcome{}, err
	}

	if out.resolution.Decision != models.DecisionQueuedForReview {
		r.cache.Set(ctx, key, out.resolution.CanonicalID)
	}
	return out, nil
}

// fromManualAlias resolves keys an operator pinned with add_manual_alias.
func (r *Resolver) fromManualAlias(ctx context.Context, nm models.NormalizedMention) (outcome, bool, error) {
	alias, err := r.store.FindManualAlias(ctx, nm.EntityType, nm.Key)
	if err != nil {
		if apperror.IsKind(err, apperror.KindNotFound) {
			return outcome{}, false, nil
		}
		return outcome{}, false, err
	}

	return outcome{resolution: models.Resolution{
		CanonicalID:    alias.CanonicalEntityID,
		Confidence:     1.0,
		Method:         models.MethodManual,
		Decision:       models.DecisionAutoAttached,
		Alternatives:   []models.Match{},
		AliasID:        alias.ID,
		NormalizedName: nm.Key,
	}}, true, nil
}

// fromCache trusts a cached ID only while the entity is active, still owns the key and
// still scores at auto-attach level.
func (r *Resolver) fromCache(ctx context.Context, key string, nm models.NormalizedMention) (outcome, bool, error) {
	id, ok := r.cache.Get(ctx, key)
	if !ok {
		metrics.RecordCacheLookup("miss")
		return outcome{}, false, nil
	}

	stale := func() (outcome, bool, error) {
		metrics.RecordCacheLookup("stale")
		r.cache.Delete(ctx, key)
		return outcome{}, false, nil
	}

	entity, err := r.store.GetEntity(ctx, id)
	if err != nil {
		if apperror.IsKind(err, apperror.KindNotFound) {
			return stale()
		}
		return outcome{}, false, err
	}
	if !entity.IsActive() {
		return stale()
	}

	alias, err := r.store.FindAlias(ctx, entity.ID, nm.Key)
	if err != nil {
		if apperror.IsKind(err, apperror.KindNotFound) {
			return stale()
		}
		return outcome{}, false, err
	}
	aliases, err := r.store.ListAliases(ctx, entity.ID)
	if err != nil {
		return outcome{}, false, err
	}

	candidate := models.Candidate{Entity: *entity, Keys: []string{entity.NormalizedName}}
	for _, a := range aliases {
		candidate.Keys = append(candidate.Keys, a.NormalizedAlias)
	}
	match, ok := r.matcher.ComparePair(nm.AsCandidate(), candidate)
	if !ok || match.Confidence < r.config.AutoAttachThreshold || alias.Status != models.AliasStatusConfirmed {
		metrics.RecordCacheLookup("rescored")
		return outcome{}, false, nil
	}

	metrics.RecordCacheLookup("hit")
	return outcome{resolution: models.Resolution{
		CanonicalID:    entity.ID,
		Confidence:     match.Confidence,
		Method:         match.Method,
		Decision:       models.DecisionAutoAttached,
		Alternatives:   []models.Match{},
		AliasID:        alias.ID,
		NormalizedName: nm.Key,
		FromCache:      true,
	}}, true, nil
}

func (r *Resolver) attach(ctx context.Context, nm models.NormalizedMention, matches []models.Match) (outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.attach")
	defer span.End()

	best := matches[0]
	ids := []string{best.CandidateID}
	var tied []models.Match
	for _, m := range matches[1:] {
		if m.Method == models.MethodExactID && best.Method == models.MethodExactID && m.Confidence == best.Confidence {
			tied = append(tied, m)
			ids = append(ids, m.CandidateID)
		}
	}

	actor := appctx.GetActor(ctx)
	var out outcome
	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = outcome{}

		locked, err := lockActive(ctx, tx, ids...)
		if err != nil {
			return err
		}
		target := locked[best.CandidateID]

		alias, changed, err := upsertAlias(ctx, tx, target.ID, nm, best.Confidence, models.AliasStatusConfirmed)
		if err != nil {
			return err
		}
		reindex := changed
		if changed {
			out.events = append(out.events, events.Event{
				Type: events.AliasAttached, EntityID: target.ID, EntityType: target.EntityType,
				Alias: &alias, Confidence: best.Confidence, Method: best.Method, PerformedBy: actor,
			})
		}

		before := target
		skip := ownedElsewhere(ctx, tx, target.ID, target.EntityType)
		if target.Enrich(nm.Identifiers, nm.Location, nm.Classification, skip) {
			if err := tx.UpdateEntity(ctx, &target); err != nil {
				return err
			}
			history := models.MergeHistory{
				Action:         models.HistoryActionUpdate,
				TargetEntityID: target.ID,
				Reason:         "enriched from mention",
				PerformedBy:    actor,
				PreviousState:  models.Snapshot{Entities: []models.CanonicalEntity{before}},
			}
			if err := tx.AppendHistory(ctx, &history); err != nil {
				return err
			}
			updated := target
			out.events = append(out.events, events.Event{
				Type: events.EntityUpdated, EntityID: target.ID, EntityType: target.EntityType,
				Entity: &updated, HistoryID: history.ID, PerformedBy: actor,
			})
			reindex = true
		}
		if reindex {
			if err := r.locator.Reindex(ctx, tx, target.ID); err != nil {
				return err
			}
		}

		for _, tie := range tied {
			pending, changed, err := upsertAlias(ctx, tx, tie.CandidateID, nm, tie.Confidence, models.AliasStatusPending)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := r.locator.Reindex(ctx, tx, tie.CandidateID); err != nil {
				return err
			}
			out.events = append(out.events, events.Event{
				Type: events.AliasQueued, EntityID: tie.CandidateID, EntityType: nm.EntityType,
				Alias: &pending, Confidence: tie.Confidence, Method: tie.Method, PerformedBy: actor,
			})
		}

		out.resolution = models.Resolution{
			CanonicalID:    target.ID,
			Confidence:     best.Confidence,
			Method:         best.Method,
			Decision:       models.DecisionAutoAttached,
			Alternatives:   alternatives(matches),
			AliasID:        alias.ID,
			NormalizedName: nm.Key,
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return outcome{}, err
	}
	return out, nil
}

func (r *Resolver) queue(ctx context.Context, nm models.NormalizedMention, matches []models.Match) (outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.queue")
	defer span.End()

	best := matches[0]
	actor := appctx.GetActor(ctx)
	var out outcome
	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = outcome{}

		locked, err := lockActive(ctx, tx, best.CandidateID)
		if err != nil {
			return err
		}
		target := locked[best.CandidateID]

		alias, changed, err := upsertAlias(ctx, tx, target.ID, nm, best.Confidence, models.AliasStatusPending)
		if err != nil {
			return err
		}
		if changed {
			if err := r.locator.Reindex(ctx, tx, target.ID); err != nil {
				return err
			}
			out.events = append(out.events, events.Event{
				Type: events.AliasQueued, EntityID: target.ID, EntityType: target.EntityType,
				Alias: &alias, Confidence: best.Confidence, Method: best.Method, PerformedBy: actor,
			})
		}

		out.resolution = models.Resolution{
			CanonicalID:    target.ID,
			Confidence:     best.Confidence,
			Method:         best.Method,
			Decision:       models.DecisionQueuedForReview,
			Provisional:    true,
			Alternatives:   alternatives(matches),
			AliasID:        alias.ID,
			NormalizedName: nm.Key,
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return outcome{}, err
	}
	return out, nil
}

func (r *Resolver) create(ctx context.Context, nm models.NormalizedMention, matches []models.Match) (outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.create")
	defer span.End()

	actor := appctx.GetActor(ctx)
	var out outcome
	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = outcome{}

		entity := models.CanonicalEntity{
			EntityType:     nm.EntityType,
			CanonicalName:  nm.Name,
			NormalizedName: nm.Key,
			Identifiers:    nm.Identifiers,
			Location:       nm.Location,
			Classification: nm.Classification,
			Status:         models.EntityStatusActive,
		}
		if err := tx.CreateEntity(ctx, &entity); err != nil {
			return err
		}

		alias := models.EntityAlias{
			CanonicalEntityID: entity.ID,
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
			TargetEntityID: entity.ID,
			Reason:         "resolved mention",
			PerformedBy:    actor,
		}
		if err := tx.AppendHistory(ctx, &history); err != nil {
			return err
		}
		if err := r.locator.Reindex(ctx, tx, entity.ID); err != nil {
			return err
		}

		out.events = []events.Event{
			{Type: events.EntityCreated, EntityID: entity.ID, EntityType: entity.EntityType, Entity: &entity, HistoryID: history.ID, PerformedBy: actor},
			{Type: events.AliasAttached, EntityID: entity.ID, EntityType: entity.EntityType, Alias: &alias, Confidence: 1.0, Method: models.MethodCreated, PerformedBy: actor},
		}
		out.resolution = models.Resolution{
			CanonicalID:    entity.ID,
			Confidence:     1.0,
			Method:         models.MethodCreated,
			Decision:       models.DecisionCreated,
			Alternatives:   nonNil(matches),
			AliasID:        alias.ID,
			NormalizedName: nm.Key,
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return outcome{}, err
	}
	return out, nil
}

// lockActive locks the entities and fails with conflict when any is gone or tombstoned, which
// sends the caller back through candidate lookup.
func lockActive(ctx context.Context, tx store.Tx, ids ...string) (map[string]models.CanonicalEntity, error) {
	locked, err := tx.LockEntities(ctx, ids...)
	if err != nil {
		if apperror.IsKind(err, apperror.KindNotFound) {
			return nil, apperror.Wrap(apperror.KindConflict, err, "candidate disappeared")
		}
		return nil, err
	}

	out := make(map[string]models.CanonicalEntity, len(locked))
	for _, e := range locked {
		if !e.IsActive() {
			return nil, apperror.New(apperror.KindConflict, "candidate %s is no longer active", e.ID)
		}
		out[e.ID] = e
	}
	return out, nil
}

// upsertAlias makes sure the entity carries the mention's key. An existing alias is only ever
// promoted from pending to confirmed, never demoted.
func upsertAlias(ctx context.Context, tx store.Tx, entityID string, nm models.NormalizedMention, confidence float64, status models.AliasStatus) (models.EntityAlias, bool, error) {
	existing, err := tx.FindAlias(ctx, entityID, nm.Key)
	if err == nil {
		if status != models.AliasStatusConfirmed || existing.Status == models.AliasStatusConfirmed {
			return *existing, false, nil
		}
		existing.Status = models.AliasStatusConfirmed
		if confidence > existing.MatchConfidence {
			existing.MatchConfidence = confidence
		}
		if err := tx.UpdateAlias(ctx, existing); err != nil {
			return models.EntityAlias{}, false, err
		}
		return *existing, true, nil
	}
	if !apperror.IsKind(err, apperror.KindNotFound) {
		return models.EntityAlias{}, false, err
	}

	alias := models.EntityAlias{
		CanonicalEntityID: entityID,
		AliasName:         nm.Name,
		NormalizedAlias:   nm.Key,
		SourceType:        nm.SourceType,
		SourceRecordID:    nm.SourceRecordID,
		MatchConfidence:   confidence,
		Status:            status,
	}
	if err := tx.InsertAlias(ctx, &alias); err != nil {
		return models.EntityAlias{}, false, err
	}
	return alias, true, nil
}

// ownedElsewhere vetoes enriching an identifier another active entity already holds.
func ownedElsewhere(ctx context.Context, tx store.Reader, entityID string, entityType models.EntityType) func(models.IdentifierKind, string) bool {
	return func(kind models.IdentifierKind, value string) bool {
		holder, err := tx.GetActiveByIdentifier(ctx, entityType, kind, value)
		if err != nil {
			return !apperror.IsKind(err, apperror.KindNotFound)
		}
		return holder.ID != entityID
	}
}

func alternatives(matches []models.Match) []models.Match {
	if len(matches) <= 1 {
		return []models.Match{}
	}
	return append([]models.Match(nil), matches[1:]...)
}

func nonNil(matches []models.Match) []models.Match {
	if matches == nil {
		return []models.Match{}
	}
	return matches
}
