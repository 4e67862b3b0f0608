package merging

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

type fixture struct {
	store    *memory.Store
	cache    *cache.Sharded
	manager  *Manager
	resolver *resolver.Resolver
}

func newFixture() *fixture {
	logger := logging.Discard()
	st := memory.New()
	c := cache.NewSharded(4, 100)
	normalizer := normalizers.NewEntityNormalizer(nil)
	loc := locator.New(logger, st, locator.DefaultConfig())
	publisher := events.NewPublisher(nil, logger)
	return &fixture{
		store:   st,
		cache:   c,
		manager: NewManager(logger, st, normalizer, loc, c, publisher),
		resolver: resolver.New(logger, st, normalizer, matching.NewMatcher(matching.DefaultConfig()),
			loc, c, publisher, resolver.DefaultConfig()),
	}
}

func (f *fixture) create(t *testing.T, m models.Mention) *models.CanonicalEntity {
	t.Helper()
	if m.EntityType == "" {
		m.EntityType = models.EntityTypeCompany
	}
	e, err := f.manager.CreateEntity(context.Background(), m)
	require.NoError(t, err)
	return e
}

func (f *fixture) aliasKeys(t *testing.T, id string) []string {
	t.Helper()
	aliases, err := f.store.ListAliases(context.Background(), id)
	require.NoError(t, err)
	keys := make([]string, 0, len(aliases))
	for _, a := range aliases {
		keys = append(keys, a.NormalizedAlias)
	}
	sort.Strings(keys)
	return keys
}

func (f *fixture) aliasIDs(t *testing.T, id string) []string {
	t.Helper()
	aliases, err := f.store.ListAliases(context.Background(), id)
	require.NoError(t, err)
	ids := make([]string, 0, len(aliases))
	for _, a := range aliases {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return ids
}

func (f *fixture) assertUniqueActiveNames(t *testing.T) {
	t.Helper()
	page, err := f.store.ListActive(context.Background(), "", "", 1000)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, c := range page {
		k := string(c.Entity.EntityType) + "/" + c.Entity.NormalizedName
		assert.False(t, seen[k], "duplicate active name %s", k)
		seen[k] = true
	}
}

func TestMerge_SplitIsInverse(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	wa := models.Location{State: "WA", Country: "US"}

	a := f.create(t, models.Mention{Name: "Microsoft Corporation", Location: wa})
	b := f.create(t, models.Mention{Name: "Microsoft Corp", Location: wa})
	require.Equal(t, "microsoft", b.NormalizedName)
	bAliases := f.aliasIDs(t, b.ID)

	merged, err := f.manager.Merge(ctx, b.ID, a.ID, "dup")
	require.NoError(t, err)
	assert.Equal(t, a.ID, merged.MergedEntityID)
	assert.Equal(t, 1, merged.AliasesTransferred)
	assert.Equal(t, 0, merged.AliasesDiscarded)
	assert.NotEmpty(t, merged.HistoryID)
	assert.Equal(t, []string{"microsoft", "microsoft corporation"}, f.aliasKeys(t, a.ID))

	tombstoned, err := f.store.GetEntity(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusTombstoned, tombstoned.Status)
	assert.Equal(t, a.ID, tombstoned.MergedIntoID)

	split, err := f.manager.Split(ctx, a.ID, []string{"Microsoft Corp"}, "Microsoft Corp", "undo dup")
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, split.NewEntityID)
	assert.Equal(t, bAliases, f.aliasIDs(t, split.NewEntityID))
	assert.Equal(t, []string{"microsoft corporation"}, f.aliasKeys(t, a.ID))

	created, err := f.store.GetEntity(ctx, split.NewEntityID)
	require.NoError(t, err)
	assert.Equal(t, "microsoft", created.NormalizedName)
	assert.Equal(t, models.HistoryActionSplit, split.History.Action)

	f.assertUniqueActiveNames(t)
}

func TestMerge_ResolveFollowsTarget(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, models.Mention{Name: "Initech LLC", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	second, err := f.resolver.Resolve(ctx, models.Mention{Name: "Umbrella Corporation", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	require.Equal(t, models.DecisionCreated, second.Decision)

	_, err = f.manager.Merge(ctx, first.CanonicalID, second.CanonicalID, "same company")
	require.NoError(t, err)
	assert.Zero(t, f.cache.Len())

	res, err := f.resolver.Resolve(ctx, models.Mention{Name: "Initech", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	assert.Equal(t, second.CanonicalID, res.CanonicalID)
	assert.NotEqual(t, models.DecisionCreated, res.Decision)
}

func TestMerge_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.create(t, models.Mention{Name: "Contoso"})
	b := f.create(t, models.Mention{Name: "Fabrikam"})
	p := f.create(t, models.Mention{Name: "Jane Smith", EntityType: models.EntityTypePerson})

	_, err := f.manager.Merge(ctx, a.ID, a.ID, "")
	assert.True(t, apperror.IsKind(err, apperror.KindSelfMerge))

	_, err = f.manager.Merge(ctx, a.ID, "missing", "")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))

	_, err = f.manager.Merge(ctx, p.ID, a.ID, "")
	assert.True(t, apperror.IsKind(err, apperror.KindInvalidInput))

	_, err = f.manager.Merge(ctx, b.ID, a.ID, "")
	require.NoError(t, err)
	_, err = f.manager.Merge(ctx, b.ID, a.ID, "")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound), "tombstoned source")
}

func TestMerge_DiscardsDuplicateAliasesAndRollsBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a := f.create(t, models.Mention{Name: "Acme Widgets"})
	b := f.create(t, models.Mention{Name: "Acme Gadgets", Identifiers: models.Identifiers{Ticker: "ACMG"}, Location: models.Location{State: "OH"}})
	_, err := f.manager.AddManualAlias(ctx, a.ID, "Acme Co", "")
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertAlias(ctx, &models.EntityAlias{
			CanonicalEntityID: b.ID, AliasName: "ACME", NormalizedAlias: "acme", MatchConfidence: 0.8,
		})
	}))
	aBefore, bBefore := f.aliasIDs(t, a.ID), f.aliasIDs(t, b.ID)

	merged, err := f.manager.Merge(ctx, b.ID, a.ID, "dup")
	require.NoError(t, err)
	assert.Equal(t, 1, merged.AliasesTransferred)
	assert.Equal(t, 1, merged.AliasesDiscarded)
	require.Len(t, merged.History.PreviousState.Discarded, 1)

	enriched, err := f.store.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACMG", enriched.Identifiers.Ticker)
	assert.Equal(t, "OH", enriched.Location.State)

	rb, err := f.manager.Rollback(ctx, merged.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, merged.HistoryID, rb.RollbackOf)
	assert.Equal(t, models.HistoryActionSplit, rb.Action)

	assert.Equal(t, aBefore, f.aliasIDs(t, a.ID))
	assert.Equal(t, bBefore, f.aliasIDs(t, b.ID))

	restoredA, err := f.store.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, restoredA.Identifiers.Ticker)
	assert.Empty(t, restoredA.Location.State)
	restoredB, err := f.store.GetEntity(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, restoredB.IsActive())
	assert.Empty(t, restoredB.MergedIntoID)
	assert.Equal(t, "ACMG", restoredB.Identifiers.Ticker)

	_, err = f.manager.Rollback(ctx, merged.HistoryID)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict), "second rollback")

	_, err = f.manager.Rollback(ctx, rb.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindInvalidInput), "rollback of a rollback")

	f.assertUniqueActiveNames(t)
}

func TestRollback_ConflictsWhenTargetMovedOn(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.create(t, models.Mention{Name: "Alpha"})
	b := f.create(t, models.Mention{Name: "Bravo"})
	c := f.create(t, models.Mention{Name: "Charlie"})

	first, err := f.manager.Merge(ctx, b.ID, a.ID, "")
	require.NoError(t, err)
	_, err = f.manager.Merge(ctx, a.ID, c.ID, "")
	require.NoError(t, err)

	_, err = f.manager.Rollback(ctx, first.HistoryID)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
}

func TestRollback_Split(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.create(t, models.Mention{Name: "Globex Corporation"})
	_, err := f.manager.AddManualAlias(ctx, a.ID, "Globex Intl", "")
	require.NoError(t, err)

	split, err := f.manager.Split(ctx, a.ID, []string{"globex intl"}, "Globex International", "")
	require.NoError(t, err)

	rb, err := f.manager.Rollback(ctx, split.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryActionMerge, rb.Action)
	assert.Equal(t, split.HistoryID, rb.RollbackOf)

	assert.Equal(t, []string{"globex corporation", "globex intl"}, f.aliasKeys(t, a.ID))
	gone, err := f.store.GetEntity(ctx, split.NewEntityID)
	require.NoError(t, err)
	assert.False(t, gone.IsActive())

	_, err = f.manager.Rollback(ctx, split.HistoryID)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
}

func TestRollback_RejectsCreateEvents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.create(t, models.Mention{Name: "Umbrella"})

	history, err := f.manager.GetHistory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = f.manager.Rollback(ctx, history[0].ID)
	assert.True(t, apperror.IsKind(err, apperror.KindInvalidInput))

	_, err = f.manager.Rollback(ctx, "missing")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestSplit_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.create(t, models.Mention{Name: "Hooli"})
	_, err := f.manager.AddManualAlias(ctx, a.ID, "Hooli XYZ", "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		refs    []string
		newName string
		kind    apperror.Kind
	}{
		{name: "empty subset", refs: nil, newName: "Other", kind: apperror.KindInvalidSplit},
		{name: "full set", refs: []string{"hooli", "hooli xyz"}, newName: "Other", kind: apperror.KindInvalidSplit},
		{name: "unknown alias", refs: []string{"pied piper"}, newName: "Other", kind: apperror.KindInvalidSplit},
		{name: "same name", refs: []string{"hooli xyz"}, newName: "Hooli Inc", kind: apperror.KindInvalidSplit},
		{name: "blank name", refs: []string{"hooli xyz"}, newName: "  ", kind: apperror.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Split(ctx, a.ID, tt.refs, tt.newName, "")
			assert.True(t, apperror.IsKind(err, tt.kind), "got %v", err)
		})
	}

	assert.Equal(t, []string{"hooli", "hooli xyz"}, f.aliasKeys(t, a.ID))
}

func TestAddManualAlias(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.create(t, models.Mention{Name: "Alphabet Inc"})
	b := f.create(t, models.Mention{Name: "Waymo LLC"})

	stale := fingerprint.Key(models.EntityTypeCompany, "google", models.Identifiers{})
	f.cache.Set(ctx, stale, b.ID)

	alias, err := f.manager.AddManualAlias(ctx, a.ID, "Google", "analyst")
	require.NoError(t, err)
	assert.True(t, alias.IsManualOverride)
	assert.Equal(t, "google", alias.NormalizedAlias)
	assert.Equal(t, "analyst", alias.SourceType)
	_, hit := f.cache.Get(ctx, stale)
	assert.False(t, hit)

	again, err := f.manager.AddManualAlias(ctx, a.ID, "GOOGLE", "")
	require.NoError(t, err)
	assert.Equal(t, alias.ID, again.ID)

	_, err = f.manager.AddManualAlias(ctx, b.ID, "Google", "")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	promoted, err := f.manager.AddManualAlias(ctx, a.ID, "Alphabet", "")
	require.NoError(t, err)
	assert.True(t, promoted.IsManualOverride)
	assert.Len(t, f.aliasKeys(t, a.ID), 2)

	history, err := f.manager.GetHistory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, models.HistoryActionUpdate, history[3].Action)
	require.Len(t, history[3].PreviousState.Aliases, 1)
	assert.False(t, history[3].PreviousState.Aliases[0].IsManualOverride)

	res, err := f.resolver.Resolve(ctx, models.Mention{Name: "Google", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	assert.Equal(t, a.ID, res.CanonicalID)
	assert.Equal(t, models.MethodManual, res.Method)
}

func TestGetAliases_FollowsRedirects(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.create(t, models.Mention{Name: "Stark Industries", SourceType: "crm"})
	b := f.create(t, models.Mention{Name: "Stark Intl"})
	c := f.create(t, models.Mention{Name: "Stark Enterprises"})

	_, err := f.manager.Merge(ctx, a.ID, b.ID, "")
	require.NoError(t, err)
	_, err = f.manager.Merge(ctx, b.ID, c.ID, "")
	require.NoError(t, err)

	view, err := f.manager.GetAliases(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, view.CanonicalID)
	assert.Equal(t, a.ID, view.RedirectedFrom)
	assert.Equal(t, "Stark Enterprises", view.CanonicalName)
	assert.Len(t, view.Aliases, 3)

	direct, err := f.manager.GetAliases(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, direct.RedirectedFrom)

	_, err = f.manager.GetAliases(ctx, "missing")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestCreateEntity_EnforcesUniqueness(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, models.Mention{Name: "Soylent Corp", Identifiers: models.Identifiers{Ticker: "SOY"}})

	_, err := f.manager.CreateEntity(ctx, models.Mention{Name: "Soylent", EntityType: models.EntityTypeCompany})
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	_, err = f.manager.CreateEntity(ctx, models.Mention{Name: "Soylent Green", EntityType: models.EntityTypeCompany, Identifiers: models.Identifiers{Ticker: "soy"}})
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	_, err = f.manager.CreateEntity(ctx, models.Mention{Name: "", EntityType: models.EntityTypeCompany})
	assert.True(t, apperror.IsKind(err, apperror.KindInvalidInput))

	person, err := f.manager.CreateEntity(ctx, models.Mention{Name: "Soylent", EntityType: models.EntityTypePerson})
	require.NoError(t, err)
	assert.Equal(t, "soylent", person.NormalizedName)
}
