package resolver

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Emit(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// failingStore fails the first n transactions with err.
type failingStore struct {
	*memory.Store
	mu    sync.Mutex
	err   error
	n     int
	calls int
}

func (f *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.n < 0 || f.calls <= f.n
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.Store.WithTx(ctx, fn)
}

type harness struct {
	resolver *Resolver
	sink     *recordingSink
	sleeps   []time.Duration
}

func newHarness(st store.Store, c cache.Cache) *harness {
	logger := logging.Discard()
	sink := &recordingSink{}
	h := &harness{sink: sink}
	h.resolver = New(
		logger,
		st,
		normalizers.NewEntityNormalizer(nil),
		matching.NewMatcher(matching.DefaultConfig()),
		locator.New(logger, st, locator.DefaultConfig()),
		c,
		events.NewPublisher(sink, logger),
		DefaultConfig(),
	)
	h.resolver.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func microsoft() models.Mention {
	return models.Mention{
		Name:        "Microsoft Corporation",
		EntityType:  models.EntityTypeCompany,
		Identifiers: models.Identifiers{Ticker: "MSFT"},
		SourceType:  "sec_filing",
	}
}

func TestResolve_CreatesThenAttachesFromCache(t *testing.T) {
	st := memory.New()
	h := newHarness(st, cache.NewSharded(4, 100))
	ctx := context.Background()

	first, err := h.resolver.Resolve(ctx, microsoft())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCreated, first.Decision)
	assert.Equal(t, models.MethodCreated, first.Method)
	assert.Equal(t, 1.0, first.Confidence)
	assert.Equal(t, "microsoft corporation", first.NormalizedName)
	assert.Empty(t, first.Alternatives)

	second, err := h.resolver.Resolve(ctx, microsoft())
	require.NoError(t, err)
	assert.Equal(t, first.CanonicalID, second.CanonicalID)
	assert.Equal(t, models.DecisionAutoAttached, second.Decision)
	assert.Equal(t, models.MethodExactID, second.Method)
	assert.Equal(t, 1.0, second.Confidence)
	assert.True(t, second.FromCache)

	aliases, err := st.ListAliases(ctx, first.CanonicalID)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, models.AliasStatusConfirmed, aliases[0].Status)
	assert.Equal(t, "sec_filing", aliases[0].SourceType)

	history, err := st.ListHistory(ctx, first.CanonicalID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistoryActionCreate, history[0].Action)

	assert.Equal(t, []events.Type{events.EntityCreated, events.AliasAttached}, h.sink.types())
}

func TestResolve_WithoutCacheIsIdempotent(t *testing.T) {
	st := memory.New()
	h := newHarness(st, nil)
	ctx := context.Background()

	first, err := h.resolver.Resolve(ctx, microsoft())
	require.NoError(t, err)
	second, err := h.resolver.Resolve(ctx, microsoft())
	require.NoError(t, err)

	assert.Equal(t, first.CanonicalID, second.CanonicalID)
	assert.Equal(t, models.MethodExactID, second.Method)
	assert.False(t, second.FromCache)

	aliases, err := st.ListAliases(ctx, first.CanonicalID)
	require.NoError(t, err)
	assert.Len(t, aliases, 1)
	// The repeat changed nothing, so nothing new was published.
	assert.Len(t, h.sink.types(), 2)
}

func TestResolve_UnrelatedNameCreates(t *testing.T) {
	h := newHarness(memory.New(), nil)
	ctx := context.Background()

	_, err := h.resolver.Resolve(ctx, microsoft())
	require.NoError(t, err)

	res, err := h.resolver.Resolve(ctx, models.Mention{Name: "Zeta Holdings LLC", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCreated, res.Decision)
	assert.Equal(t, "zeta holdings", res.NormalizedName)
}

func TestResolve_ReviewBandQueuesPendingAlias(t *testing.T) {
	st := memory.New()
	h := newHarness(st, cache.NewSharded(1, 10))
	ctx := context.Background()

	created, err := h.resolver.Resolve(ctx, models.Mention{Name: "Microsoft Corporation", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)

	res, err := h.resolver.Resolve(ctx, models.Mention{Name: "Microsoft", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	assert.Equal(t, created.CanonicalID, res.CanonicalID)
	assert.Equal(t, models.DecisionQueuedForReview, res.Decision)
	assert.Equal(t, models.MethodNameOnly, res.Method)
	assert.True(t, res.Provisional)
	assert.InDelta(t, 0.8071, res.Confidence, 0.001)

	alias, err := st.FindAlias(ctx, created.CanonicalID, "microsoft")
	require.NoError(t, err)
	assert.Equal(t, models.AliasStatusPending, alias.Status)

	again, err := h.resolver.Resolve(ctx, models.Mention{Name: "Microsoft", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionQueuedForReview, again.Decision)
	assert.False(t, again.FromCache)
	assert.Equal(t, alias.ID, again.AliasID)
}

func TestResolve_ManualAliasWins(t *testing.T) {
	st := memory.New()
	h := newHarness(st, nil)
	ctx := context.Background()

	target, err := h.resolver.Resolve(ctx, models.Mention{Name: "Alphabet Inc", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertAlias(ctx, &models.EntityAlias{
			CanonicalEntityID: target.CanonicalID,
			AliasName:         "Google",
			NormalizedAlias:   "google",
			SourceType:        models.SourceTypeManual,
			MatchConfidence:   1.0,
			IsManualOverride:  true,
			Status:            models.AliasStatusConfirmed,
		})
	}))

	res, err := h.resolver.Resolve(ctx, models.Mention{Name: "Google LLC", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	assert.Equal(t, target.CanonicalID, res.CanonicalID)
	assert.Equal(t, models.MethodManual, res.Method)
	assert.Equal(t, models.DecisionAutoAttached, res.Decision)
	assert.Equal(t, 1.0, res.Confidence)

	// Manual aliases are scoped to their entity type.
	other, err := h.resolver.Resolve(ctx, models.Mention{Name: "Google", EntityType: models.EntityTypeInvestor})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCreated, other.Decision)
}

func TestResolve_EnrichmentRecordsHistory(t *testing.T) {
	st := memory.New()
	h := newHarness(st, nil)
	ctx := context.Background()

	created, err := h.resolver.Resolve(ctx, microsoft())
	require.NoError(t, err)

	mention := microsoft()
	mention.Location = models.Location{City: "Redmond", State: "wa", Country: "USA"}
	res, err := h.resolver.Resolve(ctx, mention)
	require.NoError(t, err)
	assert.Equal(t, created.CanonicalID, res.CanonicalID)

	entity, err := st.GetEntity(ctx, created.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, models.Location{City: "redmond", State: "WA", Country: "US"}, entity.Location)
	assert.Equal(t, 2, entity.Version)

	history, err := st.ListHistory(ctx, created.CanonicalID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.HistoryActionUpdate, history[1].Action)
	before, ok := history[1].PreviousState.Entity(created.CanonicalID)
	require.True(t, ok)
	assert.True(t, before.Location.IsZero())

	assert.Contains(t, h.sink.types(), events.EntityUpdated)
}

func TestResolve_FirstLetterTypoQueuesForReview(t *testing.T) {
	h := newHarness(memory.New(), nil)
	ctx := context.Background()

	kodak, err := h.resolver.Resolve(ctx, models.Mention{Name: "Kodak", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	require.Equal(t, models.DecisionCreated, kodak.Decision)

	res, err := h.resolver.Resolve(ctx, models.Mention{Name: "Codak", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionQueuedForReview, res.Decision)
	assert.Equal(t, models.MethodNameOnly, res.Method)
	assert.Equal(t, kodak.CanonicalID, res.CanonicalID)
	assert.InDelta(t, 0.80, res.Confidence, 0.001)
}

func TestResolve_ExactIDTieQueuesOtherHolder(t *testing.T) {
	st := memory.New()
	h := newHarness(st, nil)
	ctx := context.Background()

	a, err := h.resolver.Resolve(ctx, models.Mention{
		Name: "Contoso", EntityType: models.EntityTypeCompany,
		Identifiers: models.Identifiers{Ticker: "CTSO"},
	})
	require.NoError(t, err)
	b, err := h.resolver.Resolve(ctx, models.Mention{
		Name: "Northwind Traders", EntityType: models.EntityTypeCompany,
		Identifiers: models.Identifiers{LEI: "529900T8BM49AURSDO55"},
	})
	require.NoError(t, err)
	require.Equal(t, models.DecisionCreated, b.Decision)

	res, err := h.resolver.Resolve(ctx, models.Mention{
		Name: "Contoso", EntityType: models.EntityTypeCompany,
		Identifiers: models.Identifiers{Ticker: "CTSO", LEI: "529900T8BM49AURSDO55"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.MethodExactID, res.Method)

	ids := []string{a.CanonicalID, b.CanonicalID}
	sort.Strings(ids)
	assert.Equal(t, ids[0], res.CanonicalID)
	require.Len(t, res.Alternatives, 1)
	assert.Equal(t, ids[1], res.Alternatives[0].CandidateID)

	tied, err := st.FindAlias(ctx, ids[1], "contoso")
	if ids[1] == a.CanonicalID {
		require.NoError(t, err)
		assert.Equal(t, models.AliasStatusConfirmed, tied.Status)
	} else {
		require.NoError(t, err)
		assert.Equal(t, models.AliasStatusPending, tied.Status)
	}

	// Neither entity takes over the identifier the other holds.
	ea, err := st.GetEntity(ctx, a.CanonicalID)
	require.NoError(t, err)
	assert.Empty(t, ea.Identifiers.LEI)
	eb, err := st.GetEntity(ctx, b.CanonicalID)
	require.NoError(t, err)
	assert.Empty(t, eb.Identifiers.Ticker)
}

func TestResolve_ConcurrentMentionsConverge(t *testing.T) {
	st := memory.New()
	h := newHarness(st, cache.NewSharded(8, 100))
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.resolver.Resolve(ctx, microsoft())
			errs[i] = err
			if err == nil {
				ids[i] = res.CanonicalID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	page, err := st.ListActive(ctx, models.EntityTypeCompany, "", 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid input is not retried", func(t *testing.T) {
		fs := &failingStore{Store: memory.New(), err: apperror.New(apperror.KindTransient, "down"), n: -1}
		h := newHarness(fs, nil)

		_, err := h.resolver.Resolve(ctx, models.Mention{Name: "   ", EntityType: models.EntityTypeCompany})
		assert.True(t, apperror.IsKind(err, apperror.KindInvalidInput))
		assert.Equal(t, 0, fs.calls)
	})

	t.Run("transient errors back off then fail", func(t *testing.T) {
		fs := &failingStore{Store: memory.New(), err: apperror.New(apperror.KindTransient, "down"), n: -1}
		h := newHarness(fs, nil)

		_, err := h.resolver.Resolve(ctx, microsoft())
		assert.True(t, apperror.IsKind(err, apperror.KindResolutionFailed))
		assert.Equal(t, 4, fs.calls)
		assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}, h.sleeps)
	})

	t.Run("transient errors recover", func(t *testing.T) {
		fs := &failingStore{Store: memory.New(), err: apperror.New(apperror.KindTransient, "down"), n: 2}
		h := newHarness(fs, nil)

		res, err := h.resolver.Resolve(ctx, microsoft())
		require.NoError(t, err)
		assert.Equal(t, models.DecisionCreated, res.Decision)
		assert.Len(t, h.sleeps, 2)
	})

	t.Run("conflicts retry without sleeping", func(t *testing.T) {
		fs := &failingStore{Store: memory.New(), err: apperror.New(apperror.KindConflict, "busy"), n: -1}
		h := newHarness(fs, nil)

		_, err := h.resolver.Resolve(ctx, microsoft())
		assert.True(t, apperror.IsKind(err, apperror.KindResolutionFailed))
		assert.Equal(t, DefaultConfig().MaxConflictRetries+1, fs.calls)
		assert.Empty(t, h.sleeps)
	})

	t.Run("canceled context", func(t *testing.T) {
		h := newHarness(memory.New(), nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := h.resolver.Resolve(cctx, microsoft())
		assert.True(t, apperror.IsKind(err, apperror.KindResolutionFailed))
	})
}

func TestConfig_Backoff(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 50*time.Millisecond, c.backoff(1))
	assert.Equal(t, 400*time.Millisecond, c.backoff(4))
	assert.Equal(t, time.Second, c.backoff(10))
}
