package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func mention(key string, ids models.Identifiers, loc models.Location) models.NormalizedMention {
	return models.NormalizedMention{
		Mention: models.Mention{EntityType: models.EntityTypeCompany, Identifiers: ids, Location: loc},
		Key:     key,
	}
}

func candidate(id, name string, ids models.Identifiers, loc models.Location, aliases ...string) models.Candidate {
	return models.Candidate{
		Entity: models.CanonicalEntity{
			ID:             id,
			EntityType:     models.EntityTypeCompany,
			NormalizedName: name,
			Identifiers:    ids,
			Location:       loc,
			Status:         models.EntityStatusActive,
		},
		Keys: append([]string{name}, aliases...),
	}
}

func TestMatcher_Tiers(t *testing.T) {
	m := NewMatcher(DefaultConfig())
	wa := models.Location{State: "WA", Country: "US"}
	ca := models.Location{State: "CA", Country: "US"}

	tests := []struct {
		name       string
		mention    models.NormalizedMention
		candidate  models.Candidate
		method     models.MatchMethod
		confidence float64
	}{
		{
			name:       "shared ticker",
			mention:    mention("apple", models.Identifiers{Ticker: "AAPL"}, models.Location{}),
			candidate:  candidate("c1", "apple computer", models.Identifiers{Ticker: "AAPL"}, models.Location{}),
			method:     models.MethodExactID,
			confidence: 1.0,
		},
		{
			name:       "shared lei beats domain",
			mention:    mention("x", models.Identifiers{LEI: "LEI1", Domain: "x.com"}, models.Location{}),
			candidate:  candidate("c1", "y", models.Identifiers{LEI: "LEI1", Domain: "x.com"}, models.Location{}),
			method:     models.MethodExactID,
			confidence: 1.0,
		},
		{
			name:       "shared domain",
			mention:    mention("apple", models.Identifiers{Domain: "apple.com"}, models.Location{}),
			candidate:  candidate("c1", "zzz", models.Identifiers{Domain: "apple.com"}, models.Location{}),
			method:     models.MethodDomain,
			confidence: 0.95,
		},
		{
			name:       "name and same state",
			mention:    mention("microsoft", models.Identifiers{}, wa),
			candidate:  candidate("c1", "microsoft corporation", models.Identifiers{}, wa),
			method:     models.MethodNameLocation,
			confidence: 0.85 + 0.10*(0.885714-0.8)/0.2,
		},
		{
			name:       "name without location",
			mention:    mention("microsoft", models.Identifiers{}, models.Location{}),
			candidate:  candidate("c1", "microsoft corporation", models.Identifiers{}, wa),
			method:     models.MethodNameOnly,
			confidence: 0.70 + 0.15*(0.885714-0.6)/0.4,
		},
		{
			name:       "name with conflicting state",
			mention:    mention("microsoft", models.Identifiers{}, wa),
			candidate:  candidate("c1", "microsoft corporation", models.Identifiers{}, ca),
			method:     models.MethodNameOnly,
			confidence: 0.70 + 0.15*(0.885714-0.6)/0.4,
		},
		{
			name:       "country synonyms agree",
			mention:    mention("acme", models.Identifiers{}, models.Location{Country: "US"}),
			candidate:  candidate("c1", "acme widgets", models.Identifiers{}, models.Location{Country: "USA"}),
			method:     models.MethodNameLocation,
			confidence: 0.85 + 0.10*(0.866667-0.8)/0.2,
		},
		{
			name:       "no location field known on both sides",
			mention:    mention("acme", models.Identifiers{}, models.Location{Country: "US"}),
			candidate:  candidate("c1", "acme widgets", models.Identifiers{}, models.Location{State: "WA"}),
			method:     models.MethodNameOnly,
			confidence: 0.70 + 0.15*(0.866667-0.6)/0.4,
		},
		{
			name:       "identical key with location hits the cap",
			mention:    mention("acme", models.Identifiers{}, wa),
			candidate:  candidate("c1", "acme", models.Identifiers{}, wa),
			method:     models.MethodNameLocation,
			confidence: 0.95,
		},
		{
			name:       "identical key without location hits the cap",
			mention:    mention("acme", models.Identifiers{}, models.Location{}),
			candidate:  candidate("c1", "acme", models.Identifiers{}, models.Location{}),
			method:     models.MethodNameOnly,
			confidence: 0.85,
		},
		{
			name:       "alias key counts",
			mention:    mention("acme", models.Identifiers{}, models.Location{}),
			candidate:  candidate("c1", "acme widgets", models.Identifiers{}, models.Location{}, "acme"),
			method:     models.MethodNameOnly,
			confidence: 0.85,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Score(tt.mention, []models.Candidate{tt.candidate})
			require.Len(t, got, 1)
			assert.Equal(t, "c1", got[0].CandidateID)
			assert.Equal(t, tt.method, got[0].Method)
			assert.InDelta(t, tt.confidence, got[0].Confidence, 1e-4)
		})
	}
}

func TestMatcher_BelowNameOnlyIsDropped(t *testing.T) {
	m := NewMatcher(DefaultConfig())

	got := m.Score(mention("acme", models.Identifiers{}, models.Location{}), []models.Candidate{
		candidate("c1", "zeta", models.Identifiers{}, models.Location{}),
	})
	assert.Empty(t, got)
}

func TestMatcher_Ordering(t *testing.T) {
	m := NewMatcher(DefaultConfig())
	ids := models.Identifiers{Ticker: "AAPL"}

	got := m.Score(mention("apple", ids, models.Location{}), []models.Candidate{
		candidate("c3", "apple computer", models.Identifiers{}, models.Location{}),
		candidate("c2", "apple", ids, models.Location{}),
		candidate("c1", "apple inc", ids, models.Location{}),
		candidate("c0", "apple", models.Identifiers{Domain: "apple.com"}, models.Location{}),
	})

	require.Len(t, got, 4)
	assert.Equal(t, []string{"c1", "c2", "c0", "c3"}, []string{
		got[0].CandidateID, got[1].CandidateID, got[2].CandidateID, got[3].CandidateID,
	})
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Confidence, got[i].Confidence)
	}
}

func TestFuzzyTier_Boundaries(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.NameLocation.Qualifies(0.7999))
	assert.True(t, cfg.NameLocation.Qualifies(0.8))
	assert.InDelta(t, 0.85, cfg.NameLocation.Confidence(0.8), 1e-9)
	assert.InDelta(t, 0.90, cfg.NameLocation.Confidence(0.9), 1e-9)
	assert.InDelta(t, 0.95, cfg.NameLocation.Confidence(1.0), 1e-9)
	assert.LessOrEqual(t, cfg.NameLocation.Confidence(1.0), cfg.NameLocation.Cap)

	assert.False(t, cfg.NameOnly.Qualifies(0.5999))
	assert.True(t, cfg.NameOnly.Qualifies(0.6))
	assert.InDelta(t, 0.70, cfg.NameOnly.Confidence(0.6), 1e-9)
	assert.InDelta(t, 0.85, cfg.NameOnly.Confidence(1.0), 1e-9)
	assert.LessOrEqual(t, cfg.NameOnly.Confidence(1.0), cfg.NameOnly.Cap)
}

func TestComparePair_Symmetric(t *testing.T) {
	m := NewMatcher(DefaultConfig())
	wa := models.Location{State: "WA"}

	pairs := [][2]models.Candidate{
		{candidate("a", "microsoft corporation", models.Identifiers{}, wa), candidate("b", "microsoft", models.Identifiers{}, wa)},
		{candidate("a", "initech", models.Identifiers{}, wa), candidate("b", "initrode", models.Identifiers{}, models.Location{})},
		{candidate("a", "acme widgets", models.Identifiers{}, wa, "acme"), candidate("b", "acme gadgets", models.Identifiers{}, wa)},
	}

	for _, p := range pairs {
		ab, okAB := m.ComparePair(p[0], p[1])
		ba, okBA := m.ComparePair(p[1], p[0])
		require.Equal(t, okAB, okBA)
		assert.Equal(t, ab.Confidence, ba.Confidence)
		assert.Equal(t, ab.Method, ba.Method)
	}
}

func TestScorer_Similarity(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		a, b string
		want float64
	}{
		{"microsoft", "microsoft corporation", 0.885714},
		{"acme", "acme widgets", 0.866667},
		{"jane smith", "jane smyth", 0.96},
		{"coca cola", "cola coca", 1.0},
		{"fabrikam", "fabrikam holdings", 0.894118},
		{"abc", "xyz", 0},
		{"same", "same", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.Similarity(tt.a, tt.b), 1e-6)
			assert.Equal(t, s.Similarity(tt.a, tt.b), s.Similarity(tt.b, tt.a))
		})
	}
}

func TestScorer_Soundex(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, "R163", s.Soundex("robert"))
	assert.Equal(t, s.Soundex("robert"), s.Soundex("rupert"))
	assert.Equal(t, "A000", s.Soundex("a"))
	assert.Empty(t, s.Soundex(""))
	assert.Empty(t, s.Soundex("3m"))
}

func TestLocationAgrees(t *testing.T) {
	assert.True(t, LocationAgrees(models.Location{State: "wa"}, models.Location{State: "WA", Country: "US"}))
	assert.True(t, LocationAgrees(models.Location{Country: "United Kingdom"}, models.Location{Country: "GB"}))
	assert.False(t, LocationAgrees(models.Location{State: "WA", Country: "US"}, models.Location{State: "WA", Country: "CA"}))
	assert.False(t, LocationAgrees(models.Location{City: "seattle"}, models.Location{City: "seattle"}))
	assert.False(t, LocationAgrees(models.Location{}, models.Location{}))
}
