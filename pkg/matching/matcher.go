// Package matching scores normalized mentions against candidate entities.
package matching

import (
	"math"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// FuzzyTier is a name-similarity band. Confidence grows linearly from Base at MinSimilarity
// by Weight across the remaining headroom, and never exceeds Cap.
type FuzzyTier struct {
	MinSimilarity float64 `json:"min_similarity"`
	Base          float64 `json:"base"`
	Weight        float64 `json:"weight"`
	Cap           float64 `json:"cap"`
}

// Qualifies reports whether sim falls in the tier.
func (t FuzzyTier) Qualifies(sim float64) bool {
	return sim >= t.MinSimilarity
}

// Confidence maps a qualifying similarity to a confidence.
func (t FuzzyTier) Confidence(sim float64) float64 {
	above := 1.0
	if t.MinSimilarity < 1 {
		above = (sim - t.MinSimilarity) / (1 - t.MinSimilarity)
	}
	return math.Min(t.Base+t.Weight*above, t.Cap)
}

// Config holds the confidence tiers
type Config struct {
	ExactIDConfidence float64   `json:"exact_id_confidence"`
	DomainConfidence  float64   `json:"domain_confidence"`
	NameLocation      FuzzyTier `json:"name_location"`
	NameOnly          FuzzyTier `json:"name_only"`
}

// DefaultConfig returns the calibrated tiers
func DefaultConfig() Config {
	return Config{
		ExactIDConfidence: 1.0,
		DomainConfidence:  0.95,
		NameLocation:      FuzzyTier{MinSimilarity: 0.8, Base: 0.85, Weight: 0.10, Cap: 0.95},
		NameOnly:          FuzzyTier{MinSimilarity: 0.6, Base: 0.70, Weight: 0.15, Cap: 0.85},
	}
}

// Matcher applies the tiers in order: exact identifier, domain, name with location, name only.
type Matcher struct {
	config Config
	scorer *Scorer
}

func NewMatcher(config Config) *Matcher {
	return &Matcher{config: config, scorer: NewScorer()}
}

func (m *Matcher) Config() Config {
	return m.config
}

func (m *Matcher) Scorer() *Scorer {
	return m.scorer
}

// Score ranks candidates for a mention, highest confidence first, ties by candidate ID
// ascending. Candidates that reach no tier are left out.
func (m *Matcher) Score(mention models.NormalizedMention, candidates []models.Candidate) []models.Match {
	query := mention.AsCandidate()
	best := make(map[string]models.Match, len(candidates))
	for _, c := range candidates {
		match, ok := m.ComparePair(query, c)
		if !ok {
			continue
		}
		if prev, seen := best[match.CandidateID]; seen && prev.Confidence >= match.Confidence {
			continue
		}
		best[match.CandidateID] = match
	}

	matches := make([]models.Match, 0, len(best))
	for _, match := range best {
		matches = append(matches, match)
	}
	SortMatches(matches)
	return matches
}

// ComparePair scores b against a. The result is the same when the arguments are swapped,
// apart from CandidateID which always names b.
func (m *Matcher) ComparePair(a, b models.Candidate) (models.Match, bool) {
	match := models.Match{CandidateID: b.Entity.ID}

	for _, kind := range models.ExactIdentifierKinds {
		if v := a.Entity.Identifiers.Get(kind); v != "" && v == b.Entity.Identifiers.Get(kind) {
			match.Confidence, match.Method = m.config.ExactIDConfidence, models.MethodExactID
			return match, true
		}
	}

	if d := a.Entity.Identifiers.Domain; d != "" && d == b.Entity.Identifiers.Domain {
		match.Confidence, match.Method = m.config.DomainConfidence, models.MethodDomain
		return match, true
	}

	sim := m.bestSimilarity(a.Keys, b.Keys)
	match.Similarity = sim

	switch {
	case m.config.NameLocation.Qualifies(sim) && LocationAgrees(a.Entity.Location, b.Entity.Location):
		match.Confidence, match.Method = m.config.NameLocation.Confidence(sim), models.MethodNameLocation
	case m.config.NameOnly.Qualifies(sim):
		match.Confidence, match.Method = m.config.NameOnly.Confidence(sim), models.MethodNameOnly
	default:
		return models.Match{}, false
	}
	return match, true
}

func (m *Matcher) bestSimilarity(a, b []string) float64 {
	best := 0.0
	for _, x := range a {
		for _, y := range b {
			if sim := m.scorer.Similarity(x, y); sim > best {
				best = sim
				if best == 1.0 {
					return best
				}
			}
		}
	}
	return best
}

// LocationAgrees is true when state or country is known on both sides and no field known on
// both sides differs.
func LocationAgrees(a, b models.Location) bool {
	compared := false
	for _, pair := range [][2]string{
		{normalizers.NormalizeState(a.State), normalizers.NormalizeState(b.State)},
		{normalizers.NormalizeCountry(a.Country), normalizers.NormalizeCountry(b.Country)},
	} {
		if pair[0] == "" || pair[1] == "" {
			continue
		}
		if pair[0] != pair[1] {
			return false
		}
		compared = true
	}
	return compared
}

// SortMatches orders by confidence descending, then candidate ID ascending.
func SortMatches(matches []models.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].CandidateID < matches[j].CandidateID
	})
}
