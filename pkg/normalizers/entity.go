package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Strategy holds the type-specific token rules applied after folding.
type Strategy struct {
	// Prefixes are leading tokens dropped from the name ("the", "dr").
	Prefixes []string
	// Suffixes are noise tokens stripped from the end, repeatedly ("inc", "co ltd").
	Suffixes []string
	// SuffixesAnywhere strips suffix tokens at any position after the first.
	SuffixesAnywhere bool
	// ReorderComma turns "Last, First" into "First Last" when the name has exactly one comma
	// once segments made only of suffix tokens ("Smith, Jane, Jr.") are dropped.
	ReorderComma bool
}

var legalSuffixes = []string{
	"inc", "corp", "co", "ltd", "llc", "llp", "lp", "plc", "gmbh", "ag", "sa", "nv", "bv",
	"pty", "srl", "spa", "sarl", "kk", "oy", "ab", "pte", "bhd", "lda",
}

// DefaultStrategies is the strategy table keyed by entity type.
var DefaultStrategies = map[models.EntityType]Strategy{
	models.EntityTypeCompany: {
		Prefixes: []string{"the"},
		Suffixes: legalSuffixes,
	},
	models.EntityTypeInvestor: {
		Prefixes: []string{"the"},
		Suffixes: append(append([]string{}, legalSuffixes...), "gp"),
	},
	models.EntityTypePerson: {
		Prefixes:         []string{"mr", "mrs", "ms", "miss", "dr", "prof", "sir"},
		Suffixes:         []string{"jr", "sr", "ii", "iii", "iv", "phd", "md", "dds", "esq", "cpa", "mba"},
		SuffixesAnywhere: true,
		ReorderComma:     true,
	},
}

type compiledStrategy struct {
	Strategy
	prefixes map[string]struct{}
	suffixes map[string]struct{}
}

// EntityNormalizer normalizes names with a per-type strategy. It is safe for concurrent use.
type EntityNormalizer struct {
	strategies map[models.EntityType]compiledStrategy
}

// NewEntityNormalizer builds a normalizer from DefaultStrategies with overrides applied per type.
func NewEntityNormalizer(overrides map[models.EntityType]Strategy) *EntityNormalizer {
	n := &EntityNormalizer{strategies: make(map[models.EntityType]compiledStrategy)}
	for t, s := range DefaultStrategies {
		if o, ok := overrides[t]; ok {
			s = o
		}
		n.strategies[t] = compile(s)
	}
	return n
}

func compile(s Strategy) compiledStrategy {
	c := compiledStrategy{
		Strategy: s,
		prefixes: make(map[string]struct{}, len(s.Prefixes)),
		suffixes: make(map[string]struct{}, len(s.Suffixes)),
	}
	for _, p := range s.Prefixes {
		c.prefixes[p] = struct{}{}
	}
	for _, x := range s.Suffixes {
		c.suffixes[x] = struct{}{}
	}
	return c
}

// Normalize returns the normalized key of raw for entityType. It fails with InvalidInput on
// blank input, an unknown type, or a name made only of noise tokens.
func (n *EntityNormalizer) Normalize(raw string, entityType models.EntityType) (string, error) {
	strategy, ok := n.strategies[entityType]
	if !ok {
		return "", apperror.New(apperror.KindInvalidInput, "unsupported entity type %q", entityType)
	}
	if strings.TrimSpace(raw) == "" {
		return "", apperror.New(apperror.KindInvalidInput, "name must not be empty")
	}

	if strategy.ReorderComma {
		raw = strategy.reorderComma(raw)
	}

	tokens := Tokenize(Fold(raw))

	for len(tokens) > 0 {
		if _, drop := strategy.prefixes[tokens[0]]; !drop {
			break
		}
		tokens = tokens[1:]
	}

	if strategy.SuffixesAnywhere && len(tokens) > 1 {
		kept := tokens[:1]
		for _, tok := range tokens[1:] {
			if _, drop := strategy.suffixes[tok]; !drop {
				kept = append(kept, tok)
			}
		}
		tokens = kept
	}
	for len(tokens) > 0 {
		if _, drop := strategy.suffixes[tokens[len(tokens)-1]]; !drop {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}

	if len(tokens) == 0 {
		return "", apperror.New(apperror.KindInvalidInput, "name %q has no distinguishing tokens", raw)
	}
	return strings.Join(tokens, " "), nil
}

func (s compiledStrategy) reorderComma(raw string) string {
	segments := strings.Split(raw, ",")
	parts := segments[:1]
	for _, seg := range segments[1:] {
		if !s.onlySuffixes(seg) {
			parts = append(parts, seg)
		}
	}
	if len(parts) != 2 {
		return raw
	}
	return parts[1] + " " + parts[0]
}

func (s compiledStrategy) onlySuffixes(segment string) bool {
	for _, tok := range Tokenize(Fold(segment)) {
		if _, ok := s.suffixes[tok]; !ok {
			return false
		}
	}
	return true
}

// NormalizeMention normalizes the name, identifiers and location of m.
func (n *EntityNormalizer) NormalizeMention(m models.Mention) (models.NormalizedMention, error) {
	key, err := n.Normalize(m.Name, m.EntityType)
	if err != nil {
		return models.NormalizedMention{}, err
	}

	out := m
	out.Name = strings.TrimSpace(m.Name)
	out.Identifiers = NormalizeIdentifiers(m.Identifiers)
	out.Location = models.Location{
		City:    strings.Join(Tokenize(Fold(m.Location.City)), " "),
		State:   Apply(m.Location.State, "state"),
		Country: Apply(m.Location.Country, "country"),
	}
	out.Classification = models.Classification{
		Industry: strings.TrimSpace(m.Classification.Industry),
		Sector:   strings.TrimSpace(m.Classification.Sector),
	}

	return models.NormalizedMention{Mention: out, Key: key}, nil
}

// NormalizeIdentifiers runs each identifier through its registered normalizer.
func NormalizeIdentifiers(ids models.Identifiers) models.Identifiers {
	var out models.Identifiers
	for _, kind := range models.IdentifierKinds {
		out.Set(kind, Apply(ids.Get(kind), string(kind)))
	}
	return out
}

// Fold removes symbols and diacritics and case-folds s.
func Fold(s string) string {
	t := transform.Chain(
		runes.Remove(runes.In(unicode.So)),
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		cases.Fold(),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// Tokenize splits s into letter/digit tokens. Periods, apostrophes and ampersands join their
// neighbours ("L.L.C." is "llc", "AT&T" is "att"); every other separator splits.
func Tokenize(s string) []string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == '\'' || r == '’' || r == '&':
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}
