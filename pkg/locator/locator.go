// Package locator bounds candidate search with blocking keys.
package locator

import (
	"context"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	prefixLength  = 3
	minTokenRunes = 2
	gramLength    = 3
	// Names up to this many runes are also indexed under their one-deletion neighborhood,
	// since a single edit can leave them without a shared trigram.
	maxDeletionRunes = 5
)

type Config struct {
	// CandidateLimit caps blocking-key candidates. Exact name and identifier holders come on top.
	CandidateLimit int `json:"candidate_limit"`
}

func DefaultConfig() Config {
	return Config{CandidateLimit: 50}
}

type Locator struct {
	logger ectologger.Logger
	reader store.Reader
	scorer *matching.Scorer
	config Config
}

func New(logger ectologger.Logger, reader store.Reader, config Config) *Locator {
	if config.CandidateLimit <= 0 {
		config.CandidateLimit = DefaultConfig().CandidateLimit
	}
	return &Locator{logger: logger, reader: reader, scorer: matching.NewScorer(), config: config}
}

// NameKeys derives the blocking keys of one normalized name: every token, the soundex of the
// first token, a short prefix, the trigrams of the space-free name and, for short names, the
// name with each single rune removed.
func (l *Locator) NameKeys(name string) []string {
	tokens := strings.Fields(name)
	if len(tokens) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tokens)+2)
	for _, tok := range tokens {
		if len([]rune(tok)) >= minTokenRunes {
			keys = append(keys, "tok:"+tok)
		}
	}
	if code := l.scorer.Soundex(tokens[0]); code != "" {
		keys = append(keys, "sdx:"+code)
	}

	compact := []rune(strings.Join(tokens, ""))
	keys = append(keys, "pre:"+string(compact[:min(len(compact), prefixLength)]))
	for i := 0; i+gramLength <= len(compact); i++ {
		keys = append(keys, "tri:"+string(compact[i:i+gramLength]))
	}
	if len(compact) <= maxDeletionRunes {
		keys = append(keys, "del:"+string(compact))
		for i := 0; len(compact) > 1 && i < len(compact); i++ {
			keys = append(keys, "del:"+string(compact[:i])+string(compact[i+1:]))
		}
	}
	return unique(keys)
}

// IdentifierKeys derives one blocking key per identifier.
func IdentifierKeys(ids models.Identifiers) []string {
	keys := make([]string, 0, len(models.IdentifierKinds))
	for _, kind := range models.ExactIdentifierKinds {
		if v := ids.Get(kind); v != "" {
			keys = append(keys, "id:"+string(kind)+":"+v)
		}
	}
	if ids.Domain != "" {
		keys = append(keys, "dom:"+ids.Domain)
	}
	return keys
}

// MentionKeys are the blocking keys a mention is looked up with.
func (l *Locator) MentionKeys(m models.NormalizedMention) []string {
	return dedupe(append(l.NameKeys(m.Key), IdentifierKeys(m.Identifiers)...))
}

// EntityKeys are the blocking keys an entity is indexed under: its name, every alias and its
// identifiers.
func (l *Locator) EntityKeys(entity models.CanonicalEntity, aliases []models.EntityAlias) []string {
	keys := l.NameKeys(entity.NormalizedName)
	for _, a := range aliases {
		keys = append(keys, l.NameKeys(a.NormalizedAlias)...)
	}
	return dedupe(append(keys, IdentifierKeys(entity.Identifiers)...))
}

// Candidates returns the active entities worth scoring against m.
func (l *Locator) Candidates(ctx context.Context, m models.NormalizedMention) ([]models.Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "locator.Locator.Candidates")
	defer span.End()

	keys := l.MentionKeys(m)
	candidates, err := l.reader.FindCandidates(ctx, models.CandidateQuery{
		EntityType:     m.EntityType,
		Keys:           keys,
		NormalizedName: m.Key,
		Identifiers:    m.Identifiers,
		Limit:          l.config.CandidateLimit,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("locator.keys", len(keys)),
		attribute.Int("locator.candidates", len(candidates)),
	)
	l.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": m.EntityType,
		"keys":        len(keys),
		"candidates":  len(candidates),
	}).Debug("Located candidates")

	return candidates, nil
}

// Related returns the active entities sharing a blocking key with an existing entity, itself
// excluded. Keys cover the entity's name, aliases and identifiers.
func (l *Locator) Related(ctx context.Context, c models.Candidate) ([]models.Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "locator.Locator.Related")
	defer span.End()

	var keys []string
	for _, k := range c.Keys {
		keys = append(keys, l.NameKeys(k)...)
	}
	keys = dedupe(append(keys, IdentifierKeys(c.Entity.Identifiers)...))

	found, err := l.reader.FindCandidates(ctx, models.CandidateQuery{
		EntityType:     c.Entity.EntityType,
		Keys:           keys,
		NormalizedName: c.Entity.NormalizedName,
		Identifiers:    c.Entity.Identifiers,
		Limit:          l.config.CandidateLimit,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	out := found[:0]
	for _, f := range found {
		if f.Entity.ID != c.Entity.ID {
			out = append(out, f)
		}
	}
	span.SetAttributes(attribute.Int("locator.candidates", len(out)))
	return out, nil
}

// Reindex recomputes the blocking keys of an entity inside tx. Tombstoned entities lose all keys.
func (l *Locator) Reindex(ctx context.Context, tx store.Tx, entityID string) error {
	entity, err := tx.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if !entity.IsActive() {
		return tx.ReplaceBlockingKeys(ctx, entity.ID, entity.EntityType, nil)
	}

	aliases, err := tx.ListAliases(ctx, entity.ID)
	if err != nil {
		return err
	}
	return tx.ReplaceBlockingKeys(ctx, entity.ID, entity.EntityType, l.EntityKeys(*entity, aliases))
}

// unique drops repeated keys, keeping first occurrences in order.
func unique(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
