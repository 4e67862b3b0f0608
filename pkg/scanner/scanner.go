// Package scanner proposes merge candidates by pairwise scoring of active entities. It only reads
// committed state.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Config struct {
	// PageSize is how many active entities are read per page.
	PageSize int `json:"page_size"`
	// Concurrency bounds the entities scored at once.
	Concurrency   int     `json:"concurrency"`
	MinConfidence float64 `json:"min_confidence"`
	MaxConfidence float64 `json:"max_confidence"`
	Limit         int     `json:"limit"`
}

func DefaultConfig() Config {
	return Config{
		PageSize:      500,
		Concurrency:   4,
		MinConfidence: 0.70,
		MaxConfidence: 0.90,
		Limit:         100,
	}
}

// Query selects the pairs to report. Zero values take the configured defaults; an empty
// EntityType scans every type.
type Query struct {
	EntityType    models.EntityType `query:"entity_type"`
	MinConfidence float64           `query:"min_confidence"`
	MaxConfidence float64           `query:"max_confidence"`
	Limit         int               `query:"limit"`
}

type Scanner struct {
	logger  ectologger.Logger
	reader  store.Reader
	locator *locator.Locator
	matcher *matching.Matcher
	config  Config
}

func New(logger ectologger.Logger, reader store.Reader, loc *locator.Locator, matcher *matching.Matcher, config Config) *Scanner {
	defaults := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.MaxConfidence <= 0 {
		config.MinConfidence, config.MaxConfidence = defaults.MinConfidence, defaults.MaxConfidence
	}
	return &Scanner{logger: logger, reader: reader, locator: loc, matcher: matcher, config: config}
}

func (s *Scanner) withDefaults(q Query) (Query, error) {
	if q.MinConfidence == 0 && q.MaxConfidence == 0 {
		q.MinConfidence, q.MaxConfidence = s.config.MinConfidence, s.config.MaxConfidence
	} else if q.MaxConfidence == 0 {
		q.MaxConfidence = s.config.MaxConfidence
	}
	if q.Limit <= 0 {
		q.Limit = s.config.Limit
	}
	if q.EntityType != "" && !q.EntityType.Valid() {
		return q, apperror.New(apperror.KindInvalidInput, "unknown entity type %q", q.EntityType)
	}
	if q.MinConfidence < 0 || q.MaxConfidence > 1.0 || q.MinConfidence >= q.MaxConfidence {
		return q, apperror.New(apperror.KindInvalidInput, "confidence band [%g, %g) is empty or out of range", q.MinConfidence, q.MaxConfidence)
	}
	return q, nil
}

type pairKey struct{ a, b string }

// FindDuplicates scores every active entity against its blocking-key neighbours and returns the pairs
// whose confidence falls in [MinConfidence, MaxConfidence), highest first. An entity that fails to
// score is logged and skipped. Cancelling ctx stops the scan with ctx's error.
func (s *Scanner) FindDuplicates(ctx context.Context, q Query) ([]models.DuplicatePair, error) {
	ctx, span := tracing.StartSpan(ctx, "scanner.Scanner.FindDuplicates")
	defer span.End()
	start := time.Now()

	q, err := s.withDefaults(q)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type":    q.EntityType,
		"min_confidence": q.MinConfidence,
		"max_confidence": q.MaxConfidence,
	})

	var (
		mu    sync.Mutex
		found = make(map[pairKey]models.DuplicatePair)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	scanned := 0
	after := ""
	for gctx.Err() == nil {
		page, err := s.reader.ListActive(gctx, q.EntityType, after, s.config.PageSize)
		if err != nil {
			if gctx.Err() == nil {
				err = apperror.Wrap(apperror.KindInternal, err, "list active entities after %q", after)
			}
			_ = g.Wait()
			tracing.RecordError(span, err)
			return nil, s.stopped(ctx, err)
		}
		for _, c := range page {
			c := c
			scanned++
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				pairs, err := s.scoreEntity(gctx, c, q)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.WithError(err).WithField("entity_id", c.Entity.ID).Warn("Skipping entity in duplicate scan")
					return nil
				}
				mu.Lock()
				for _, p := range pairs {
					found[pairKey{p.EntityA, p.EntityB}] = p
				}
				mu.Unlock()
				return nil
			})
		}
		if len(page) < s.config.PageSize {
			break
		}
		after = page[len(page)-1].Entity.ID
	}

	if err := g.Wait(); err != nil {
		tracing.RecordError(span, err)
		return nil, s.stopped(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pairs := make([]models.DuplicatePair, 0, len(found))
	for _, p := range found {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Confidence != pairs[j].Confidence {
			return pairs[i].Confidence > pairs[j].Confidence
		}
		if pairs[i].EntityA != pairs[j].EntityA {
			return pairs[i].EntityA < pairs[j].EntityA
		}
		return pairs[i].EntityB < pairs[j].EntityB
	})
	if len(pairs) > q.Limit {
		pairs = pairs[:q.Limit]
	}

	span.SetAttributes(
		attribute.Int("scanner.entities", scanned),
		attribute.Int("scanner.pairs", len(pairs)),
	)
	metrics.RecordScan(string(q.EntityType), len(pairs), time.Since(start).Seconds())
	log.WithFields(map[string]any{
		"entities": scanned,
		"pairs":    len(pairs),
	}).Info("Duplicate scan finished")
	return pairs, nil
}

// stopped prefers the caller's cancellation over the error that surfaced it.
func (s *Scanner) stopped(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *Scanner) scoreEntity(ctx context.Context, c models.Candidate, q Query) ([]models.DuplicatePair, error) {
	related, err := s.locator.Related(ctx, c)
	if err != nil {
		return nil, err
	}

	var pairs []models.DuplicatePair
	for _, other := range related {
		match, ok := s.matcher.ComparePair(c, other)
		if !ok || match.Confidence < q.MinConfidence || match.Confidence >= q.MaxConfidence {
			continue
		}
		a, b := c.Entity.ID, other.Entity.ID
		if b < a {
			a, b = b, a
		}
		pairs = append(pairs, models.DuplicatePair{
			EntityA:    a,
			EntityB:    b,
			EntityType: c.Entity.EntityType,
			Confidence: match.Confidence,
			Method:     match.Method,
		})
	}
	return pairs, nil
}
