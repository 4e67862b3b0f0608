// Package ingest resolves raw mentions arriving from source connectors over Kafka.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/apperror"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

const (
	HeaderSourceType     = "source_type"
	HeaderSourceRecordID = "source_record_id"
)

type Resolver interface {
	Resolve(ctx context.Context, mention models.Mention) (*models.Resolution, error)
}

// ResultPublisher receives the outcome of each resolved mention.
type ResultPublisher interface {
	Publish(ctx context.Context, key string, headers map[string]string, value any) error
}

// Result is the message written back for connectors to key their records on.
type Result struct {
	SourceType     string            `json:"source_type,omitempty"`
	SourceRecordID string            `json:"source_record_id,omitempty"`
	EntityType     models.EntityType `json:"entity_type"`
	Resolution     models.Resolution `json:"resolution"`
}

type Handler struct {
	logger    ectologger.Logger
	resolver  Resolver
	publisher ResultPublisher
}

func NewHandler(logger ectologger.Logger, resolver Resolver, publisher ResultPublisher) *Handler {
	return &Handler{logger: logger, resolver: resolver, publisher: publisher}
}

// Handle resolves one mention message. Malformed or invalid mentions are permanent failures; storage
// failures are returned as-is so the consumer redelivers.
func (h *Handler) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "ingest.Handler.Handle")
	defer span.End()

	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var mention models.Mention
	if err := json.Unmarshal(msg.Value, &mention); err != nil {
		log.WithError(err).Warn("Dropping undecodable mention")
		return kafka.Permanent(apperror.Wrap(apperror.KindInvalidInput, err, "decode mention"))
	}
	if mention.SourceType == "" {
		mention.SourceType = msg.Header(HeaderSourceType)
	}
	if mention.SourceRecordID == "" {
		mention.SourceRecordID = msg.Header(HeaderSourceRecordID)
	}
	if mention.SourceType != "" {
		ctx = appctx.SetSource(ctx, mention.SourceType)
	}

	if _, err := utils.Validate(mention); err != nil {
		log.WithError(err).Warn("Dropping invalid mention")
		return kafka.Permanent(apperror.Wrap(apperror.KindInvalidInput, err, "invalid mention"))
	}

	res, err := h.resolver.Resolve(ctx, mention)
	if err != nil {
		tracing.RecordError(span, err)
		if apperror.IsKind(err, apperror.KindInvalidInput) {
			log.WithError(err).Warn("Dropping unresolvable mention")
			return kafka.Permanent(err)
		}
		return err
	}

	log.WithFields(map[string]any{
		"canonical_id": res.CanonicalID,
		"decision":     res.Decision,
	}).Debug("Resolved mention")

	if h.publisher == nil {
		return nil
	}
	key := res.CanonicalID
	if mention.SourceRecordID != "" {
		key = mention.SourceRecordID
	}
	return h.publisher.Publish(ctx, key, map[string]string{
		HeaderSourceType: mention.SourceType,
		"decision":       string(res.Decision),
	}, Result{
		SourceType:     mention.SourceType,
		SourceRecordID: mention.SourceRecordID,
		EntityType:     mention.EntityType,
		Resolution:     *res,
	})
}
