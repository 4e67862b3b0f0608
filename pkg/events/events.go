// Package events delivers post-commit lifecycle events to downstream sinks.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

type Type string

const (
	EntityCreated     Type = "entity.created"
	EntityUpdated     Type = "entity.updated"
	EntityMerged      Type = "entity.merged"
	EntitySplit       Type = "entity.split"
	AliasAttached     Type = "alias.attached"
	AliasQueued       Type = "alias.queued"
	AliasAdded        Type = "alias.added"
	HistoryRolledBack Type = "history.rolled_back"
)

// Event describes one committed change. EntityID is the entity the event is about;
// RelatedEntityID is the other side of a merge or split.
type Event struct {
	Type            Type                    `json:"event_type"`
	EntityID        string                  `json:"entity_id"`
	EntityType      models.EntityType       `json:"entity_type"`
	RelatedEntityID string                  `json:"related_entity_id,omitempty"`
	Entity          *models.CanonicalEntity `json:"entity,omitempty"`
	Alias           *models.EntityAlias     `json:"alias,omitempty"`
	HistoryID       string                  `json:"history_id,omitempty"`
	Confidence      float64                 `json:"confidence,omitempty"`
	Method          models.MatchMethod      `json:"method,omitempty"`
	PerformedBy     string                  `json:"performed_by,omitempty"`
	SchemaVersion   string                  `json:"schema_version"`
	Timestamp       time.Time               `json:"timestamp"`
}

// Sink receives events.
type Sink interface {
	Name() string
	Emit(ctx context.Context, event Event) error
}

// Noop drops events.
type Noop struct{}

func (Noop) Name() string                      { return "noop" }
func (Noop) Emit(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, event); err != nil {
			metrics.RecordSinkError(sink.Name())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher stamps events and hands them to a sink. Delivery failures are logged only:
// the change is already committed.
type Publisher struct {
	sink   Sink
	logger ectologger.Logger
	now    func() time.Time
}

func NewPublisher(sink Sink, logger ectologger.Logger) *Publisher {
	if sink == nil {
		sink = Noop{}
	}
	return &Publisher{sink: sink, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (p *Publisher) Publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "events.Publisher.Publish")
	defer span.End()

	for _, event := range events {
		event.SchemaVersion = SchemaVersion
		if event.Timestamp.IsZero() {
			event.Timestamp = p.now()
		}
		if err := p.sink.Emit(ctx, event); err != nil {
			tracing.RecordError(span, err)
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"event_type": event.Type,
				"entity_id":  event.EntityID,
			}).Warn("Failed to deliver event")
		}
	}
}
