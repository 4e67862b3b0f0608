package events

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// KafkaSink publishes events keyed by entity ID.
type KafkaSink struct {
	producer *kafka.Producer
}

func NewKafkaSink(producer *kafka.Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Emit(ctx context.Context, event Event) error {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaSink.Emit")
	defer span.End()

	return s.producer.Publish(ctx, event.EntityID, map[string]string{
		"event_type":     string(event.Type),
		"entity_type":    string(event.EntityType),
		"schema_version": event.SchemaVersion,
	}, event)
}
