package events

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps every event it receives.
type recorder struct {
	name   string
	events []Event
	err    error
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Emit(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recorder{name: "ok"}
	failing := &recorder{name: "failing", err: errors.New("down")}

	err := Multi{failing, ok}.Emit(context.Background(), Event{Type: EntityCreated, EntityID: "e1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.events, 1)
}

func TestPublisher_StampsAndSwallowsErrors(t *testing.T) {
	sink := &recorder{name: "r", err: errors.New("down")}
	p := NewPublisher(sink, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))

	p.Publish(context.Background(), Event{Type: EntityMerged, EntityID: "a"}, Event{Type: AliasAdded, EntityID: "b"})

	require.Len(t, sink.events, 2)
	for _, e := range sink.events {
		assert.Equal(t, SchemaVersion, e.SchemaVersion)
		assert.False(t, e.Timestamp.IsZero())
	}
}
