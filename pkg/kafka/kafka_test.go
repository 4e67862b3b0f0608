package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "fern.events", discard())

	err := p.Publish(context.Background(), "e1", map[string]string{"event_type": "entity.created"}, map[string]string{"id": "e1"})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "e1", string(msg.Key))

	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "e1", body["id"])

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "entity.created", headers["event_type"])
}

func TestProducer_PublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newProducer(w, "fern.events", discard())

	err := p.Publish(context.Background(), "e1", nil, struct{}{})
	assert.EqualError(t, err, "broker down")
}

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_CommitPolicy(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 3)}
	var calls atomic.Int32

	handler := func(_ context.Context, msg *IncomingMessage) error {
		calls.Add(1)
		switch msg.Offset {
		case 2:
			return Permanent(errors.New("bad payload"))
		case 3:
			return errors.New("store unavailable")
		}
		return nil
	}

	c := newConsumer(reader, ConsumerConfig{Topic: "fern.mentions", MaxAttempts: 2, RetryBackoff: time.Millisecond}, discard(), handler)
	require.NoError(t, c.Start(context.Background()))

	for offset := int64(1); offset <= 3; offset++ {
		reader.msgs <- kafka.Message{Topic: "fern.mentions", Offset: offset}
	}

	require.Eventually(t, func() bool { return calls.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Health())
	require.NoError(t, c.Stop())
	assert.False(t, c.Health())

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, []int64{1, 2}, reader.committed)
}

func TestPermanent(t *testing.T) {
	cause := errors.New("bad")
	err := Permanent(cause)

	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Permanent(nil))
}
