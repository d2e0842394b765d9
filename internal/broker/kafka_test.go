package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/config"
	"restosync/internal/logger"
	apperrors "restosync/pkg/errors"
	"restosync/pkg/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m, nil
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

func envelopeMessage(t *testing.T, offset int64, payload string) kafka.Message {
	t.Helper()
	env := models.MessageEnvelope{ID: "m", Type: models.EventTypeAutomationEvent, Payload: json.RawMessage(payload)}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: body}
}

func newTestConsumer(reader *fakeReader, dlq *fakeWriter) *KafkaConsumer {
	cfg := config.KafkaConfig{
		DLQTopic: "dlq",
		Retry:    config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, Multiplier: 1},
	}
	c := &KafkaConsumer{cfg: cfg, logger: logger.NopLogger()}
	c.newReader = func(string) messageReader { return reader }
	if dlq != nil {
		c.dlq = &KafkaProducer{writer: dlq, logger: logger.NopLogger()}
	}
	return c
}

func TestKafkaProducer_PublishKeyed(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, logger: logger.NopLogger()}

	env, err := models.NewEnvelope(models.EventTypeChangeRecorded, "detector", map[string]string{"entity_id": "e-1"})
	require.NoError(t, err)

	require.NoError(t, p.PublishKeyed(context.Background(), "change_events", "e-1", *env))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "change_events", w.messages[0].Topic)
	assert.Equal(t, []byte("e-1"), w.messages[0].Key)

	var decoded models.MessageEnvelope
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, env.ID, decoded.ID)
}

func TestKafkaProducer_WriteError(t *testing.T) {
	p := &KafkaProducer{writer: &fakeWriter{err: errors.New("broker down")}, logger: logger.NopLogger()}
	err := p.Publish(context.Background(), "t", models.MessageEnvelope{ID: "x"})
	assert.ErrorContains(t, err, "broker down")
}

func TestKafkaConsumer_Consume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{cancel: cancel, queue: []kafka.Message{
		envelopeMessage(t, 1, `{"ok":true}`),
		{Offset: 2, Value: []byte("not json")},
		envelopeMessage(t, 3, `{"bad":true}`),
		envelopeMessage(t, 4, `{"flaky":true}`),
	}}
	dlq := &fakeWriter{}
	c := newTestConsumer(reader, dlq)

	flakyCalls := 0
	handled := map[string]int{}
	err := c.Consume(ctx, "automation_events", func(_ context.Context, msg models.MessageEnvelope) error {
		var body map[string]bool
		require.NoError(t, json.Unmarshal(msg.Payload, &body))
		switch {
		case body["bad"]:
			handled["bad"]++
			return apperrors.ErrInvalidRequest
		case body["flaky"]:
			flakyCalls++
			if flakyCalls == 1 {
				return errors.New("transient")
			}
		}
		handled["ok"]++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
	assert.Equal(t, 1, handled["bad"], "permanent errors are not retried")
	assert.Equal(t, 2, flakyCalls)
	assert.Equal(t, 2, handled["ok"])

	require.Len(t, dlq.messages, 2)
	assert.Equal(t, "dlq", dlq.messages[0].Topic)
	assert.Equal(t, []byte("not json"), dlq.messages[0].Value)
	assert.Equal(t, HeaderDLQReason, dlq.messages[1].Headers[0].Key)
}
