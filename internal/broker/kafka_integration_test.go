package broker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/broker"
	"restosync/internal/config"
	"restosync/internal/logger"
	"restosync/internal/testinfra"
	"restosync/pkg/models"
)

func TestKafka_RoundTrip(t *testing.T) {
	brokers := testinfra.Kafka(t)
	cfg := config.KafkaConfig{Brokers: brokers, GroupID: "restosync-test"}
	const topic = "restaurant.automation-events"

	producer := broker.NewKafkaProducer(cfg, logger.NopLogger())
	defer producer.Close()

	msg, err := models.NewEnvelope(models.EventTypeAutomationEvent, "restosync.test", json.RawMessage(`{"event":"closure"}`))
	require.NoError(t, err)

	// The first write may race topic auto-creation.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return producer.PublishKeyed(ctx, topic, "cafe-a", *msg) == nil
	}, 30*time.Second, time.Second)

	consumer := broker.NewKafkaConsumer(cfg, logger.NopLogger())
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	received := make(chan models.MessageEnvelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(ctx, topic, func(_ context.Context, m models.MessageEnvelope) error {
			select {
			case received <- m:
			default:
			}
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, models.EventTypeAutomationEvent, got.Type)
		assert.JSONEq(t, `{"event":"closure"}`, string(got.Payload))
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
