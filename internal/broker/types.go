package broker

import (
	"context"

	"restosync/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
	Close() error
}

// KeyedProducer preserves per-key ordering by routing on an explicit partition key.
type KeyedProducer interface {
	Producer
	PublishKeyed(ctx context.Context, topic, key string, msg models.MessageEnvelope) error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
}

type HandlerFunc func(ctx context.Context, msg models.MessageEnvelope) error

// Header keys attached to messages parked on the DLQ.
const (
	HeaderDLQReason      = "dlq_reason"
	HeaderDLQSourceTopic = "dlq_source_topic"
)
