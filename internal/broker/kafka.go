package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"restosync/internal/config"
	"restosync/internal/constants"
	"restosync/internal/logger"
	"restosync/pkg/errors"
	"restosync/pkg/logging"
	"restosync/pkg/metrics"
	"restosync/pkg/models"
	"restosync/pkg/retry"
	"restosync/pkg/tracing"
)

const serviceName = "restosync"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, logger: log}
}

// Publish writes msg keyed by its ID. Callers that need per-entity ordering use PublishKeyed.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	return p.PublishKeyed(ctx, topic, msg.ID, msg)
}

// PublishKeyed writes msg with an explicit partition key so that all events
// for one entity land on the same partition in order.
func (p *KafkaProducer) PublishKeyed(ctx context.Context, topic, key string, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := tracing.InjectTraceContext(ctx, nil)

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   body,
		Headers: headers,
		Time:    start,
	})
	metrics.ObserveKafkaWriteDuration(serviceName, topic, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(serviceName, topic)
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	cfg       config.KafkaConfig
	logger    logger.Logger
	dlq       *KafkaProducer
	newReader func(topic string) messageReader

	mu     sync.Mutex
	reader messageReader
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	c := &KafkaConsumer{
		cfg:    cfg,
		logger: log,
	}
	c.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	if cfg.DLQTopic != "" {
		c.dlq = NewKafkaProducer(cfg, log)
	}
	return c
}

// Consume blocks, handing each message to handler until ctx is cancelled.
// Handler errors are retried per the configured policy; permanent errors and
// exhausted retries park the raw message on the DLQ when one is configured.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	reader := c.newReader(topic)
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	consumeCtx := logging.WithServiceName(ctx, serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic, "group_id", c.cfg.GroupID)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(consumeCtx, "Stopped consuming", "topic", topic)
				return ctx.Err()
			}
			c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message", "error", err, "topic", topic)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		metrics.IncKafkaMessagesRead(serviceName, topic)
		c.handle(ctx, topic, m, handler)

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.ErrorwCtx(consumeCtx, "Failed to commit message", "error", err, "topic", topic)
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, topic string, m kafka.Message, handler HandlerFunc) {
	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
	defer span.End()

	var envelope models.MessageEnvelope
	if err := json.Unmarshal(m.Value, &envelope); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to unmarshal message", "error", err, "topic", topic)
		c.park(msgCtx, topic, m, err)
		return
	}
	if err := envelope.Validate(); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Invalid message envelope", "error", err, "topic", topic)
		c.park(msgCtx, topic, m, err)
		return
	}

	if envelope.Metadata.RequestID != "" {
		msgCtx = logging.WithRequestID(msgCtx, envelope.Metadata.RequestID)
	}

	if err := c.processWithRetry(msgCtx, envelope, handler, topic); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to process message", "error", err, "topic", topic, "message_id", envelope.ID)
		c.park(msgCtx, topic, m, err)
	}
}

func (c *KafkaConsumer) retryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	if c.cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = c.cfg.Retry.MaxAttempts
	}
	if c.cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = c.cfg.Retry.InitialInterval
	}
	if c.cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = c.cfg.Retry.MaxInterval
	}
	if c.cfg.Retry.Multiplier > 0 {
		policy.Multiplier = c.cfg.Retry.Multiplier
	}
	if c.cfg.Retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = c.cfg.Retry.MaxElapsedTime
	}
	return policy
}

func (c *KafkaConsumer) processWithRetry(ctx context.Context, envelope models.MessageEnvelope, handler HandlerFunc, topic string) error {
	policy := c.retryPolicy()
	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
			}
		}()
		return handler(ctx, envelope)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

// park forwards the original bytes to the DLQ. Without a DLQ the message is
// dropped (and committed by the caller) so one poison message cannot stall the partition.
func (c *KafkaConsumer) park(ctx context.Context, topic string, m kafka.Message, cause error) {
	if c.dlq == nil {
		c.logger.WarnwCtx(ctx, "No DLQ configured, dropping message", "topic", topic, "offset", m.Offset)
		return
	}

	headers := append([]kafka.Header{},
		kafka.Header{Key: HeaderDLQReason, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderDLQSourceTopic, Value: []byte(topic)},
	)
	err := c.dlq.writer.WriteMessages(ctx, kafka.Message{
		Topic:   c.cfg.DLQTopic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: append(headers, m.Headers...),
		Time:    time.Now(),
	})
	if err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ", "error", err, "topic", topic)
		return
	}

	metrics.DLQMessagesTotal.WithLabelValues(serviceName, topic, errors.Code(cause)).Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ", "source_topic", topic, "dlq_topic", c.cfg.DLQTopic, "reason", cause.Error())
}

func (c *KafkaConsumer) Close() error {
	var err error
	c.mu.Lock()
	if c.reader != nil {
		err = c.reader.Close()
	}
	c.mu.Unlock()
	if c.dlq != nil {
		if closeErr := c.dlq.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
