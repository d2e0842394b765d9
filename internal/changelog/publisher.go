package changelog

import (
	"context"
	"fmt"

	"restosync/internal/broker"
	"restosync/internal/logger"
	"restosync/pkg/logging"
	"restosync/pkg/models"
)

const eventSource = "restosync.detector"

// Publisher announces recorded entries on the change-events topic, keyed by
// entity so consumers see one entity's history in order.
type Publisher struct {
	producer broker.KeyedProducer
	topic    string
	logger   logger.Logger
}

func NewPublisher(producer broker.KeyedProducer, topic string, log logger.Logger) *Publisher {
	return &Publisher{producer: producer, topic: topic, logger: log}
}

func (p *Publisher) Publish(ctx context.Context, e Entry) error {
	env, err := models.NewEnvelope(models.EventTypeChangeRecorded, eventSource, e)
	if err != nil {
		return err
	}
	env.Metadata = models.Metadata{
		TraceID:   logging.GetTraceID(ctx),
		RunID:     logging.GetRunID(ctx),
		RequestID: logging.GetRequestID(ctx),
	}
	if err := p.producer.PublishKeyed(ctx, p.topic, e.EntityID, *env); err != nil {
		return fmt.Errorf("failed to publish change %s: %w", e.ID, err)
	}
	p.logger.DebugwCtx(ctx, "Change event published",
		"change_id", e.ID,
		"entity_id", e.EntityID,
		"disposition", e.Disposition,
	)
	return nil
}
