package webhook

import (
	"context"
	"encoding/json"

	"restosync/internal/broker"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/logging"
	"restosync/pkg/metrics"
	"restosync/pkg/models"
)

// AutomationHandler feeds automation events read from Kafka through the
// ingestor. The broker ACL authenticates the producer, so payloads are
// only shape-checked.
func (i *Ingestor) AutomationHandler() broker.HandlerFunc {
	return func(ctx context.Context, msg models.MessageEnvelope) error {
		if msg.Type != models.EventTypeAutomationEvent {
			i.logger.DebugwCtx(ctx, "Skipping non-automation message", "type", msg.Type, "message_id", msg.ID)
			return nil
		}
		res, err := i.IngestTrusted(ctx, msg.Payload)
		if err != nil {
			return err
		}
		if !res.Success {
			i.logger.WarnwCtx(ctx, "Automation event partially applied",
				"message_id", msg.ID,
				"ingestion_id", res.IngestionID,
				"errors", len(res.Errors),
			)
		}
		return nil
	}
}

// Enqueue authenticates a webhook request and hands it to the automation
// topic instead of applying it inline.
func (i *Ingestor) Enqueue(ctx context.Context, body []byte, h AuthHeaders) error {
	if i.queue == nil {
		return pkgerrors.ErrServiceUnavailable.WithDetail("message", "asynchronous ingestion is not configured")
	}
	p, err := ParsePayload(body)
	if err != nil {
		metrics.IncWebhookRequest("unknown", "invalid")
		return err
	}
	if err := i.verifier.Verify(ctx, p, body, h); err != nil {
		metrics.IncWebhookRequest(string(p.Event), "unauthenticated")
		return err
	}

	env, err := models.NewEnvelope(models.EventTypeAutomationEvent, "restosync.webhook", json.RawMessage(body))
	if err != nil {
		return err
	}
	env.Metadata = models.Metadata{
		TraceID:   logging.GetTraceID(ctx),
		RequestID: logging.GetRequestID(ctx),
	}
	if err := i.queue.Publish(ctx, i.queueTopic, *env); err != nil {
		return pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("message", "failed to enqueue webhook")
	}
	metrics.IncWebhookRequest(string(p.Event), "queued")
	return nil
}
