package bootstrap

import (
	"context"
	"fmt"

	"restosync/internal/broker"
	"restosync/internal/config"
	"restosync/internal/logger"
)

// Base holds the pieces every entry point (server, one-shot CLI jobs) needs.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer *broker.KafkaProducer
	Consumer *broker.KafkaConsumer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBroker is a no-op when no Kafka brokers are configured. withConsumer
// is false for one-shot jobs that only publish.
func (b *Base) InitBroker(ctx context.Context, withConsumer bool) error {
	kc := b.Config.Broker.Kafka
	if !kc.Enabled() {
		b.Logger.InfowCtx(ctx, "Kafka not configured, change events and automation consumer disabled")
		return nil
	}

	b.Producer = broker.NewKafkaProducer(kc, b.Logger)
	if withConsumer && kc.AutomationEventsTopic != "" {
		b.Consumer = broker.NewKafkaConsumer(kc, b.Logger)
	}
	return nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}

	return errs
}
