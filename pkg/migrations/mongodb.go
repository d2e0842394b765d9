package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// WebhookArchiveRetentionSeconds bounds how long raw webhook payloads are kept.
const WebhookArchiveRetentionSeconds int32 = 30 * 24 * 60 * 60

func EnsureWebhookArchive(ctx context.Context, db *mongo.Database, collectionName string) error {
	collection := db.Collection(collectionName)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ingestion_id", Value: 1}},
			Options: options.Index().SetName("idx_webhook_payloads_ingestion_id").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "received_at", Value: -1}},
			Options: options.Index().SetName("idx_webhook_payloads_source_received"),
		},
		{
			Keys: bson.D{{Key: "received_at", Value: 1}},
			Options: options.Index().
				SetName("idx_webhook_payloads_ttl").
				SetExpireAfterSeconds(WebhookArchiveRetentionSeconds),
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes on %s: %w", collectionName, err)
		}
	}

	return nil
}
