package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"restosync/internal/constants"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/metrics"
)

// ArchivedPayload is the raw request body kept for forensic replay.
type ArchivedPayload struct {
	IngestionID string    `bson:"ingestion_id" json:"ingestionId"`
	Source      string    `bson:"source" json:"source"`
	Event       string    `bson:"event" json:"event"`
	Body        string    `bson:"body" json:"body"`
	Truncated   bool      `bson:"truncated" json:"truncated"`
	Signed      bool      `bson:"signed" json:"signed"`
	ReceivedAt  time.Time `bson:"received_at" json:"receivedAt"`
}

type Archive interface {
	Save(ctx context.Context, p *ArchivedPayload) error
	Get(ctx context.Context, ingestionID string) (*ArchivedPayload, error)
}

func newArchivedPayload(ingestionID string, p *Payload, body []byte, signed bool, at time.Time) *ArchivedPayload {
	a := &ArchivedPayload{
		IngestionID: ingestionID,
		Source:      string(p.Source),
		Event:       string(p.Event),
		Signed:      signed,
		ReceivedAt:  at,
	}
	if len(body) > constants.DefaultWebhookArchiveLimit {
		body = body[:constants.DefaultWebhookArchiveLimit]
		a.Truncated = true
	}
	a.Body = string(body)
	return a
}

type MongoArchive struct {
	collection *mongo.Collection
}

func NewMongoArchive(db *mongo.Database) *MongoArchive {
	return &MongoArchive{collection: db.Collection(constants.WebhookArchiveCollection)}
}

func (a *MongoArchive) Save(ctx context.Context, p *ArchivedPayload) (err error) {
	defer func(start time.Time) { metrics.ObserveQuery("webhook_payloads", "insert", start, err) }(time.Now())

	if _, err = a.collection.InsertOne(ctx, p); err != nil {
		return fmt.Errorf("failed to archive webhook payload: %w", err)
	}
	return nil
}

func (a *MongoArchive) Get(ctx context.Context, ingestionID string) (*ArchivedPayload, error) {
	var p ArchivedPayload
	err := a.collection.FindOne(ctx, bson.M{"ingestion_id": ingestionID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, pkgerrors.ErrNotFound.WithDetail("ingestion", ingestionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived payload: %w", err)
	}
	return &p, nil
}
