package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	ShutdownTimeout    = 5 * time.Second
)

const (
	CacheKeyPrefixLookup = "lookup:"
	LockKeyPrefixEntity  = "lock:entity:"
)

const (
	DefaultChangeEventsTopic     = "change_events"
	DefaultAutomationEventsTopic = "automation_events"
)

const (
	DefaultMongoDBName         = "restosync"
	WebhookArchiveCollection   = "webhook_payloads"
	DefaultWebhookArchiveLimit = 1 << 20
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = 2 * time.Second
	DefaultStaleAfter = 7 * 24 * time.Hour
	MaxRunErrors      = 50
	PreviewSampleSize = 5
)

const (
	DefaultLookupTimeout      = 15 * time.Second
	DefaultLookupRetryBackoff = 2 * time.Second
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
)
