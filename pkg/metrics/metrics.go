package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of finished sync runs by trigger and terminal status (count)",
		},
		[]string{"trigger", "status"},
	)

	SyncRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_ms",
			Help:    "Wall-clock duration of a sync run in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 300000, 900000},
		},
		[]string{"trigger"},
	)

	SyncEntitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_entities_total",
			Help: "Entities processed by sync runs by outcome (count)",
		},
		[]string{"outcome"},
	)

	DetectorDispositionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_dispositions_total",
			Help: "Candidate changes evaluated by disposition, change type and source (count)",
		},
		[]string{"disposition", "change_type", "source"},
	)

	DetectorEvaluateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detector_evaluate_duration_ms",
			Help:    "Duration of a single candidate evaluation in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"status"},
	)

	LookupRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookup_requests_total",
			Help: "Total number of lookup provider requests (count)",
		},
		[]string{"provider", "status"},
	)

	LookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lookup_duration_ms",
			Help:    "Duration of lookup provider requests in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		},
		[]string{"provider"},
	)

	LookupCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookup_cache_total",
			Help: "Lookup cache hits and misses (count)",
		},
		[]string{"result"},
	)

	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Inbound webhook requests by event and terminal status (count)",
		},
		[]string{"event", "status"},
	)

	WebhookAuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_auth_failures_total",
			Help: "Webhook authentication failures by reason and whether the request was still accepted (count)",
		},
		[]string{"reason", "enforced"},
	)

	EnrichmentRecomputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_recomputes_total",
			Help: "Enrichment profile recomputations by resulting status (count)",
		},
		[]string{"status"},
	)

	EnrichmentScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_score",
			Help:    "Distribution of recomputed enrichment scores (ratio, 0.0 to 1.0)",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.75, 0.9, 1},
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"repository", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"repository", "operation"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SyncRunsTotal,
			SyncRunDuration,
			SyncEntitiesTotal,
			DetectorDispositionsTotal,
			DetectorEvaluateDuration,
			LookupRequestsTotal,
			LookupDuration,
			LookupCacheTotal,
			WebhookRequestsTotal,
			WebhookAuthFailuresTotal,
			EnrichmentRecomputesTotal,
			EnrichmentScore,
			RetryAttemptsTotal,
			DLQMessagesTotal,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
			KafkaMessagesReadTotal,
			KafkaMessagesWrittenTotal,
			KafkaWriteDuration,
			DatabaseQueriesTotal,
			DatabaseQueryDuration,
		)
	})
}

func ObserveSyncRun(trigger, status string, duration time.Duration) {
	SyncRunsTotal.WithLabelValues(trigger, status).Inc()
	SyncRunDuration.WithLabelValues(trigger).Observe(float64(duration.Milliseconds()))
}

func AddSyncEntities(outcome string, n int) {
	if n <= 0 {
		return
	}
	SyncEntitiesTotal.WithLabelValues(outcome).Add(float64(n))
}

func IncDisposition(disposition, changeType, source string) {
	DetectorDispositionsTotal.WithLabelValues(disposition, changeType, source).Inc()
}

func ObserveEvaluateDuration(status string, duration time.Duration) {
	DetectorEvaluateDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func IncLookupRequest(provider, status string) {
	LookupRequestsTotal.WithLabelValues(provider, status).Inc()
}

func ObserveLookupDuration(provider string, duration time.Duration) {
	LookupDuration.WithLabelValues(provider).Observe(float64(duration.Milliseconds()))
}

func IncLookupCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	LookupCacheTotal.WithLabelValues(result).Inc()
}

func IncWebhookRequest(event, status string) {
	WebhookRequestsTotal.WithLabelValues(event, status).Inc()
}

func IncWebhookAuthFailure(reason string, enforced bool) {
	e := "false"
	if enforced {
		e = "true"
	}
	WebhookAuthFailuresTotal.WithLabelValues(reason, e).Inc()
}

func ObserveEnrichment(status string, score float64) {
	EnrichmentRecomputesTotal.WithLabelValues(status).Inc()
	EnrichmentScore.Observe(score)
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

// ObserveQuery records one repository call. Pass the error the call returned.
func ObserveQuery(repository, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueriesTotal.WithLabelValues(repository, operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(repository, operation).Observe(float64(time.Since(start).Milliseconds()))
}
