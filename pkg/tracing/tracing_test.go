package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"restosync/internal/config"
	"restosync/pkg/logging"
)

func TestKafkaHeaderRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, span := StartSpan(context.Background(), "test", "publish")
	defer span.End()

	headers := InjectTraceContext(ctx, []kafka.Header{{Key: "message_id", Value: []byte("m-1")}})
	require.Len(t, headers, 2)

	extracted, consumerSpan := StartSpanFromKafkaMessage(context.Background(), "consume", headers)
	defer consumerSpan.End()

	assert.Equal(t, span.SpanContext().TraceID(), consumerSpan.SpanContext().TraceID())
	assert.Equal(t, span.SpanContext().TraceID().String(), logging.GetTraceID(extracted))
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, "restosync")
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}
