package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	prop := propagation.TraceContext{}
	c := &carrier{attrs: map[string]string{}}
	prop.Inject(ctx, c)
	require.Contains(t, c.Keys(), "traceparent")

	extracted := prop.Extract(context.Background(), c)
	require.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}

func TestMessageAttributes(t *testing.T) {
	t.Parallel()

	attrs := messageAttributes(context.Background(), "crawl-runs")
	require.Equal(t, EventRunSummary, attrs[AttrEventType])
	require.Equal(t, "crawl-runs", attrs[AttrTopic])

	attrs = messageAttributes(context.Background(), "")
	require.NotContains(t, attrs, AttrTopic)
}

func TestPublishWithoutTopicPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "runs", map[string]int{"a": 1})
	require.Error(t, err)

	var nilPub *Publisher
	_, err = nilPub.Publish(context.Background(), "runs", nil)
	require.Error(t, err)
	nilPub.Close()
}

func TestDialRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "", "runs")
	require.Error(t, err)
	_, err = Dial(context.Background(), "proj", "")
	require.Error(t, err)
}
