package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestCarrierCarriesTraceContext(t *testing.T) {
	t.Parallel()
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	attrs := map[string]string{"state": "complete"}
	c := &carrier{attrs: attrs}
	propagation.TraceContext{}.Inject(ctx, c)

	require.NotEmpty(t, c.Get("traceparent"))
	require.ElementsMatch(t, []string{"state", "traceparent"}, c.Keys())

	extracted := propagation.TraceContext{}.Extract(context.Background(), c)
	require.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()
	_, err := New(nil).Publish(context.Background(), "job.complete", map[string]string{})
	require.Error(t, err)
	require.NoError(t, New(nil).Close())
}

func TestDialRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), "", "jobs")
	require.Error(t, err)
	_, err = Dial(context.Background(), "project", "")
	require.Error(t, err)
}
