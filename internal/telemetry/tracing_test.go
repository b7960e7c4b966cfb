package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func TestInitTracerProviderInstallsGlobalProvider(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), "wiki-circuit-test", sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "crawler.visit")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "crawler.visit", spans[0].Name)
	require.Contains(t, spans[0].Resource.Attributes(), semconv.ServiceName("wiki-circuit-test"))
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestStdoutExporterWritesBatchedSpans(t *testing.T) {
	var out bytes.Buffer
	exp, err := NewExporter(context.Background(), ExporterStdout, "", &out)
	require.NoError(t, err)
	require.NotNil(t, exp)

	tp, err := InitTracerProvider(context.Background(), "wiki-circuit-test", sdktrace.WithBatcher(exp))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "crawler.visit")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	require.Contains(t, out.String(), `"Name":"crawler.visit"`)
}

func TestNewExporterKinds(t *testing.T) {
	t.Parallel()

	exp, err := NewExporter(context.Background(), ExporterNone, "", nil)
	require.NoError(t, err)
	require.Nil(t, exp)

	exp, err = NewExporter(context.Background(), "", "", nil)
	require.NoError(t, err)
	require.Nil(t, exp)

	_, err = NewExporter(context.Background(), ExporterGCP, "", nil)
	require.ErrorContains(t, err, "project id")

	_, err = NewExporter(context.Background(), "jaeger", "", nil)
	require.ErrorContains(t, err, "unknown trace exporter")
}
