package telemetry

import (
	"context"
	"fmt"
	"io"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter kinds accepted by NewExporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterGCP    = "gcp"
)

// NewExporter builds the span exporter named by kind. "none" and "" return a
// nil exporter. The stdout exporter writes JSON spans to w.
func NewExporter(_ context.Context, kind, projectID string, w io.Writer) (sdktrace.SpanExporter, error) {
	switch kind {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		return exp, nil
	case ExporterGCP:
		if projectID == "" {
			return nil, fmt.Errorf("gcp trace exporter needs a project id")
		}
		exp, err := texporter.New(texporter.WithProjectID(projectID))
		if err != nil {
			return nil, fmt.Errorf("create google trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", kind)
	}
}
