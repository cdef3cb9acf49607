package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is a Telemetry wired to in-memory exporters. Ended spans
// land in Recorder and metrics are pulled through Collect; nothing leaves
// the process.
type TestTelemetry struct {
	*Telemetry

	Recorder *tracetest.SpanRecorder
	reader   *sdkmetric.ManualReader
}

// NewTestTelemetry builds a telemetry instance for tests. It does not
// touch the otel globals, so parallel tests stay isolated.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg:     cfg,
			traces:  sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
			metrics: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		Recorder: rec,
		reader:   reader,
	}
}

// EndedSpans returns every span finished so far.
func (tt *TestTelemetry) EndedSpans() []sdktrace.ReadOnlySpan {
	return tt.Recorder.Ended()
}

// Span returns the first ended span with the given name, or nil.
func (tt *TestTelemetry) Span(name string) sdktrace.ReadOnlySpan {
	for _, s := range tt.Recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// RequireSpan fails the test when no ended span carries the given name.
func (tt *TestTelemetry) RequireSpan(tb testing.TB, name string) sdktrace.ReadOnlySpan {
	tb.Helper()
	s := tt.Span(name)
	if s == nil {
		names := make([]string, 0, len(tt.Recorder.Ended()))
		for _, e := range tt.Recorder.Ended() {
			names = append(names, e.Name())
		}
		tb.Fatalf("span %q not recorded, have %v", name, names)
	}
	return s
}

// Collect drains the manual metric reader.
func (tt *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := tt.reader.Collect(ctx, &rm)
	return rm, err
}

// SpanAttr looks up an attribute on a recorded span.
func SpanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}
