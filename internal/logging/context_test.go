package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// fieldMap keys a field slice for direct assertions.
func fieldMap(fields []zap.Field) map[string]zap.Field {
	m := make(map[string]zap.Field, len(fields))
	for _, f := range fields {
		m[f.Key] = f
	}
	return m
}

// spanContext returns a ctx carrying a real sampled span.
func spanContext(t *testing.T) context.Context {
	t.Helper()
	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithSyncer(tracetest.NewInMemoryExporter()),
	)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := provider.Tracer("logging-test").Start(context.Background(), "op")
	t.Cleanup(func() { span.End() })
	return ctx
}

func TestContextFields_EmptyContext(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_TraceCorrelation(t *testing.T) {
	fields := fieldMap(ContextFields(spanContext(t)))

	assert.Len(t, fields["trace_id"].String, 32)
	assert.Len(t, fields["span_id"].String, 16)
	// zap carries bools in the Integer slot.
	assert.EqualValues(t, 1, fields["trace_sampled"].Integer)
}

func TestContextFields_CorrelationIDs(t *testing.T) {
	ctx := WithProjectID(context.Background(), "proj_acme")
	ctx = WithSessionID(ctx, "sess_123")
	ctx = WithTaskID(ctx, "2.1.3")
	ctx = WithRequestID(ctx, "req_456")

	fields := fieldMap(ContextFields(ctx))

	assert.Len(t, fields, 4)
	assert.Equal(t, "proj_acme", fields["project.id"].String)
	assert.Equal(t, "sess_123", fields["session.id"].String)
	assert.Equal(t, "2.1.3", fields["task.id"].String)
	assert.Equal(t, "req_456", fields["request.id"].String)
}

func TestContextFields_SingleID(t *testing.T) {
	fields := ContextFields(WithSessionID(context.Background(), "sess_9"))

	assert.Len(t, fields, 1)
	assert.Equal(t, "session.id", fields[0].Key)
}

func TestWithLogger_RoundTrip(t *testing.T) {
	logger := &Logger{zap: zap.NewNop(), cfg: NewDefaultConfig()}
	ctx := WithLogger(context.Background(), logger)

	assert.Same(t, logger, FromContext(ctx))
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
}

func TestWithProjectID_Valid(t *testing.T) {
	ctx := WithProjectID(context.Background(), "proj-api-server")
	assert.Equal(t, "proj-api-server", ProjectIDFromContext(ctx))
}

func TestWithProjectID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: projectID must not be empty", func() {
		WithProjectID(context.Background(), "")
	})
}

func TestWithTaskID_AcceptsPlanPositions(t *testing.T) {
	for _, id := range []string{"2", "2.1.3", "1.2.3.4.5", "resolve-err_abc123"} {
		ctx := WithTaskID(context.Background(), id)
		assert.Equal(t, id, TaskIDFromContext(ctx))
	}
}

func TestWithTaskID_RejectsSeparators(t *testing.T) {
	for _, id := range []string{"2 1", "2/1", "2@1"} {
		assert.Panics(t, func() { WithTaskID(context.Background(), id) }, "id %q", id)
	}
}

func TestWithSessionID_Valid(t *testing.T) {
	for _, id := range []string{"sess_123", "sess-abc-123", "sessABC123"} {
		ctx := WithSessionID(context.Background(), id)
		assert.Equal(t, id, SessionIDFromContext(ctx))
	}
}

func TestWithSessionID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: sessionID must not be empty", func() {
		WithSessionID(context.Background(), "")
	})
}

func TestWithSessionID_RejectsMalformed(t *testing.T) {
	bad := []string{
		"sess 123",
		"sess/123",
		"sess@123",
		strings.Repeat("s", maxIDLen+1),
		"\xff\xfe",
	}
	for _, id := range bad {
		assert.Panics(t, func() { WithSessionID(context.Background(), id) }, "id %q", id)
	}
}

func TestWithRequestID_Valid(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-456")
	assert.Equal(t, "req-abc-456", RequestIDFromContext(ctx))
}

func TestWithRequestID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: requestID must not be empty", func() {
		WithRequestID(context.Background(), "")
	})
}

func TestWithRequestID_TooLongPanics(t *testing.T) {
	assert.Panics(t, func() {
		WithRequestID(context.Background(), strings.Repeat("r", maxIDLen+1))
	})
}
