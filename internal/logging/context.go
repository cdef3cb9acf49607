package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context keys. Each correlation ID gets its own type so packages cannot
// collide on string keys.
type (
	projectKey struct{}
	sessionKey struct{}
	taskKey    struct{}
	requestKey struct{}
	loggerKey  struct{}
)

const maxIDLen = 128

// idPattern allows alphanumerics, hyphen, underscore, and dot. Dots matter
// for hierarchical task ids like "2.1.3".
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ContextFields collects every correlation field present on ctx: the
// active trace, then project, session, task and request IDs.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	ids := [...]struct{ key, val string }{
		{"project.id", ProjectIDFromContext(ctx)},
		{"session.id", SessionIDFromContext(ctx)},
		{"task.id", TaskIDFromContext(ctx)},
		{"request.id", RequestIDFromContext(ctx)},
	}
	for _, id := range ids {
		if id.val != "" {
			fields = append(fields, zap.String(id.key, id.val))
		}
	}

	return fields
}

// checkID rejects IDs that could corrupt log output downstream.
func checkID(id, name string) error {
	switch {
	case id == "":
		return fmt.Errorf("%s must not be empty", name)
	case !utf8.ValidString(id):
		return fmt.Errorf("%s is not valid UTF-8", name)
	case len(id) > maxIDLen:
		return fmt.Errorf("%s longer than %d bytes", name, maxIDLen)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%s may only contain alphanumerics, hyphen, underscore, dot", name)
	}
	return nil
}

// withID validates and stores one correlation ID. A bad ID is a programmer
// error, so it panics rather than silently dropping correlation.
func withID(ctx context.Context, key any, id, name string) context.Context {
	if err := checkID(id, name); err != nil {
		panic("logging: " + err.Error())
	}
	return context.WithValue(ctx, key, id)
}

func ctxString(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithProjectID tags ctx with the project the work belongs to. Panics on
// empty or malformed IDs.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return withID(ctx, projectKey{}, projectID, "projectID")
}

// ProjectIDFromContext returns the project ID, or "" when unset.
func ProjectIDFromContext(ctx context.Context) string {
	return ctxString(ctx, projectKey{})
}

// WithSessionID tags ctx with the executor session. Panics on empty or
// malformed IDs.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withID(ctx, sessionKey{}, sessionID, "sessionID")
}

// SessionIDFromContext returns the session ID, or "" when unset.
func SessionIDFromContext(ctx context.Context) string {
	return ctxString(ctx, sessionKey{})
}

// WithTaskID tags ctx with the plan task being executed. Panics on empty
// or malformed IDs.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return withID(ctx, taskKey{}, taskID, "taskID")
}

// TaskIDFromContext returns the task ID, or "" when unset.
func TaskIDFromContext(ctx context.Context) string {
	return ctxString(ctx, taskKey{})
}

// WithRequestID tags ctx with the API request being served. Panics on
// empty or malformed IDs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestKey{}, requestID, "requestID")
}

// RequestIDFromContext returns the request ID, or "" when unset.
func RequestIDFromContext(ctx context.Context) string {
	return ctxString(ctx, requestKey{})
}

// WithLogger stores a logger on ctx for call paths that only carry a
// context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored on ctx, or a nop logger so call
// sites never nil-check.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), cfg: NewDefaultConfig()}
}
