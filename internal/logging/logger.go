package logging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a zap logger that pulls correlation fields (trace ids,
// project, session, task, request) out of the context on every call.
type Logger struct {
	zap *zap.Logger
	cfg *Config
}

// NewLogger builds a logger from cfg. otelProvider feeds the zap OTel
// bridge; pass nil when log export is not wired.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	core, err := buildCore(cfg, otelProvider)
	if err != nil {
		return nil, fmt.Errorf("building log core: %w", err)
	}

	var opts []zap.Option
	if cfg.Caller.Enabled {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(cfg.Caller.Skip))
	}
	if cfg.Stacktrace.Level != 0 {
		opts = append(opts, zap.AddStacktrace(cfg.Stacktrace.Level))
	}

	zl := zap.New(core, opts...)
	if len(cfg.Fields) > 0 {
		zl = zl.With(constantFields(cfg.Fields)...)
	}

	return &Logger{zap: zl, cfg: cfg}, nil
}

// constantFields returns cfg.Fields sorted by key so repeated runs emit
// identical field sequences.
func constantFields(m map[string]string) []zap.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.String(k, m[k]))
	}
	return fields
}

// newEncoder builds the JSON or console encoder with the trace-aware
// level renderer.
func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = encodeLevel

	if format == FormatConsole {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// Trace logs below Debug. Gated up front so wire-level call sites pay
// nothing while the level is off.
func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	if l.zap.Core().Enabled(TraceLevel) {
		l.zap.Log(TraceLevel, msg, append(ContextFields(ctx), fields...)...)
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, append(ContextFields(ctx), fields...)...)
}

// With returns a child logger carrying extra constant fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), cfg: l.cfg}
}

// Named appends a segment to the logger name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), cfg: l.cfg}
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}

// Sync flushes buffered entries. EINVAL and ENOTTY from syncing a
// terminal-backed stdout are swallowed.
func (l *Logger) Sync() error {
	if err := l.zap.Sync(); err != nil && !benignSyncError(err) {
		return err
	}
	return nil
}

// Underlying exposes the wrapped *zap.Logger for libraries that take zap
// directly.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

func benignSyncError(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY)
}
