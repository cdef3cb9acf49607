package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the OTLP export pipeline for a taskd process: a tracer
// provider, an optional meter provider, and the slot the zap bridge reads
// its log provider from. Export problems never take the daemon down; a
// signal that fails to initialize is skipped and recorded in Degraded.
type Telemetry struct {
	cfg *Config

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider

	mu   sync.Mutex
	logs log.LoggerProvider
	down []string
}

// New validates cfg and brings up the export pipeline. With cfg.Enabled
// false it returns an inert instance whose accessors fall through to the
// otel globals. Exporter construction is lazy, so New succeeds even when
// no collector is listening yet.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.note("traces: %v", err)
	} else {
		t.traces = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.note("metrics: %v", err)
	} else if mp != nil {
		t.metrics = mp
		otel.SetMeterProvider(mp)
	}

	// Instrumented packages reach providers through the otel globals, so
	// registration above is what actually turns spans and metrics on.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer from this pipeline, falling through to the
// globally registered provider when the pipeline is inert. Nil-safe.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.traces == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.traces.Tracer(name, opts...)
}

// Meter returns a meter from this pipeline, falling through to the
// globally registered provider when metric export is off. Nil-safe.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.metrics == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.metrics.Meter(name, opts...)
}

// LoggerProvider returns the provider the zap OTel bridge emits through,
// or nil while log export is not wired.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logs
}

// SetLoggerProvider installs the provider LoggerProvider hands out.
func (t *Telemetry) SetLoggerProvider(lp log.LoggerProvider) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs = lp
}

// Degraded lists the signals New could not bring up. Empty when the
// pipeline is healthy or disabled.
func (t *Telemetry) Degraded() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.down...)
}

func (t *Telemetry) note(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = append(t.down, fmt.Sprintf(format, args...))
}

// Shutdown flushes buffered spans and metrics and tears the providers
// down. When ctx carries no deadline the configured shutdown timeout
// applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Shutdown.Timeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracer provider: %w", err))
		}
	}
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Flush exports buffered telemetry without tearing anything down.
func (t *Telemetry) Flush(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error
	if t.traces != nil {
		if err := t.traces.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing spans: %w", err))
		}
	}
	if t.metrics != nil {
		if err := t.metrics.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
