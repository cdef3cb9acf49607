package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/http"

// requestMetrics instruments the API: request counts, latency, response
// sizes, and in-flight requests (open SSE streams included). A nil
// instrument means registration failed and that measurement is skipped.
type requestMetrics struct {
	total    metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
	active   metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &requestMetrics{}
	var errs []error
	var err error

	m.total, err = meter.Int64Counter(
		"taskd.http.requests_total",
		metric.WithDescription("Total HTTP requests labeled by method, endpoint, and status code. Use rate() for request throughput."),
		metric.WithUnit("{request}"),
	)
	errs = append(errs, err)

	m.duration, err = meter.Float64Histogram(
		"taskd.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds, labeled by method, endpoint, and status. Use histogram_quantile for P50/P95/P99 latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	errs = append(errs, err)

	m.size, err = meter.Int64Histogram(
		"taskd.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes, labeled by method, endpoint, and status. SSE streams report their total bytes on disconnect."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	errs = append(errs, err)

	m.active, err = meter.Int64UpDownCounter(
		"taskd.http.active_requests",
		metric.WithDescription("Number of currently active HTTP requests, including open SSE streams"),
		metric.WithUnit("{request}"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		logger.Warn("some http instruments unavailable", zap.Error(err))
	}
	return m
}

// middleware records one set of measurements per request, after the handler
// returns. The active gauge brackets the handler call, so long-lived SSE
// streams count as in-flight for their whole lifetime.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			if m.active != nil {
				m.active.Add(ctx, 1)
				defer m.active.Add(ctx, -1)
			}

			start := time.Now()
			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.total != nil {
				m.total.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// routeLabel keeps the endpoint label's cardinality bounded.
//
// Echo's c.Path() returns the registered route template, so parameterized
// segments are already placeholders (:project_id). Unmatched requests have
// an empty path and collapse to "/".
func routeLabel(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
