// Command generate_metrics serves fake taskd metrics for dashboard work.
//
// It registers the same metric families the daemon exports and feeds them
// plausible traffic, so Grafana panels built against it point at a real
// instance without edits. Run it, scrape localhost:9090/metrics, iterate
// on the dashboard JSON.
package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Control plane.
var (
	supervisorOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_supervisor_operations_total",
			Help: "Total number of control operations handled",
		},
		[]string{"op", "outcome"},
	)
	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_supervisor_requests_total",
			Help: "Total number of queued automation requests dispatched",
		},
		[]string{"action", "outcome"},
	)
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskd_supervisor_sessions_active",
			Help: "Number of sessions currently executing",
		},
	)
)

// Execution engine and its failure-resolution path.
var (
	engineTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_engine_transitions_total",
			Help: "Total number of state transitions",
		},
		[]string{"from", "to"},
	)
	tasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskd_engine_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)
	stepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_engine_failures_total",
			Help: "Total number of step failures",
		},
		[]string{"step", "category"},
	)
	resolutionsBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_resolve_tasks_built_total",
			Help: "Total number of resolution tasks built",
		},
		[]string{"category"},
	)
	resolutionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_resolve_submissions_total",
			Help: "Total number of resolution tasks injected",
		},
		[]string{"category"},
	)
)

// Event channel.
var (
	published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_events_published_total",
			Help: "Total number of envelopes published",
		},
		[]string{"type"},
	)
	rejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_events_rejected_total",
			Help: "Total number of envelopes rejected before send",
		},
		[]string{"reason", "type"},
	)
	publishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskd_events_publish_duration_seconds",
			Help:    "Time to hand an envelope to the broker",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
	budgetBreaches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskd_events_delivery_budget_breaches_total",
			Help: "Total number of delivery budget breaches",
		},
	)
)

// Sandboxes.
var (
	provisioned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskd_sandbox_provisioned_total",
			Help: "Total number of sandboxes provisioned",
		},
	)
	destroyed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskd_sandbox_destroyed_total",
			Help: "Total number of sandboxes destroyed",
		},
	)
	sandboxCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_sandbox_executions_total",
			Help: "Total number of sandboxed command executions",
		},
		[]string{"command"},
	)
)

// API surface.
var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_http_requests_total",
			Help: "Total HTTP requests labeled by method, endpoint, and status code. Use rate() for request throughput.",
		},
		[]string{"method", "endpoint", "status"},
	)
	httpLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, labeled by method, endpoint, and status. Use histogram_quantile for P50/P95/P99 latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"method", "endpoint", "status"},
	)
	httpBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskd_http_response_size_bytes",
			Help:    "HTTP response body size in bytes, labeled by method, endpoint, and status. SSE streams report their total bytes on disconnect.",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"method", "endpoint", "status"},
	)
	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskd_http_active_requests",
			Help: "Number of currently active HTTP requests, including open SSE streams",
		},
	)
)

// Label vocabularies matching the daemon's instrumentation.
var (
	operations       = []string{"initialize", "pause", "resume", "stop"}
	opOutcomes       = []string{"ok", "ok", "ok", "error", "replayed", "attached", "not_found"}
	dispatchOutcomes = []string{"ok", "ok", "error", "malformed"}
	eventTypes       = []string{"execution-update", "execution-log", "error", "completion", "alert"}
	rejectReasons    = []string{"payload_too_large", "invalid", "encode"}
	failureSteps     = []string{"prep", "implement", "verify", "merge", "push", "update_plan"}
	categories       = []string{"transient", "verification", "verification", "plan_integrity", "fatal"}
	commands         = []string{"git", "make", "sh", "go"}

	// The happy path of the machine plus its failure edges. The first
	// seven entries form a clean run, which simulate leans on.
	transitions = [][2]string{
		{"SELECT", "PREP"},
		{"PREP", "IMPLEMENT"},
		{"IMPLEMENT", "VERIFY"},
		{"VERIFY", "MERGE"},
		{"MERGE", "PUSH"},
		{"PUSH", "UPDATE_PLAN"},
		{"UPDATE_PLAN", "DONE"},
		{"VERIFY", "ERROR_INJECT"},
		{"ERROR_INJECT", "SELECT"},
		{"ERROR_INJECT", "HUMAN_REVIEW"},
	}

	endpoints = []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"POST", "/api/v1/requests"},
		{"GET", "/api/v1/projects"},
		{"POST", "/api/v1/projects/:project_id/automation/initialize"},
		{"POST", "/api/v1/projects/:project_id/automation/pause"},
		{"POST", "/api/v1/projects/:project_id/automation/resume"},
		{"POST", "/api/v1/projects/:project_id/automation/stop"},
		{"GET", "/api/v1/projects/:project_id/automation"},
		{"POST", "/api/v1/projects/:project_id/injections"},
		{"GET", "/api/v1/projects/:project_id/plan"},
		{"GET", "/api/v1/projects/:project_id/plan/audit"},
		{"GET", "/api/v1/projects/:project_id/events"},
	}
)

func main() {
	addr := ":" + envOr("PORT", "9090")

	seed()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go simulate(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Printf("serving sample metrics on http://localhost%s/metrics", addr)
	log.Printf("prometheus scrape target: localhost%s (job taskd-dev)", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// seed backfills enough history that rate() panels have something to chew
// on before the simulation loop produces its first samples.
func seed() {
	for range 80 {
		supervisorOps.WithLabelValues(pick(operations), pick(opOutcomes)).Inc()
	}
	for range 50 {
		dispatches.WithLabelValues(pick(operations), pick(dispatchOutcomes)).Inc()
	}
	sessionsActive.Set(float64(rand.Intn(4) + 1))

	// Mostly clean runs, a few trips through the failure loop.
	for range 150 {
		edge := pick(transitions)
		engineTransitions.WithLabelValues(edge[0], edge[1]).Inc()
	}
	for range 50 {
		tasksCompleted.Inc()
	}
	for range 15 {
		cat := pick(categories)
		stepFailures.WithLabelValues(pick(failureSteps), cat).Inc()
		resolutionsBuilt.WithLabelValues(cat).Inc()
		resolutionsSubmitted.WithLabelValues(cat).Inc()
	}

	for range 500 {
		typ := pick(eventTypes)
		published.WithLabelValues(typ).Inc()
		publishLatency.WithLabelValues(typ).Observe(rand.Float64() * 0.02)
	}
	for range 8 {
		rejected.WithLabelValues(pick(rejectReasons), pick(eventTypes)).Inc()
	}
	budgetBreaches.Add(2)

	// Every destroyed sandbox was provisioned first; a handful are still up.
	for range 60 {
		provisioned.Inc()
		destroyed.Inc()
		sandboxCommands.WithLabelValues(pick(commands)).Inc()
		sandboxCommands.WithLabelValues(pick(commands)).Inc()
	}
	provisioned.Add(3)

	statuses := []string{"200", "200", "200", "200", "202", "400", "404", "409", "500"}
	for range 350 {
		ep := pick(endpoints)
		status := pick(statuses)
		httpRequests.WithLabelValues(ep.method, ep.path, status).Inc()
		httpLatency.WithLabelValues(ep.method, ep.path, status).Observe(rand.Float64() * 0.3)
		httpBytes.WithLabelValues(ep.method, ep.path, status).Observe(float64(rand.Intn(20000) + 100))
	}
	httpInFlight.Set(float64(rand.Intn(8)))
}

// simulate drips fresh samples in so live panels move. Probabilities are
// tuned so a 5-minute rate window shows all families without the failure
// series swamping the clean ones.
func simulate(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	statuses := []string{"200", "200", "200", "202", "400", "500"}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// A session making progress through the happy path.
		if rand.Float64() < 0.8 {
			edge := transitions[rand.Intn(7)]
			engineTransitions.WithLabelValues(edge[0], edge[1]).Inc()
			typ := pick(eventTypes)
			published.WithLabelValues(typ).Inc()
			publishLatency.WithLabelValues(typ).Observe(rand.Float64() * 0.02)
		}
		// A task finishing, its sandbox torn down behind it.
		if rand.Float64() < 0.3 {
			tasksCompleted.Inc()
			published.WithLabelValues("completion").Inc()
			destroyed.Inc()
		}
		// A fresh attempt starting.
		if rand.Float64() < 0.3 {
			provisioned.Inc()
			sandboxCommands.WithLabelValues(pick(commands)).Inc()
		}
		// An occasional failure feeding the resolution path.
		if rand.Float64() < 0.1 {
			cat := pick(categories)
			stepFailures.WithLabelValues(pick(failureSteps), cat).Inc()
			resolutionsBuilt.WithLabelValues(cat).Inc()
			resolutionsSubmitted.WithLabelValues(cat).Inc()
			engineTransitions.WithLabelValues("VERIFY", "ERROR_INJECT").Inc()
			engineTransitions.WithLabelValues("ERROR_INJECT", "SELECT").Inc()
		}
		// Operator poking at the control plane.
		if rand.Float64() < 0.4 {
			supervisorOps.WithLabelValues(pick(operations), pick(opOutcomes)).Inc()
		}
		if rand.Float64() < 0.5 {
			ep := pick(endpoints)
			status := pick(statuses)
			httpRequests.WithLabelValues(ep.method, ep.path, status).Inc()
			httpLatency.WithLabelValues(ep.method, ep.path, status).Observe(rand.Float64() * 0.3)
			httpBytes.WithLabelValues(ep.method, ep.path, status).Observe(float64(rand.Intn(20000) + 100))
		}
		// A rare slow publish blowing the delivery budget.
		if rand.Float64() < 0.03 {
			budgetBreaches.Inc()
		}

		sessionsActive.Set(float64(rand.Intn(5)))
		httpInFlight.Set(float64(rand.Intn(8)))
	}
}

func pick[T any](s []T) T {
	return s[rand.Intn(len(s))]
}
