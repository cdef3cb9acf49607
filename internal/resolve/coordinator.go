package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/resolve"

const taskTitlePrefix = "Resolve Error: "

var (
	// ErrInvalidFailure indicates the failure artifact is incomplete.
	ErrInvalidFailure = errors.New("invalid failure artifact")

	// ErrCoordinatorClosed indicates the coordinator has been closed.
	ErrCoordinatorClosed = errors.New("coordinator is closed")
)

// Injector is the slice of the plan store the coordinator needs.
type Injector interface {
	ProjectID() string
	Apply(req *plan.InjectionRequest) (*plan.ApplyResult, error)
}

// Coordinator converts failures into priority-injected resolution tasks
// and tracks resolution attempts per original task.
type Coordinator interface {
	// BuildTask constructs the single resolution task for a failure. The
	// task carries the origin task id, category, and scrubbed log tails.
	BuildTask(failure Failure) (*plan.Task, error)

	// Submit builds the resolution task and priority-injects it into the
	// project plan, incrementing the attempt count for the original task.
	Submit(ctx context.Context, store Injector, failure Failure) (*plan.ApplyResult, error)

	// Attempts reports how many resolution tasks have been injected for
	// the original task since its last reset.
	Attempts(projectID, taskID string) int

	// Reset clears the attempt count for a task, called when the
	// original task completes. Keeps the ceiling consecutive.
	Reset(projectID, taskID string)

	// Close stops the coordinator.
	Close() error
}

// Config holds coordinator configuration.
type Config struct {
	// MaxLogBytes bounds each captured log tail carried in a resolution
	// task description.
	MaxLogBytes int

	// MaxMessageBytes bounds the failure message line.
	MaxMessageBytes int
}

// DefaultConfig returns sensible defaults. The bounds keep a resolution
// task description within the event payload ceiling.
func DefaultConfig() *Config {
	return &Config{
		MaxLogBytes:     2048,
		MaxMessageBytes: 512,
	}
}

// coordinator implements Coordinator.
type coordinator struct {
	config   *Config
	scrubber secrets.Scrubber
	logger   *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	builtCounter     metric.Int64Counter
	submittedCounter metric.Int64Counter

	mu       sync.RWMutex
	attempts map[string]int
	closed   bool
}

// NewCoordinator creates an error-resolution coordinator.
func NewCoordinator(config *Config, scrubber secrets.Scrubber, logger *zap.Logger) (Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxLogBytes <= 0 {
		config.MaxLogBytes = DefaultConfig().MaxLogBytes
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultConfig().MaxMessageBytes
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &coordinator{
		config:   config,
		scrubber: scrubber,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		attempts: make(map[string]int),
	}

	c.initMetrics()

	return c, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (c *coordinator) initMetrics() {
	var err error

	c.builtCounter, err = c.meter.Int64Counter(
		"taskd.resolve.tasks_built_total",
		metric.WithDescription("Total number of resolution tasks built"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		c.logger.Warn("failed to create built counter", zap.Error(err))
	}

	c.submittedCounter, err = c.meter.Int64Counter(
		"taskd.resolve.submissions_total",
		metric.WithDescription("Total number of resolution tasks injected"),
		metric.WithUnit("{injection}"),
	)
	if err != nil {
		c.logger.Warn("failed to create submitted counter", zap.Error(err))
	}
}

// BuildTask constructs the resolution task for a failure.
func (c *coordinator) BuildTask(failure Failure) (*plan.Task, error) {
	if err := failure.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFailure, err)
	}

	errorID := shortID()
	now := time.Now().UTC()

	task := &plan.Task{
		ID:          "resolve-" + errorID,
		Title:       taskTitlePrefix + errorID,
		Description: c.describe(failure),
		AcceptanceCriteria: []string{
			fmt.Sprintf("The failing %s check passes when re-run", failure.Step),
			fmt.Sprintf("Task %s is unblocked and can resume", failure.TaskID),
		},
		Status:    plan.StatusInjected,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if c.builtCounter != nil {
		c.builtCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("category", string(failure.Category))))
	}

	return task, nil
}

// Submit builds the resolution task and priority-injects it.
func (c *coordinator) Submit(ctx context.Context, store Injector, failure Failure) (*plan.ApplyResult, error) {
	ctx, span := c.tracer.Start(ctx, "resolve.submit",
		trace.WithAttributes(
			attribute.String("task.id", failure.TaskID),
			attribute.String("failure.step", failure.Step),
			attribute.String("failure.category", string(failure.Category)),
		))
	defer span.End()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrCoordinatorClosed
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	task, err := c.BuildTask(failure)
	if err != nil {
		return nil, err
	}

	projectID := store.ProjectID()
	result, err := store.Apply(&plan.InjectionRequest{
		ProjectID:   projectID,
		Type:        plan.InjectPriority,
		Task:        *task,
		Reason:      fmt.Sprintf("automated resolution for task %s failing at %s", failure.TaskID, failure.Step),
		RequestedBy: "taskd-resolver",
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("inject resolution task: %w", err)
	}

	c.mu.Lock()
	c.attempts[attemptKey(projectID, failure.origin())]++
	count := c.attempts[attemptKey(projectID, failure.origin())]
	c.mu.Unlock()

	if c.submittedCounter != nil {
		c.submittedCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("category", string(failure.Category))))
	}

	c.logger.Info("Injected resolution task",
		zap.String("project_id", projectID),
		zap.String("failed_task_id", failure.TaskID),
		zap.String("origin_task_id", failure.origin()),
		zap.String("resolution_task_id", task.ID),
		zap.String("category", string(failure.Category)),
		zap.Int("attempt", count),
		zap.Int("plan_version", result.PlanVersion))

	return result, nil
}

// Attempts reports the resolution attempt count for a task.
func (c *coordinator) Attempts(projectID, taskID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts[attemptKey(projectID, taskID)]
}

// Reset clears the attempt count for a task.
func (c *coordinator) Reset(projectID, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, attemptKey(projectID, taskID))
}

// Close stops the coordinator.
func (c *coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// describe renders the failure into the resolution task description.
// Logs are scrubbed before truncation so a cut never bisects a
// redaction marker back into a secret.
func (c *coordinator) describe(failure Failure) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Investigate and fix the failure that interrupted task %s.\n\n", failure.TaskID)
	fmt.Fprintf(&b, "Step: %s\n", failure.Step)
	fmt.Fprintf(&b, "Category: %s\n", failure.Category)
	if failure.ExitCode != 0 {
		fmt.Fprintf(&b, "Exit code: %d\n", failure.ExitCode)
	}
	if !failure.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "Occurred: %s\n", failure.OccurredAt.UTC().Format(time.RFC3339))
	}
	if failure.Message != "" {
		fmt.Fprintf(&b, "Error: %s\n", c.scrubTail(failure.Message, c.config.MaxMessageBytes))
	}
	if failure.Stdout != "" {
		fmt.Fprintf(&b, "\n--- stdout (tail) ---\n%s\n", c.scrubTail(failure.Stdout, c.config.MaxLogBytes))
	}
	if failure.Stderr != "" {
		fmt.Fprintf(&b, "\n--- stderr (tail) ---\n%s\n", c.scrubTail(failure.Stderr, c.config.MaxLogBytes))
	}

	return b.String()
}

func (c *coordinator) scrubTail(s string, limit int) string {
	return tailLines(c.scrubber.Scrub(s).Scrubbed, limit)
}

// shortID returns the compact error id used in resolution task names.
func shortID() string {
	return uuid.NewString()[:8]
}

// attemptKey builds the per-project attempt map key.
func attemptKey(projectID, taskID string) string {
	return projectID + "/" + taskID
}
