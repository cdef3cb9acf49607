package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/codegen"
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/hosting"
	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/resolve"
	"github.com/fyrsmithlabs/taskd/internal/sandbox"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/engine"

// maxEventLogBytes bounds the output tail carried in an execution-log
// event, well under the envelope payload cap.
const maxEventLogBytes = 2048

var (
	// ErrRunActive is returned when Run is called while a run is already
	// in flight.
	ErrRunActive = errors.New("session run already active")

	// ErrMissingCollaborator is returned when a required collaborator is
	// nil.
	ErrMissingCollaborator = errors.New("missing collaborator")
)

// Publisher is the slice of the event bus a session writes to.
type Publisher interface {
	Publish(ctx context.Context, env *events.Envelope) error
}

// Config holds engine configuration.
type Config struct {
	// MaxRetries is the resolution-attempt ceiling per original task.
	// Entering ERROR_INJECT with the ceiling already reached routes the
	// session to HUMAN_REVIEW instead of injecting again.
	MaxRetries int

	// StepTimeout bounds each blocking step: prep, implement, each
	// verify command, merge, push, and plan update.
	StepTimeout time.Duration

	// BranchPrefix prefixes task branches, e.g. "task" yields
	// "task/2.1-add-schema".
	BranchPrefix string

	// BuildCommand and TestCommand run inside the sandbox during VERIFY.
	// Both must exit zero for the task to proceed.
	BuildCommand []string
	TestCommand  []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   2,
		StepTimeout:  10 * time.Minute,
		BranchPrefix: "task",
		BuildCommand: []string{"make", "build"},
		TestCommand:  []string{"make", "test"},
	}
}

// Collaborators are the external components a session drives. All of them
// are required. The scrubber redacts secrets from everything that leaves
// the session on the event channel.
type Collaborators struct {
	Plan      *plan.Store
	Sandboxes sandbox.Manager
	Generator codegen.Generator
	Host      hosting.Host
	Resolver  resolve.Coordinator
	Events    Publisher
	Scrubber  secrets.Scrubber
}

func (c *Collaborators) validate() error {
	switch {
	case c.Plan == nil:
		return fmt.Errorf("%w: plan store", ErrMissingCollaborator)
	case c.Sandboxes == nil:
		return fmt.Errorf("%w: sandbox manager", ErrMissingCollaborator)
	case c.Generator == nil:
		return fmt.Errorf("%w: code generator", ErrMissingCollaborator)
	case c.Host == nil:
		return fmt.Errorf("%w: repository host", ErrMissingCollaborator)
	case c.Resolver == nil:
		return fmt.Errorf("%w: resolution coordinator", ErrMissingCollaborator)
	case c.Events == nil:
		return fmt.Errorf("%w: event publisher", ErrMissingCollaborator)
	case c.Scrubber == nil:
		return fmt.Errorf("%w: secret scrubber", ErrMissingCollaborator)
	}
	return nil
}

// Engine runs execution sessions for one project. Create one per project
// and call Run for each session; Run is single-flight.
type Engine struct {
	config *Config
	collab Collaborators
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	transitionCounter metric.Int64Counter
	completedCounter  metric.Int64Counter
	failureCounter    metric.Int64Counter

	mu      sync.RWMutex
	session Session
	// origins maps injected resolution task ids to the original task
	// their attempts count against.
	origins map[string]string
	// attempts counts activations per task id, used for idempotency keys.
	attempts map[string]int
	paused   bool
	running  bool
}

// New creates an engine for one project.
func New(config *Config, collab Collaborators, logger *zap.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative: %d", config.MaxRetries)
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = 10 * time.Minute
	}
	if config.BranchPrefix == "" {
		config.BranchPrefix = "task"
	}
	if len(config.BuildCommand) == 0 || len(config.TestCommand) == 0 {
		return nil, errors.New("build and test commands are required")
	}
	if err := collab.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:   config,
		collab:   collab,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		origins:  make(map[string]string),
		attempts: make(map[string]int),
		session: Session{
			ProjectID: collab.Plan.ProjectID(),
			State:     StateSelect,
		},
	}

	e.initMetrics()

	return e, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (e *Engine) initMetrics() {
	var err error

	e.transitionCounter, err = e.meter.Int64Counter(
		"taskd.engine.transitions_total",
		metric.WithDescription("Total number of state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		e.logger.Warn("failed to create transition counter", zap.Error(err))
	}

	e.completedCounter, err = e.meter.Int64Counter(
		"taskd.engine.tasks_completed_total",
		metric.WithDescription("Total number of tasks completed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		e.logger.Warn("failed to create completed counter", zap.Error(err))
	}

	e.failureCounter, err = e.meter.Int64Counter(
		"taskd.engine.failures_total",
		metric.WithDescription("Total number of step failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		e.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// Session returns a snapshot of the current session.
func (e *Engine) Session() Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// Pause asks the running session to halt at the next state boundary. The
// in-flight step finishes first. Calling Run again resumes.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	projectID := e.session.ProjectID
	e.mu.Unlock()
	e.logger.Info("session pause requested", zap.String("project_id", projectID))
}

// pauseRequested reports whether a pause is pending.
func (e *Engine) pauseRequested() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// state returns the current machine position.
func (e *Engine) state() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.State
}

// setSession mutates the session snapshot under lock.
func (e *Engine) setSession(mutate func(s *Session)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(&e.session)
}

// nextAttempt increments and returns the attempt number for a task. The
// (task, attempt) pair keys every idempotent side effect of the attempt.
func (e *Engine) nextAttempt(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[taskID]++
	return e.attempts[taskID]
}

// originOf resolves the original task an id counts against. Resolution
// tasks map back to the task whose failure created them; everything else
// is its own origin.
func (e *Engine) originOf(taskID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if origin, ok := e.origins[taskID]; ok {
		return origin
	}
	return taskID
}

// branchName derives the task branch: <prefix>/<id>-<slug>. The slug is
// the lowercased title with non-alphanumeric runs collapsed to hyphens.
func branchName(prefix string, task *plan.Task) string {
	slug := slugify(task.Title)
	if slug == "" {
		return fmt.Sprintf("%s/%s", prefix, task.ID)
	}
	return fmt.Sprintf("%s/%s-%s", prefix, task.ID, slug)
}

const maxSlugLen = 40

func slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// tail keeps the last limit bytes of s for event payloads.
func tail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

// newSessionID returns a fresh session identifier.
func newSessionID() string {
	return uuid.New().String()
}
