package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/supervisor"

var (
	// ErrClosed is returned when the supervisor has been shut down.
	ErrClosed = errors.New("supervisor is closed")

	// ErrProjectNotFound is returned when no session record exists for a
	// project.
	ErrProjectNotFound = errors.New("project not found")
)

// ProjectState describes one project's automation lifecycle.
type ProjectState string

const (
	// StateIdle means the project has no executing session: it is waiting
	// for a concurrency slot, or its loop exited without finishing the
	// plan (blocked plan, run error).
	StateIdle ProjectState = "idle"

	// StateRunning means a session is executing.
	StateRunning ProjectState = "running"

	// StatePaused means the loop halted on operator request or
	// cancellation and can be resumed.
	StatePaused ProjectState = "paused"

	// StateHumanReview means the engine parked the project after the
	// retry ceiling; an operator must intervene before resuming.
	StateHumanReview ProjectState = "human_review"

	// StateCompleted means every plan task finished.
	StateCompleted ProjectState = "completed"
)

// Status is a point-in-time view of one project's automation.
type Status struct {
	ProjectID      string       `json:"project_id"`
	State          ProjectState `json:"state"`
	SessionID      string       `json:"session_id,omitempty"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	RetryCount     int          `json:"retry_count"`
	TasksCompleted int          `json:"tasks_completed"`
	TasksRemaining int          `json:"tasks_remaining"`
	LastError      string       `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Config holds supervisor configuration.
type Config struct {
	// MaxConcurrentSessions bounds how many project sessions execute at
	// once. Further projects queue for a slot.
	MaxConcurrentSessions int

	// IdempotencyCacheSize bounds remembered control-operation replies.
	IdempotencyCacheSize int

	// IdempotencyTTL expires remembered replies.
	IdempotencyTTL time.Duration

	// DispatchTimeout bounds handling of one queued automation request.
	DispatchTimeout time.Duration

	// StopTimeout bounds the wait for a session loop to exit on stop and
	// close.
	StopTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentSessions: 5,
		IdempotencyCacheSize:  128,
		IdempotencyTTL:        10 * time.Minute,
		DispatchTimeout:       30 * time.Second,
		StopTimeout:           10 * time.Second,
	}
}

// Runner is the engine surface a session loop drives. *engine.Engine
// satisfies it.
type Runner interface {
	Run(ctx context.Context) (*engine.Outcome, error)
	Pause()
	Session() engine.Session
}

// Factory builds the per-project runner a session loop drives. Factories
// own collaborator wiring: plan store, sandbox manager, host, generator.
type Factory interface {
	NewRunner(ctx context.Context, projectID string) (Runner, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, projectID string) (Runner, error)

// NewRunner calls f.
func (f FactoryFunc) NewRunner(ctx context.Context, projectID string) (Runner, error) {
	return f(ctx, projectID)
}

// InitializeRequest asks the supervisor to take on a project.
type InitializeRequest struct {
	// ProjectID identifies the project. Required.
	ProjectID string `json:"project_id"`

	// IdempotencyKey makes redelivered initializes replay the original
	// reply. Optional.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ControlRequest targets an existing project record.
type ControlRequest struct {
	// ProjectID identifies the project. Required.
	ProjectID string `json:"project_id"`

	// IdempotencyKey makes redelivered operations replay the original
	// reply. Optional.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// record tracks one project's session loop. All fields are guarded by the
// supervisor mutex.
type record struct {
	projectID string
	runner    Runner
	state     ProjectState

	pause      bool
	loopActive bool
	cancel     context.CancelFunc
	done       chan struct{}

	tasksCompleted int
	tasksRemaining int
	lastError      string

	createdAt time.Time
	updatedAt time.Time
}

// Supervisor owns per-project session records and the loops that drive
// them.
type Supervisor struct {
	config  *Config
	factory Factory
	logger  *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	opsCounter      metric.Int64Counter
	requestsCounter metric.Int64Counter
	sessionsGauge   metric.Int64UpDownCounter

	// slots is the concurrency semaphore; a send takes a slot.
	slots chan struct{}

	replies *replyCache

	mu      sync.RWMutex
	records map[string]*record
	sub     *nats.Subscription
	closed  bool
}

// New creates a supervisor. The factory is required; nil config and logger
// fall back to defaults.
func New(config *Config, factory Factory, logger *zap.Logger) (*Supervisor, error) {
	if factory == nil {
		return nil, errors.New("runner factory is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if config.MaxConcurrentSessions <= 0 {
		config.MaxConcurrentSessions = 5
	}
	if config.IdempotencyCacheSize <= 0 {
		config.IdempotencyCacheSize = 128
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = 10 * time.Minute
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 30 * time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}

	s := &Supervisor{
		config:  config,
		factory: factory,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		slots:   make(chan struct{}, config.MaxConcurrentSessions),
		replies: newReplyCache(config.IdempotencyCacheSize, config.IdempotencyTTL),
		records: make(map[string]*record),
	}

	s.initMetrics()

	s.logger.Info("supervisor ready",
		zap.Int("max_concurrent_sessions", config.MaxConcurrentSessions))

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Supervisor) initMetrics() {
	var err error

	s.opsCounter, err = s.meter.Int64Counter(
		"taskd.supervisor.operations_total",
		metric.WithDescription("Total number of control operations handled"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create operations counter", zap.Error(err))
	}

	s.requestsCounter, err = s.meter.Int64Counter(
		"taskd.supervisor.requests_total",
		metric.WithDescription("Total number of queued automation requests dispatched"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	s.sessionsGauge, err = s.meter.Int64UpDownCounter(
		"taskd.supervisor.sessions_active",
		metric.WithDescription("Number of sessions currently executing"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		s.logger.Warn("failed to create sessions gauge", zap.Error(err))
	}
}

// Initialize creates the project's session record and starts its loop.
// Initializing a known project attaches to the existing record instead of
// erroring.
func (s *Supervisor) Initialize(ctx context.Context, req *InitializeRequest) (*Status, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.initialize")
	defer span.End()

	if req == nil || req.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	span.SetAttributes(attribute.String("project.id", req.ProjectID))

	if err := s.open(); err != nil {
		return nil, err
	}
	if st, ok := s.replies.get("initialize", req.ProjectID, req.IdempotencyKey); ok {
		s.countOp(ctx, "initialize", "replayed")
		return st, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if rec, ok := s.records[req.ProjectID]; ok {
		st := s.snapshot(rec)
		s.mu.Unlock()
		s.countOp(ctx, "initialize", "attached")
		s.replies.put("initialize", req.ProjectID, req.IdempotencyKey, st)
		return st, nil
	}
	now := time.Now().UTC()
	rec := &record{
		projectID: req.ProjectID,
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
	}
	s.records[req.ProjectID] = rec
	s.mu.Unlock()

	// The factory can be slow (plan store open, host setup), so it runs
	// outside the lock. The placeholder record makes concurrent
	// initializes of the same project attach instead of racing.
	runner, err := s.factory.NewRunner(ctx, req.ProjectID)
	if err != nil {
		s.mu.Lock()
		if s.records[req.ProjectID] == rec {
			delete(s.records, req.ProjectID)
		}
		s.mu.Unlock()
		s.countOp(ctx, "initialize", "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to initialize project %s: %w", req.ProjectID, err)
	}

	s.mu.Lock()
	if s.records[req.ProjectID] != rec {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s stopped during initialization", ErrProjectNotFound, req.ProjectID)
	}
	rec.runner = runner
	s.startLoopLocked(rec)
	st := s.snapshot(rec)
	s.mu.Unlock()

	s.logger.Info("project initialized", zap.String("project_id", req.ProjectID))
	s.countOp(ctx, "initialize", "ok")
	s.replies.put("initialize", req.ProjectID, req.IdempotencyKey, st)
	return st, nil
}

// Status reports one project's automation state.
func (s *Supervisor) Status(ctx context.Context, projectID string) (*Status, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return s.snapshot(rec), nil
}

// List reports every known project, ordered by project id.
func (s *Supervisor) List(ctx context.Context) []*Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Status, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, s.snapshot(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Counts reports how many projects sit in each state.
func (s *Supervisor) Counts() map[ProjectState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[ProjectState]int)
	for _, rec := range s.records {
		counts[rec.state]++
	}
	return counts
}

// Pause asks the project's session to halt at the next state boundary.
// The in-flight step finishes first, so the status may still report
// running until the loop settles.
func (s *Supervisor) Pause(ctx context.Context, req *ControlRequest) (*Status, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.pause")
	defer span.End()

	if err := validateControl(req); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("project.id", req.ProjectID))

	if err := s.open(); err != nil {
		return nil, err
	}
	if st, ok := s.replies.get("pause", req.ProjectID, req.IdempotencyKey); ok {
		s.countOp(ctx, "pause", "replayed")
		return st, nil
	}

	s.mu.Lock()
	rec, ok := s.records[req.ProjectID]
	if !ok {
		s.mu.Unlock()
		s.countOp(ctx, "pause", "not_found")
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, req.ProjectID)
	}
	var runner Runner
	if rec.loopActive {
		rec.pause = true
		runner = rec.runner
	}
	st := s.snapshot(rec)
	s.mu.Unlock()

	if runner != nil {
		runner.Pause()
		s.logger.Info("pause requested", zap.String("project_id", req.ProjectID))
		s.countOp(ctx, "pause", "ok")
	} else {
		s.countOp(ctx, "pause", "noop")
	}

	s.replies.put("pause", req.ProjectID, req.IdempotencyKey, st)
	return st, nil
}

// Resume starts a fresh session loop for a project whose loop has exited.
// Resuming a running project is a no-op. A completed project resumes too:
// if an operator injected new work the engine picks it up, otherwise the
// loop settles straight back to completed.
func (s *Supervisor) Resume(ctx context.Context, req *ControlRequest) (*Status, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.resume")
	defer span.End()

	if err := validateControl(req); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("project.id", req.ProjectID))

	if err := s.open(); err != nil {
		return nil, err
	}
	if st, ok := s.replies.get("resume", req.ProjectID, req.IdempotencyKey); ok {
		s.countOp(ctx, "resume", "replayed")
		return st, nil
	}

	s.mu.Lock()
	rec, ok := s.records[req.ProjectID]
	if !ok {
		s.mu.Unlock()
		s.countOp(ctx, "resume", "not_found")
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, req.ProjectID)
	}
	if rec.loopActive || rec.runner == nil {
		st := s.snapshot(rec)
		s.mu.Unlock()
		s.countOp(ctx, "resume", "noop")
		s.replies.put("resume", req.ProjectID, req.IdempotencyKey, st)
		return st, nil
	}
	rec.lastError = ""
	s.startLoopLocked(rec)
	st := s.snapshot(rec)
	s.mu.Unlock()

	s.logger.Info("project resumed", zap.String("project_id", req.ProjectID))
	s.countOp(ctx, "resume", "ok")
	s.replies.put("resume", req.ProjectID, req.IdempotencyKey, st)
	return st, nil
}

// Stop cancels the project's session loop, waits for it to exit, and
// destroys the record. The engine releases the active task and tears down
// its sandbox on the way out.
func (s *Supervisor) Stop(ctx context.Context, req *ControlRequest) (*Status, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.stop")
	defer span.End()

	if err := validateControl(req); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("project.id", req.ProjectID))

	if err := s.open(); err != nil {
		return nil, err
	}
	if st, ok := s.replies.get("stop", req.ProjectID, req.IdempotencyKey); ok {
		s.countOp(ctx, "stop", "replayed")
		return st, nil
	}

	s.mu.Lock()
	rec, ok := s.records[req.ProjectID]
	if !ok {
		s.mu.Unlock()
		s.countOp(ctx, "stop", "not_found")
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, req.ProjectID)
	}
	cancel, done := rec.cancel, rec.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(s.config.StopTimeout):
			s.logger.Warn("session loop did not exit before stop timeout",
				zap.String("project_id", req.ProjectID))
		}
	}

	s.mu.Lock()
	st := s.snapshot(rec)
	delete(s.records, req.ProjectID)
	s.mu.Unlock()

	s.logger.Info("project stopped", zap.String("project_id", req.ProjectID))
	s.countOp(ctx, "stop", "ok")
	s.replies.put("stop", req.ProjectID, req.IdempotencyKey, st)
	return st, nil
}

// Close shuts the supervisor down: the dispatcher unsubscribes, every loop
// is canceled, and session records are left paused for the next start.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.sub = nil

	type waiter struct {
		projectID string
		cancel    context.CancelFunc
		done      chan struct{}
	}
	var waiters []waiter
	for _, rec := range s.records {
		if rec.loopActive {
			waiters = append(waiters, waiter{rec.projectID, rec.cancel, rec.done})
		}
	}
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe request dispatcher", zap.Error(err))
		}
	}

	for _, w := range waiters {
		if w.cancel != nil {
			w.cancel()
		}
	}

	// One overall budget for all loops, not one per loop.
	timer := time.NewTimer(s.config.StopTimeout)
	defer timer.Stop()
	expired := false
	for _, w := range waiters {
		if w.done == nil {
			continue
		}
		if expired {
			select {
			case <-w.done:
			default:
				s.logger.Warn("session loop still running at close",
					zap.String("project_id", w.projectID))
			}
			continue
		}
		select {
		case <-w.done:
		case <-timer.C:
			expired = true
			s.logger.Warn("session loop still running at close",
				zap.String("project_id", w.projectID))
		}
	}

	s.logger.Info("supervisor closed")
	return nil
}

// startLoopLocked launches the project's session loop. Caller holds the
// write lock.
func (s *Supervisor) startLoopLocked(rec *record) {
	ctx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	done := make(chan struct{})
	rec.done = done
	rec.loopActive = true
	rec.pause = false
	go s.runLoop(ctx, rec, done)
}

// snapshot builds a status view. Caller holds at least the read lock.
func (s *Supervisor) snapshot(rec *record) *Status {
	st := &Status{
		ProjectID:      rec.projectID,
		State:          rec.state,
		TasksCompleted: rec.tasksCompleted,
		TasksRemaining: rec.tasksRemaining,
		LastError:      rec.lastError,
		CreatedAt:      rec.createdAt,
		UpdatedAt:      rec.updatedAt,
	}
	if rec.runner != nil {
		sess := rec.runner.Session()
		st.SessionID = sess.ID
		st.CurrentTaskID = sess.CurrentTaskID
		st.RetryCount = sess.RetryCount
	}
	return st
}

// open reports whether the supervisor accepts operations.
func (s *Supervisor) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// countOp records one handled control operation.
func (s *Supervisor) countOp(ctx context.Context, op, outcome string) {
	if s.opsCounter == nil {
		return
	}
	s.opsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func validateControl(req *ControlRequest) error {
	if req == nil || req.ProjectID == "" {
		return errors.New("project id is required")
	}
	return nil
}
