package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/sandbox"

// maxCaptureBytes caps stdout/stderr capture per execution, tail-biased.
const maxCaptureBytes = 1 << 20

// Errors for sandbox operations.
var (
	// ErrProvisionFailed marks a provisioning failure. It is transient:
	// the state machine routes it through error injection, not a fatal
	// abort.
	ErrProvisionFailed = errors.New("sandbox provisioning failed")

	ErrSandboxNotFound = errors.New("sandbox not found")
	ErrNotReady        = errors.New("sandbox is not ready")
	ErrExecTimeout     = errors.New("sandbox execution timed out")
	ErrManagerClosed   = errors.New("sandbox manager is closed")
)

// envAllowlist names the only parent environment variables a sandboxed
// process inherits.
var envAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR", "USER", "SHELL"}

// Manager provisions and destroys sandboxes.
type Manager interface {
	// Provision creates a sandbox for one task attempt. The
	// (taskID, attempt) pair is an idempotency key: a redelivered
	// provision returns the existing live sandbox instead of a second
	// one.
	Provision(ctx context.Context, projectID, taskID string, attempt int) (*Sandbox, error)

	// MaterializeRepository clones repoRef into the sandbox workspace.
	MaterializeRepository(ctx context.Context, sandboxID, repoRef string) error

	// Execute runs argv inside the sandbox workspace. A non-zero exit is
	// reported in the result, not as an error; errors mean the command
	// could not run or timed out.
	Execute(ctx context.Context, sandboxID string, argv []string) (*ExecResult, error)

	// Teardown destroys the sandbox. It runs exactly once per sandbox;
	// repeated calls are no-ops.
	Teardown(sandboxID string) error

	// Stats reports provisioned and destroyed counts for pair accounting.
	Stats() (provisioned, destroyed int64)

	// Close tears down every live sandbox and stops the manager.
	Close() error
}

// Config configures the local sandbox manager.
type Config struct {
	// Root is the directory holding all sandbox workspaces.
	Root string

	// Limits apply to every sandbox this manager provisions.
	Limits Limits

	// ExecTimeout bounds a single Execute call. The sandbox CPU budget
	// lowers it further when smaller.
	ExecTimeout time.Duration

	// ExtraEnv is appended to the scrubbed child environment, entries in
	// KEY=VALUE form.
	ExtraEnv []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Limits: Limits{
			CPUSeconds:  900,
			MemoryBytes: 2 << 30,
		},
		ExecTimeout: 15 * time.Minute,
	}
}

// manager is the local filesystem implementation of Manager.
type manager struct {
	config *Config
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	provisionedCounter metric.Int64Counter
	destroyedCounter   metric.Int64Counter
	execCounter        metric.Int64Counter

	provisioned atomic.Int64
	destroyed   atomic.Int64

	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
	byAttempt map[string]string
	closed    bool
}

// NewManager creates a local sandbox manager rooted at config.Root.
func NewManager(config *Config, logger *zap.Logger) (Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		config.Root = filepath.Join(home, ".local", "share", "taskd", "sandboxes")
	}
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(config.Root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	m := &manager{
		config:    config,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		sandboxes: make(map[string]*Sandbox),
		byAttempt: make(map[string]string),
	}

	m.initMetrics()

	return m, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (m *manager) initMetrics() {
	var err error

	m.provisionedCounter, err = m.meter.Int64Counter(
		"taskd.sandbox.provisioned_total",
		metric.WithDescription("Total number of sandboxes provisioned"),
		metric.WithUnit("{sandbox}"),
	)
	if err != nil {
		m.logger.Warn("failed to create provisioned counter", zap.Error(err))
	}

	m.destroyedCounter, err = m.meter.Int64Counter(
		"taskd.sandbox.destroyed_total",
		metric.WithDescription("Total number of sandboxes destroyed"),
		metric.WithUnit("{sandbox}"),
	)
	if err != nil {
		m.logger.Warn("failed to create destroyed counter", zap.Error(err))
	}

	m.execCounter, err = m.meter.Int64Counter(
		"taskd.sandbox.executions_total",
		metric.WithDescription("Total number of sandboxed command executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		m.logger.Warn("failed to create exec counter", zap.Error(err))
	}
}

// attemptKey builds the provision idempotency key.
func attemptKey(projectID, taskID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", projectID, taskID, attempt)
}

// Provision creates a private workspace for one task attempt.
func (m *manager) Provision(ctx context.Context, projectID, taskID string, attempt int) (*Sandbox, error) {
	_, span := m.tracer.Start(ctx, "sandbox.provision",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("task.id", taskID),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	if projectID == "" || taskID == "" {
		return nil, fmt.Errorf("%w: project and task ids are required", ErrProvisionFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	// Redelivered provision for the same attempt returns the live
	// sandbox instead of creating a second one.
	key := attemptKey(projectID, taskID, attempt)
	if id, ok := m.byAttempt[key]; ok {
		if sb, ok := m.sandboxes[id]; ok && sb.Status != StatusDestroyed && sb.Status != StatusTearingDown {
			span.SetAttributes(attribute.Bool("sandbox.reused", true))
			return sb, nil
		}
	}

	sb := &Sandbox{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		TaskID:    taskID,
		Attempt:   attempt,
		Limits:    m.config.Limits,
		CreatedAt: time.Now().UTC(),
		Status:    StatusProvisioning,
	}
	sb.WorkspacePath = filepath.Join(m.config.Root, projectID, sb.ID)

	if err := os.MkdirAll(sb.WorkspacePath, 0700); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	sb.Status = StatusReady
	m.sandboxes[sb.ID] = sb
	m.byAttempt[key] = sb.ID
	m.provisioned.Add(1)

	if m.provisionedCounter != nil {
		m.provisionedCounter.Add(ctx, 1)
	}

	m.logger.Info("sandbox provisioned",
		zap.String("sandbox.id", sb.ID),
		zap.String("project.id", projectID),
		zap.String("task.id", taskID),
		zap.Int("attempt", attempt),
		zap.String("workspace", sb.WorkspacePath),
	)

	return sb, nil
}

// MaterializeRepository clones repoRef into the sandbox workspace.
func (m *manager) MaterializeRepository(ctx context.Context, sandboxID, repoRef string) error {
	ctx, span := m.tracer.Start(ctx, "sandbox.materialize_repository",
		trace.WithAttributes(attribute.String("sandbox.id", sandboxID)))
	defer span.End()

	sb, err := m.get(sandboxID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	status := sb.Status
	m.mu.RUnlock()
	if status != StatusReady {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, sandboxID, status)
	}

	if _, err := git.PlainCloneContext(ctx, sb.WorkspacePath, false, &git.CloneOptions{
		URL: repoRef,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to materialize repository: %w", err)
	}

	m.logger.Info("repository materialized",
		zap.String("sandbox.id", sandboxID),
		zap.String("repo", repoRef),
	)
	return nil
}

// Execute runs argv inside the sandbox workspace with a scrubbed
// environment and bounded wall-clock time.
func (m *manager) Execute(ctx context.Context, sandboxID string, argv []string) (*ExecResult, error) {
	ctx, span := m.tracer.Start(ctx, "sandbox.execute",
		trace.WithAttributes(attribute.String("sandbox.id", sandboxID)))
	defer span.End()

	if len(argv) == 0 {
		return nil, errors.New("argv is required")
	}

	sb, err := m.get(sandboxID)
	if err != nil {
		return nil, err
	}

	if err := m.setExecuting(sb); err != nil {
		return nil, err
	}
	defer m.doneExecuting(sb)

	timeout := m.config.ExecTimeout
	if budget := time.Duration(sb.Limits.CPUSeconds) * time.Second; budget > 0 && budget < timeout {
		timeout = budget
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newTailBuffer(maxCaptureBytes)
	stderr := newTailBuffer(maxCaptureBytes)

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = sb.WorkspacePath
	cmd.Env = m.childEnv(sb)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if m.execCounter != nil {
		m.execCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command", filepath.Base(argv[0])),
		))
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		span.SetStatus(codes.Error, "execution timed out")
		return result, fmt.Errorf("%w after %v: %s", ErrExecTimeout, timeout, strings.Join(argv, " "))
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// The command ran and failed; that is a result, not an
			// infrastructure error.
			result.ExitCode = exitErr.ExitCode()
			span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
			return result, nil
		}
		result.ExitCode = -1
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return result, fmt.Errorf("failed to execute command: %w", runErr)
	}

	result.ExitCode = 0
	return result, nil
}

// childEnv builds the scrubbed environment for a sandboxed process.
func (m *manager) childEnv(sb *Sandbox) []string {
	env := make([]string, 0, len(envAllowlist)+len(m.config.ExtraEnv)+2)
	for _, name := range envAllowlist {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	env = append(env, m.config.ExtraEnv...)
	env = append(env,
		"TASKD_SANDBOX_ID="+sb.ID,
		"TASKD_TASK_ID="+sb.TaskID,
	)
	return env
}

// setExecuting transitions ready → executing.
func (m *manager) setExecuting(sb *Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sb.Status != StatusReady {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, sb.ID, sb.Status)
	}
	sb.Status = StatusExecuting
	return nil
}

// doneExecuting transitions executing → ready, unless teardown won the
// race mid-execution.
func (m *manager) doneExecuting(sb *Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sb.Status == StatusExecuting {
		sb.Status = StatusReady
	}
}

// Teardown destroys the sandbox workspace. The sync.Once on the sandbox
// guarantees the destroy path runs exactly once no matter how many
// execution paths reach it.
func (m *manager) Teardown(sandboxID string) error {
	sb, err := m.get(sandboxID)
	if err != nil {
		return err
	}

	var teardownErr error
	sb.teardown.Do(func() {
		m.mu.Lock()
		sb.Status = StatusTearingDown
		m.mu.Unlock()

		if err := os.RemoveAll(sb.WorkspacePath); err != nil {
			teardownErr = fmt.Errorf("failed to remove workspace: %w", err)
		}

		m.mu.Lock()
		sb.Status = StatusDestroyed
		m.mu.Unlock()

		m.destroyed.Add(1)
		if m.destroyedCounter != nil {
			m.destroyedCounter.Add(context.Background(), 1)
		}

		m.logger.Info("sandbox destroyed",
			zap.String("sandbox.id", sb.ID),
			zap.String("project.id", sb.ProjectID),
			zap.String("task.id", sb.TaskID),
			zap.Error(teardownErr),
		)
	})

	return teardownErr
}

// Stats reports provision/teardown pair accounting.
func (m *manager) Stats() (provisioned, destroyed int64) {
	return m.provisioned.Load(), m.destroyed.Load()
}

// get looks up a sandbox by id.
func (m *manager) get(sandboxID string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	return sb, nil
}

// Close tears down every live sandbox and rejects further use.
func (m *manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.sandboxes))
	for id, sb := range m.sandboxes {
		if sb.Status != StatusDestroyed {
			ids = append(ids, id)
		}
	}
	sandboxes := m.sandboxes
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		sb := sandboxes[id]
		sb.teardown.Do(func() {
			if err := os.RemoveAll(sb.WorkspacePath); err != nil {
				errs = append(errs, err)
			}
			sb.Status = StatusDestroyed
			m.destroyed.Add(1)
			if m.destroyedCounter != nil {
				m.destroyedCounter.Add(context.Background(), 1)
			}
		})
	}

	m.logger.Info("sandbox manager closed",
		zap.Int("swept", len(ids)),
	)

	if len(errs) > 0 {
		return fmt.Errorf("failed to sweep %d sandboxes: %w", len(errs), errs[0])
	}
	return nil
}
