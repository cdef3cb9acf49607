package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/sanitize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/codegen"

const (
	// maxInstructionBytes bounds the instruction handed to the generator.
	// Instructions are task-scoped; anything larger means the caller is
	// shoveling context it should not.
	maxInstructionBytes = 64 * 1024

	// maxStdoutBytes caps captured generator stdout. The result document
	// is parsed from the start, so the head is kept on overflow.
	maxStdoutBytes = 4 * 1024 * 1024

	// maxStderrBytes caps captured generator stderr.
	maxStderrBytes = 256 * 1024
)

var (
	// ErrNoCommand indicates the generator command is not configured.
	ErrNoCommand = errors.New("generator command not configured")

	// ErrInvalidInstruction indicates the instruction failed validation.
	ErrInvalidInstruction = errors.New("invalid generator instruction")

	// ErrTimeout indicates the generator exceeded its run budget.
	ErrTimeout = errors.New("generator timed out")

	// ErrBadOutput indicates the generator produced output that does not
	// satisfy the result contract.
	ErrBadOutput = errors.New("generator output malformed")
)

// Instruction is the task-scoped work order handed to the generator on
// stdin. It carries the task, the attempt number, and the branch the
// change lands on, and nothing else.
type Instruction struct {
	TaskID             string   `json:"task_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Attempt            int      `json:"attempt"`
	Branch             string   `json:"branch,omitempty"`
}

// Validate checks the instruction is complete and within the size bound.
func (in *Instruction) Validate() error {
	if in.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidInstruction)
	}
	if in.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInstruction)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if len(data) > maxInstructionBytes {
		return fmt.Errorf("%w: instruction size %d exceeds limit %d", ErrInvalidInstruction, len(data), maxInstructionBytes)
	}
	return nil
}

// Result is the change report the generator writes to stdout: the
// workspace-relative paths it modified and a human-readable summary.
type Result struct {
	Files   []string `json:"files"`
	Summary string   `json:"summary"`
}

// ExecError reports a generator process failure with enough detail to
// build a resolution task from: the exit code and the captured stderr.
type ExecError struct {
	ExitCode int
	Stderr   string
	cause    error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("generator failed (exit %d): %v: %s", e.ExitCode, e.cause, e.Stderr)
	}
	return fmt.Sprintf("generator failed (exit %d): %v", e.ExitCode, e.cause)
}

func (e *ExecError) Unwrap() error {
	return e.cause
}

// Generator produces a code change for one task inside a workspace.
type Generator interface {
	// Generate runs the collaborator against workspace with the given
	// instruction and returns the modified files and change summary.
	// Process failures are returned as *ExecError.
	Generate(ctx context.Context, workspace string, in Instruction) (*Result, error)
}

// Config holds ExecGenerator configuration.
type Config struct {
	// Command is the generator argv. Command[0] is the executable.
	Command []string

	// Timeout bounds a single generator run.
	Timeout time.Duration

	// Env is the complete environment for generator processes. Callers
	// pass the sandbox environment so the generator sees the same
	// scrubbed view the task commands do. When nil the parent
	// environment is inherited.
	Env []string
}

// DefaultConfig returns the default generator configuration. Command has
// no default; deployments must configure the collaborator explicitly.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Minute,
	}
}

// ExecGenerator runs the configured command as a subprocess in the
// sandbox workspace.
type ExecGenerator struct {
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewExecGenerator creates a process-based generator.
func NewExecGenerator(config Config, logger *zap.Logger) (*ExecGenerator, error) {
	if len(config.Command) == 0 || config.Command[0] == "" {
		return nil, ErrNoCommand
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecGenerator{
		config: config,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Generate implements Generator.
func (g *ExecGenerator) Generate(ctx context.Context, workspace string, in Instruction) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "codegen.generate",
		trace.WithAttributes(
			attribute.String("task.id", in.TaskID),
			attribute.Int("task.attempt", in.Attempt),
		))
	defer span.End()

	if workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	stdout := &capWriter{max: maxStdoutBytes}
	stderr := &capWriter{max: maxStderrBytes}

	cmd := exec.CommandContext(runCtx, g.config.Command[0], g.config.Command[1:]...)
	cmd.Dir = workspace
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if g.config.Env != nil {
		cmd.Env = g.config.Env
	}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			g.logger.Warn("Generator timed out",
				zap.String("task_id", in.TaskID),
				zap.Duration("timeout", g.config.Timeout))
			return nil, &ExecError{ExitCode: -1, Stderr: stderr.String(), cause: ErrTimeout}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			g.logger.Warn("Generator exited non-zero",
				zap.String("task_id", in.TaskID),
				zap.Int("exit_code", exitErr.ExitCode()),
				zap.Duration("duration", elapsed))
			return nil, &ExecError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String(), cause: runErr}
		}
		return nil, &ExecError{ExitCode: -1, Stderr: stderr.String(), cause: runErr}
	}

	result, err := parseResult(stdout)
	if err != nil {
		g.logger.Warn("Generator output rejected",
			zap.String("task_id", in.TaskID),
			zap.Error(err))
		return nil, err
	}

	g.logger.Info("Generator run complete",
		zap.String("task_id", in.TaskID),
		zap.Int("attempt", in.Attempt),
		zap.Int("files", len(result.Files)),
		zap.Duration("duration", elapsed))

	return result, nil
}

// parseResult decodes and validates the generator's stdout document.
// Reported paths must be workspace-relative; anything absolute or
// escaping the workspace is rejected.
func parseResult(stdout *capWriter) (*Result, error) {
	if stdout.overflowed {
		return nil, fmt.Errorf("%w: stdout exceeded %d bytes", ErrBadOutput, maxStdoutBytes)
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("%w: %v (stdout: %s)", ErrBadOutput, err, snippet(stdout.String()))
	}
	if strings.TrimSpace(result.Summary) == "" {
		return nil, fmt.Errorf("%w: summary is required", ErrBadOutput)
	}
	files, err := sanitize.WorkspaceFiles(result.Files)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOutput, err)
	}
	result.Files = files
	return &result, nil
}

// snippet trims a string for inclusion in an error message.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

// capWriter keeps the first max bytes written and records whether more
// arrived. Head-biased because the result document is parsed from the
// start.
type capWriter struct {
	max        int
	buf        bytes.Buffer
	overflowed bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		w.overflowed = w.overflowed || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.overflowed = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *capWriter) Bytes() []byte  { return w.buf.Bytes() }
func (w *capWriter) String() string { return w.buf.String() }
