package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/codegen"
	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/sandbox"
)

// Category classifies a failure for retry and escalation decisions.
type Category string

const (
	// CategoryTransient covers timeouts, provisioning hiccups, and
	// redeliveries. Retried automatically within the task retry ceiling.
	CategoryTransient Category = "transient"

	// CategoryVerification covers build and test failures plus any step
	// error that needs investigation. Always routed through the
	// coordinator, never silently retried.
	CategoryVerification Category = "verification"

	// CategoryPlanIntegrity covers plan store write conflicts and
	// corrupted plans. Rejected at the store boundary, never partially
	// applied.
	CategoryPlanIntegrity Category = "plan_integrity"

	// CategoryFatal covers exhausted retry ceilings and repeated
	// injection failures. Routes the session to human review.
	CategoryFatal Category = "fatal"
)

func (c Category) valid() bool {
	switch c {
	case CategoryTransient, CategoryVerification, CategoryPlanIntegrity, CategoryFatal:
		return true
	}
	return false
}

// Failure is the structured artifact captured when a step fails. The
// orchestrator must always be able to explain why a task failed, so
// failures carry process detail instead of an opaque error string.
type Failure struct {
	TaskID     string    `json:"task_id"`
	Step       string    `json:"step"`
	Category   Category  `json:"category"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`

	// Origin is the original task the resolution attempt counts against.
	// When a resolution task itself fails, TaskID names the resolution
	// task and Origin the task whose failure created it, so consecutive
	// failures accumulate toward one ceiling. Empty means TaskID.
	Origin string `json:"origin,omitempty"`
}

// origin returns the task id the attempt count is keyed on.
func (f *Failure) origin() string {
	if f.Origin != "" {
		return f.Origin
	}
	return f.TaskID
}

// Validate checks the failure carries enough to build a resolution task.
func (f *Failure) Validate() error {
	if f.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if f.Step == "" {
		return fmt.Errorf("step is required")
	}
	if !f.Category.valid() {
		return fmt.Errorf("unknown category %q", f.Category)
	}
	if f.Message == "" && f.Stderr == "" {
		return fmt.Errorf("message or stderr is required")
	}
	return nil
}

// Classify maps a step error to a failure category. The fatal category
// is never produced here; exceeding the retry ceiling is the engine's
// call, not a property of a single error.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryVerification
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, sandbox.ErrProvisionFailed),
		errors.Is(err, sandbox.ErrExecTimeout),
		errors.Is(err, codegen.ErrTimeout):
		return CategoryTransient
	case errors.Is(err, plan.ErrStoreRetry),
		errors.Is(err, plan.ErrPlanCorrupted):
		return CategoryPlanIntegrity
	default:
		return CategoryVerification
	}
}

// tailLines keeps the last limit bytes of a log, aligned to a line
// boundary where possible. Build and test output puts the interesting
// part at the end.
func tailLines(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[len(s)-limit:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i+1 < len(cut) {
		cut = cut[i+1:]
	}
	return "(truncated)\n" + cut
}
