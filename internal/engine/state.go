package engine

import (
	"time"
)

// State is one position of the execution state machine. The set is closed:
// sessions move only along the edges described in the package documentation.
type State string

const (
	// StateSelect picks the next eligible task from the plan.
	StateSelect State = "SELECT"

	// StatePrep provisions a sandbox and materializes the repository on a
	// task branch.
	StatePrep State = "PREP"

	// StateImplement runs the code generator against the workspace.
	StateImplement State = "IMPLEMENT"

	// StateVerify runs the build and test commands inside the sandbox.
	StateVerify State = "VERIFY"

	// StateMerge commits the workspace and fast-forwards the default
	// branch onto the task branch.
	StateMerge State = "MERGE"

	// StatePush publishes the task and default branches upstream.
	StatePush State = "PUSH"

	// StateUpdatePlan marks the task completed in the plan.
	StateUpdatePlan State = "UPDATE_PLAN"

	// StateDone ends the session: a task completed, the plan is
	// exhausted, or the plan is blocked.
	StateDone State = "DONE"

	// StateErrorInject converts a step failure into a priority-injected
	// resolution task, then re-enters SELECT.
	StateErrorInject State = "ERROR_INJECT"

	// StateHumanReview parks the session for an operator after the retry
	// ceiling is exceeded or injection itself keeps failing.
	StateHumanReview State = "HUMAN_REVIEW"
)

// States returns every state of the machine.
func States() []State {
	return []State{
		StateSelect, StatePrep, StateImplement, StateVerify, StateMerge,
		StatePush, StateUpdatePlan, StateDone, StateErrorInject, StateHumanReview,
	}
}

// Terminal reports whether the state ends a session run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateHumanReview
}

// step names the state for failure records and span names.
func (s State) step() string {
	switch s {
	case StateSelect:
		return "select"
	case StatePrep:
		return "prep"
	case StateImplement:
		return "implement"
	case StateVerify:
		return "verify"
	case StateMerge:
		return "merge"
	case StatePush:
		return "push"
	case StateUpdatePlan:
		return "update_plan"
	case StateErrorInject:
		return "error_inject"
	default:
		return string(s)
	}
}

// Session is the observable record of one execution session. Values are
// snapshots; the engine owns the live copy.
type Session struct {
	// ID identifies the session across events and status reads.
	ID string `json:"id"`

	// ProjectID scopes the session to one project.
	ProjectID string `json:"project_id"`

	// CurrentTaskID is the task being executed, empty between tasks.
	CurrentTaskID string `json:"current_task_id,omitempty"`

	// State is the machine position at snapshot time.
	State State `json:"state"`

	// BranchName is the task branch of the current attempt.
	BranchName string `json:"branch_name,omitempty"`

	// RetryCount is the number of resolution tasks injected for the
	// original task the session is currently working toward.
	RetryCount int `json:"retry_count"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// SandboxID is the live sandbox of the current attempt, empty once
	// torn down.
	SandboxID string `json:"sandbox_id,omitempty"`
}
