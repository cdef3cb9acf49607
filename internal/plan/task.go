package plan

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Errors for task and injection validation.
var (
	ErrInvalidTaskID     = errors.New("invalid task id: segments of [a-zA-Z0-9_-] joined by dots")
	ErrInvalidInjection  = errors.New("invalid injection request")
	ErrInvalidPosition   = errors.New("injection position out of range")
	ErrDuplicateTask     = errors.New("task id already exists in plan")
	ErrUnknownDependency = errors.New("task references unknown dependency")
)

// taskIDPattern validates hierarchical dotted task IDs such as "2.1.3" or
// "resolve-4f3a2b1c".
var taskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+(\.[a-zA-Z0-9_-]+)*$`)

// Status is the lifecycle state of a task within the plan.
type Status string

const (
	// StatusPending marks a task that has not started.
	StatusPending Status = "pending"

	// StatusActive marks the task currently being executed. At most one
	// task per plan is active at a time.
	StatusActive Status = "active"

	// StatusCompleted marks a finished task.
	StatusCompleted Status = "completed"

	// StatusReplaced marks a task substituted by a replace injection. The
	// override is recorded in the audit trail, never applied silently.
	StatusReplaced Status = "replaced"

	// StatusInjected marks a task added by an injection and not yet
	// started. Injected tasks are selectable like pending ones.
	StatusInjected Status = "injected"
)

// valid reports whether s is a known status.
func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusReplaced, StatusInjected:
		return true
	}
	return false
}

// Selectable reports whether a task in this status may be picked for
// execution.
func (s Status) Selectable() bool {
	return s == StatusPending || s == StatusInjected
}

// Terminal reports whether the status ends a task's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusReplaced
}

// Task is one unit of work in the plan. Tasks are owned by the Store and
// mutated only through its operations; callers always receive copies.
type Task struct {
	// ID is a hierarchical dotted identifier, e.g. "2.1.3".
	ID string `json:"id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// AcceptanceCriteria describe what a completed task must satisfy.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`

	// Dependencies list task IDs that must be completed before this task
	// becomes eligible.
	Dependencies []string `json:"dependencies,omitempty"`

	Status   Status `json:"status"`
	Priority int    `json:"priority,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Summary records the change summary written when the task completed.
	Summary string `json:"summary,omitempty"`
}

// Validate checks the task's fields in isolation. Cross-task rules such as
// dependency existence belong to Plan.Validate.
func (t *Task) Validate() error {
	if t.ID == "" || !taskIDPattern.MatchString(t.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, t.ID)
	}
	if t.Title == "" {
		return fmt.Errorf("task %s: title is required", t.ID)
	}
	if !t.Status.valid() {
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	for _, dep := range t.Dependencies {
		if !taskIDPattern.MatchString(dep) {
			return fmt.Errorf("task %s: %w: %q", t.ID, ErrInvalidTaskID, dep)
		}
		if dep == t.ID {
			return fmt.Errorf("task %s: depends on itself", t.ID)
		}
	}
	return nil
}

// clone returns a deep copy of the task.
func (t *Task) clone() *Task {
	c := *t
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// InjectionType selects how an injected task enters the plan.
type InjectionType string

const (
	// InjectPriority inserts the task immediately before the active (or
	// next selectable) task. A running task is rolled back to pending.
	InjectPriority InjectionType = "priority"

	// InjectReplace substitutes the task for the currently active one,
	// marking the original replaced.
	InjectReplace InjectionType = "replace"

	// InjectPositional inserts the task at an explicit plan position with
	// no disruption to the running task.
	InjectPositional InjectionType = "positional"
)

// valid reports whether it is a known injection type.
func (it InjectionType) valid() bool {
	switch it {
	case InjectPriority, InjectReplace, InjectPositional:
		return true
	}
	return false
}

// InjectionRequest asks the Store to mutate the plan. Requests are
// transient: once applied or rejected they leave no pending state beyond
// the audit record.
type InjectionRequest struct {
	InjectionID string        `json:"injection_id"`
	ProjectID   string        `json:"project_id"`
	Type        InjectionType `json:"injection_type"`

	// Position is the explicit insertion index for positional injections;
	// nil otherwise.
	Position *int `json:"target_position,omitempty"`

	Task        Task      `json:"task"`
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks the request shape before it reaches the plan.
func (r *InjectionRequest) Validate() error {
	if !r.Type.valid() {
		return fmt.Errorf("%w: unknown injection type %q", ErrInvalidInjection, r.Type)
	}
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidInjection)
	}
	if r.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidInjection)
	}
	if r.RequestedBy == "" {
		return fmt.Errorf("%w: requested_by is required", ErrInvalidInjection)
	}
	if r.Type == InjectPositional && r.Position == nil {
		return fmt.Errorf("%w: positional injection requires target_position", ErrInvalidInjection)
	}
	if r.Type != InjectPositional && r.Position != nil {
		return fmt.Errorf("%w: target_position is only valid for positional injections", ErrInvalidInjection)
	}
	if r.Task.ID == "" || !taskIDPattern.MatchString(r.Task.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, r.Task.ID)
	}
	if r.Task.Title == "" {
		return fmt.Errorf("%w: task title is required", ErrInvalidInjection)
	}
	return nil
}

// ApplyResult reports a committed injection. TaskID is the id of the task
// the injection placed in the plan.
type ApplyResult struct {
	Accepted    bool   `json:"accepted"`
	InjectionID string `json:"injection_id"`
	TaskID      string `json:"task_id"`
	PlanVersion int    `json:"plan_version"`
}

// AuditRecord is the durable trace of one committed injection.
type AuditRecord struct {
	InjectionID string        `json:"injection_id"`
	Type        InjectionType `json:"injection_type"`
	TaskID      string        `json:"task_id"`

	// ReplacedTaskID is set for replace injections.
	ReplacedTaskID string `json:"replaced_task_id,omitempty"`

	Position    *int      `json:"position,omitempty"`
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	PlanVersion int       `json:"plan_version"`
	Timestamp   time.Time `json:"timestamp"`
}
