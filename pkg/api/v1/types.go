// Package v1 defines the wire types shared by the taskd HTTP API and its
// clients.
package v1

import "time"

// Automation actions accepted by the ingestion endpoint.
const (
	ActionInitialize = "initialize"
	ActionPause      = "pause"
	ActionResume     = "resume"
	ActionStop       = "stop"
)

// ValidAction reports whether action names a known automation action.
func ValidAction(action string) bool {
	switch action {
	case ActionInitialize, ActionPause, ActionResume, ActionStop:
		return true
	}
	return false
}

// AutomationRequest is the body for POST /api/v1/requests. Its JSON shape
// matches the queue message the supervisor dispatcher consumes, so accepted
// requests are forwarded byte-for-byte.
type AutomationRequest struct {
	// ID identifies the request; the server assigns one when empty.
	ID string `json:"id,omitempty"`

	ProjectID string `json:"project_id"`
	Action    string `json:"action"`

	// IdempotencyKey makes redelivered requests replay the original reply.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AcceptedResponse is the 202 reply for an accepted ingestion request.
type AcceptedResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// ProjectStatus is a point-in-time view of one project's automation.
type ProjectStatus struct {
	ProjectID      string    `json:"project_id"`
	State          string    `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	RetryCount     int       `json:"retry_count"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksRemaining int       `json:"tasks_remaining"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProjectList is the reply for GET /api/v1/projects.
type ProjectList struct {
	Projects []ProjectStatus `json:"projects"`

	// Counts aggregates projects by state.
	Counts map[string]int `json:"counts"`
}

// TaskSpec describes a task to inject into a plan.
type TaskSpec struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	Priority           int      `json:"priority,omitempty"`
}

// InjectionRequest is the body for POST
// /api/v1/projects/:project_id/injections.
type InjectionRequest struct {
	// InjectionID identifies the injection; the server assigns one when
	// empty.
	InjectionID string `json:"injection_id,omitempty"`

	// Type is one of "priority", "replace", "positional".
	Type string `json:"injection_type"`

	// Position is the insertion index for positional injections.
	Position *int `json:"target_position,omitempty"`

	Task        TaskSpec `json:"task"`
	Reason      string   `json:"reason"`
	RequestedBy string   `json:"requested_by"`
}

// InjectionResponse is the 202 reply for a committed injection.
type InjectionResponse struct {
	Accepted    bool   `json:"accepted"`
	InjectionID string `json:"injection_id"`
	TaskID      string `json:"task_id"`
	PlanVersion int    `json:"plan_version"`
}

// HealthResponse is the reply for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
