package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes is the protocol ceiling for a single envelope payload.
// Larger payloads are rejected before send, never truncated.
const MaxPayloadBytes = 10240

// Type identifies the kind of event an envelope carries.
type Type string

const (
	// TypeExecutionUpdate reports a state transition of an execution session.
	TypeExecutionUpdate Type = "execution-update"

	// TypeExecutionLog carries incremental output from a running step.
	TypeExecutionLog Type = "execution-log"

	// TypeError reports a structured execution failure.
	TypeError Type = "error"

	// TypeCompletion reports terminal completion of a task or session.
	TypeCompletion Type = "completion"

	// TypeAlert reports an operational condition such as a latency budget
	// breach. Alerts are advisory and never block delivery.
	TypeAlert Type = "alert"
)

// Types returns every envelope type the channel accepts.
func Types() []Type {
	return []Type{TypeExecutionUpdate, TypeExecutionLog, TypeError, TypeCompletion, TypeAlert}
}

// valid reports whether t is a known envelope type.
func (t Type) valid() bool {
	switch t {
	case TypeExecutionUpdate, TypeExecutionLog, TypeError, TypeCompletion, TypeAlert:
		return true
	}
	return false
}

// Envelope is the wire format for every event on the channel.
type Envelope struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is one of the closed set returned by Types.
	Type Type `json:"type"`

	// TS is the emission time in ISO-8601 UTC. The literal "Z" suffix is
	// required; numeric offsets are rejected even when they denote UTC.
	TS string `json:"ts"`

	// ProjectID and SessionID scope the event. TaskID is empty for
	// session-level events.
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`

	// Seq is assigned by the bus at publish time, monotonic per session.
	Seq uint64 `json:"seq"`

	// Payload is a JSON object of at most MaxPayloadBytes.
	Payload json.RawMessage `json:"payload"`
}

// New builds an envelope for the given scope, marshaling payload to JSON.
// The result carries a fresh ID and a current UTC timestamp; Seq stays zero
// until the bus assigns it.
func New(typ Type, projectID, sessionID, taskID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      typ,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		ProjectID: projectID,
		SessionID: sessionID,
		TaskID:    taskID,
		Payload:   data,
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the envelope against the channel contract. It returns the
// first violation found.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	if !e.Type.valid() {
		return fmt.Errorf("unknown envelope type: %q", e.Type)
	}
	if err := validateTimestamp(e.TS); err != nil {
		return err
	}
	if e.ProjectID == "" {
		return fmt.Errorf("envelope project_id is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("envelope session_id is required")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope payload is required")
	}
	if len(e.Payload) > MaxPayloadBytes {
		return fmt.Errorf("envelope payload is %d bytes, exceeds limit of %d", len(e.Payload), MaxPayloadBytes)
	}
	if !json.Valid(e.Payload) {
		return fmt.Errorf("envelope payload is not valid JSON")
	}
	return nil
}

// validateTimestamp enforces ISO-8601 UTC with a literal "Z" suffix.
func validateTimestamp(ts string) error {
	if ts == "" {
		return fmt.Errorf("envelope ts is required")
	}
	if !strings.HasSuffix(ts, "Z") {
		return fmt.Errorf("envelope ts must be UTC with literal Z suffix, got %q", ts)
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		return fmt.Errorf("envelope ts is not valid ISO-8601: %w", err)
	}
	return nil
}

// Time parses the envelope timestamp. Call Validate first; Time returns the
// zero time for malformed input.
func (e *Envelope) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.TS)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Encode marshals the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from wire bytes and validates it.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
