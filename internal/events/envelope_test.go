package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() *Envelope {
	return &Envelope{
		ID:        "evt_1",
		Type:      TypeExecutionUpdate,
		TS:        "2026-08-25T10:15:30Z",
		ProjectID: "proj_1",
		SessionID: "sess_1",
		TaskID:    "1.1",
		Payload:   json.RawMessage(`{"state":"IMPLEMENT"}`),
	}
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(e *Envelope) {},
		},
		{
			name:   "valid with nano precision",
			mutate: func(e *Envelope) { e.TS = "2026-08-25T10:15:30.123456789Z" },
		},
		{
			name:    "missing id",
			mutate:  func(e *Envelope) { e.ID = "" },
			wantErr: "id is required",
		},
		{
			name:    "unknown type",
			mutate:  func(e *Envelope) { e.Type = "status-ping" },
			wantErr: "unknown envelope type",
		},
		{
			name:    "empty type",
			mutate:  func(e *Envelope) { e.Type = "" },
			wantErr: "unknown envelope type",
		},
		{
			name:    "missing ts",
			mutate:  func(e *Envelope) { e.TS = "" },
			wantErr: "ts is required",
		},
		{
			name:    "numeric utc offset rejected",
			mutate:  func(e *Envelope) { e.TS = "2026-08-25T10:15:30+00:00" },
			wantErr: "literal Z suffix",
		},
		{
			name:    "non-utc offset rejected",
			mutate:  func(e *Envelope) { e.TS = "2026-08-25T12:15:30+02:00" },
			wantErr: "literal Z suffix",
		},
		{
			name:    "garbage ts",
			mutate:  func(e *Envelope) { e.TS = "yesterdayZ" },
			wantErr: "not valid ISO-8601",
		},
		{
			name:    "missing project",
			mutate:  func(e *Envelope) { e.ProjectID = "" },
			wantErr: "project_id is required",
		},
		{
			name:    "missing session",
			mutate:  func(e *Envelope) { e.SessionID = "" },
			wantErr: "session_id is required",
		},
		{
			name:    "empty payload",
			mutate:  func(e *Envelope) { e.Payload = nil },
			wantErr: "payload is required",
		},
		{
			name:    "payload at limit accepted",
			mutate:  func(e *Envelope) { e.Payload = payloadOfSize(MaxPayloadBytes) },
		},
		{
			name:    "payload over limit rejected",
			mutate:  func(e *Envelope) { e.Payload = payloadOfSize(MaxPayloadBytes + 1) },
			wantErr: "exceeds limit",
		},
		{
			name:    "payload not json",
			mutate:  func(e *Envelope) { e.Payload = json.RawMessage(`{"broken":`) },
			wantErr: "not valid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope()
			tt.mutate(env)

			err := env.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// payloadOfSize builds a valid JSON object of exactly n bytes.
func payloadOfSize(n int) json.RawMessage {
	// {"d":"xxxx"} has 8 framing bytes
	filler := bytes.Repeat([]byte("x"), n-8)
	return json.RawMessage(`{"d":"` + string(filler) + `"}`)
}

func TestEnvelope_OversizedNeverTruncated(t *testing.T) {
	payload := payloadOfSize(MaxPayloadBytes + 100)
	env := validEnvelope()
	env.Payload = payload

	err := env.Validate()
	require.Error(t, err)

	// The payload must be untouched after rejection.
	assert.Len(t, []byte(env.Payload), MaxPayloadBytes+100)
}

func TestNew(t *testing.T) {
	env, err := New(TypeCompletion, "proj_1", "sess_1", "1.2", map[string]any{
		"outcome": "merged",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, TypeCompletion, env.Type)
	assert.Equal(t, "proj_1", env.ProjectID)
	assert.Equal(t, "sess_1", env.SessionID)
	assert.Equal(t, "1.2", env.TaskID)
	assert.Zero(t, env.Seq)

	assert.True(t, strings.HasSuffix(env.TS, "Z"), "ts must end with Z, got %q", env.TS)
	parsed, err := time.Parse(time.RFC3339Nano, env.TS)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, 5*time.Second)
}

func TestNew_RejectsOversizedPayload(t *testing.T) {
	big := strings.Repeat("x", MaxPayloadBytes)
	_, err := New(TypeExecutionLog, "proj_1", "sess_1", "", map[string]any{"chunk": big})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestDecode_Roundtrip(t *testing.T) {
	env := validEnvelope()
	env.Seq = 42

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecode_RejectsInvalid(t *testing.T) {
	_, err := Decode([]byte(`{"id":"x","type":"bogus"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json at all`))
	require.Error(t, err)
}

func TestEnvelope_Time(t *testing.T) {
	env := validEnvelope()
	got := env.Time()
	want := time.Date(2026, 8, 25, 10, 15, 30, 0, time.UTC)
	assert.True(t, got.Equal(want), "Time() = %v, want %v", got, want)
}
