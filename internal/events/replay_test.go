package events

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replayEnvelope(sessionID string, seq uint64) *Envelope {
	return &Envelope{
		ID:        fmt.Sprintf("evt_%d", seq),
		Type:      TypeExecutionLog,
		TS:        "2026-08-25T10:15:30Z",
		ProjectID: "proj_1",
		SessionID: sessionID,
		Seq:       seq,
		Payload:   json.RawMessage(`{}`),
	}
}

func TestReplayStore_After(t *testing.T) {
	store := NewReplayStore(8)
	for seq := uint64(1); seq <= 5; seq++ {
		store.Add(replayEnvelope("sess_1", seq))
	}

	got := store.After("sess_1", 2)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(4), got[1].Seq)
	assert.Equal(t, uint64(5), got[2].Seq)

	assert.Empty(t, store.After("sess_1", 5))
	assert.Empty(t, store.After("sess_unknown", 0))
}

func TestReplayStore_EvictsOldest(t *testing.T) {
	store := NewReplayStore(3)
	for seq := uint64(1); seq <= 5; seq++ {
		store.Add(replayEnvelope("sess_1", seq))
	}

	got := store.After("sess_1", 0)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(5), got[2].Seq)
}

func TestReplayStore_SessionsAreIsolated(t *testing.T) {
	store := NewReplayStore(8)
	store.Add(replayEnvelope("sess_1", 1))
	store.Add(replayEnvelope("sess_2", 1))
	store.Add(replayEnvelope("sess_2", 2))

	assert.Len(t, store.After("sess_1", 0), 1)
	assert.Len(t, store.After("sess_2", 0), 2)
}

func TestReplayStore_Drop(t *testing.T) {
	store := NewReplayStore(8)
	store.Add(replayEnvelope("sess_1", 1))
	store.Drop("sess_1")
	assert.Empty(t, store.After("sess_1", 0))
}

func TestReplayStore_Disabled(t *testing.T) {
	store := NewReplayStore(0)
	store.Add(replayEnvelope("sess_1", 1))
	assert.Empty(t, store.After("sess_1", 0))
}
