package events

import (
	"sync"
)

// ReplayStore retains the most recent envelopes per session so observers can
// resume a stream after reconnecting without losing recent history.
type ReplayStore struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring
}

// ring is a fixed-size buffer of envelopes in publish order.
type ring struct {
	buf   []*Envelope
	next  int
	count int
}

// NewReplayStore creates a store retaining up to capacity envelopes per
// session. Capacity below 1 disables retention.
func NewReplayStore(capacity int) *ReplayStore {
	return &ReplayStore{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

// Add records an envelope for later replay.
func (s *ReplayStore) Add(env *Envelope) {
	if s.capacity < 1 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[env.SessionID]
	if !ok {
		r = &ring{buf: make([]*Envelope, s.capacity)}
		s.rings[env.SessionID] = r
	}

	r.buf[r.next] = env
	r.next = (r.next + 1) % s.capacity
	if r.count < s.capacity {
		r.count++
	}
}

// After returns retained envelopes for the session with Seq greater than
// afterSeq, oldest first. afterSeq zero returns everything retained.
func (s *ReplayStore) After(sessionID string, afterSeq uint64) []*Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rings[sessionID]
	if !ok {
		return nil
	}

	out := make([]*Envelope, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += s.capacity
	}
	for i := 0; i < r.count; i++ {
		env := r.buf[(start+i)%s.capacity]
		if env != nil && env.Seq > afterSeq {
			out = append(out, env)
		}
	}
	return out
}

// Drop releases retained history for a session, typically after terminal
// completion.
func (s *ReplayStore) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, sessionID)
}
