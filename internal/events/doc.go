// Package events provides the real-time event channel for taskd.
//
// Execution progress flows from sessions to observers as versioned envelopes
// over NATS. The package contains the envelope codec and validation rules,
// an embedded broker for single-binary deployments, the publishing bus with
// per-session sequencing and delivery budget tracking, a replay buffer for
// resumable streams, and an observer client with fixed-interval reconnect.
//
// Envelopes are validated before send. Oversized payloads are rejected
// outright, never truncated, so observers either receive a complete message
// or an error event describing the rejection.
package events
