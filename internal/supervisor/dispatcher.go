package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RequestSubject is the queue subject ingestion publishes accepted
// automation requests on.
const RequestSubject = "taskd.requests"

// requestQueue is the queue group name; within a group the broker delivers
// each request to exactly one subscriber.
const requestQueue = "taskd-supervisor"

// Action names a control operation carried by a queued request.
type Action string

const (
	ActionInitialize Action = "initialize"
	ActionPause      Action = "pause"
	ActionResume     Action = "resume"
	ActionStop       Action = "stop"
)

// Request is the wire shape of an accepted automation request. The
// ingestion endpoint validates and journals requests before publishing
// them here.
type Request struct {
	// ID is the ingestion-assigned request id.
	ID string `json:"id"`

	// ProjectID identifies the target project.
	ProjectID string `json:"project_id"`

	// Action selects the control operation.
	Action Action `json:"action"`

	// IdempotencyKey is the client's key, when one was provided. The
	// request id stands in otherwise, so republished requests stay
	// idempotent.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Listen consumes automation requests from the queue subject and applies
// them. Safe to call once per supervisor; Close unsubscribes.
func (s *Supervisor) Listen(nc *nats.Conn) error {
	if nc == nil {
		return errors.New("nats connection is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.sub != nil {
		return errors.New("dispatcher already listening")
	}

	sub, err := nc.QueueSubscribe(RequestSubject, requestQueue, s.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", RequestSubject, err)
	}
	s.sub = sub

	s.logger.Info("request dispatcher listening", zap.String("subject", RequestSubject))
	return nil
}

// handleRequest decodes and applies one queued request. Malformed or
// failing requests are logged and dropped; the queue never blocks on them.
func (s *Supervisor) handleRequest(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("dropping malformed automation request", zap.Error(err))
		s.countRequest("", "malformed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.DispatchTimeout)
	defer cancel()

	if _, err := s.dispatch(ctx, &req); err != nil {
		s.logger.Warn("automation request failed",
			zap.String("request_id", req.ID),
			zap.String("project_id", req.ProjectID),
			zap.String("action", string(req.Action)),
			zap.Error(err))
		s.countRequest(string(req.Action), "error")
		return
	}

	s.logger.Info("automation request applied",
		zap.String("request_id", req.ID),
		zap.String("project_id", req.ProjectID),
		zap.String("action", string(req.Action)))
	s.countRequest(string(req.Action), "ok")
}

// dispatch routes a request to the matching control operation.
func (s *Supervisor) dispatch(ctx context.Context, req *Request) (*Status, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = req.ID
	}

	switch req.Action {
	case ActionInitialize:
		return s.Initialize(ctx, &InitializeRequest{ProjectID: req.ProjectID, IdempotencyKey: key})
	case ActionPause:
		return s.Pause(ctx, &ControlRequest{ProjectID: req.ProjectID, IdempotencyKey: key})
	case ActionResume:
		return s.Resume(ctx, &ControlRequest{ProjectID: req.ProjectID, IdempotencyKey: key})
	case ActionStop:
		return s.Stop(ctx, &ControlRequest{ProjectID: req.ProjectID, IdempotencyKey: key})
	default:
		return nil, fmt.Errorf("unknown action: %q", req.Action)
	}
}

// countRequest records one dispatched queue request.
func (s *Supervisor) countRequest(action, outcome string) {
	if s.requestsCounter == nil {
		return
	}
	s.requestsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}
