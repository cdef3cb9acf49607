package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/sanitize"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/events"

// subjectPrefix roots every event subject. Full subjects take the form
// events.<project>.<session>.<type>.
const subjectPrefix = "events"

// ErrPayloadTooLarge is returned when a payload exceeds the configured limit.
var ErrPayloadTooLarge = errors.New("event payload exceeds size limit")

// Bus publishes envelopes to the event channel and hands out subscriptions.
type Bus interface {
	// Publish validates env, assigns its sequence number, and sends it.
	// Oversized payloads fail with ErrPayloadTooLarge before any bytes
	// leave the process.
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe delivers envelopes for one session. An empty sessionID
	// subscribes to every session of the project.
	Subscribe(projectID, sessionID string) (Subscription, error)

	// Replay returns retained envelopes for a session after the given
	// sequence number, oldest first.
	Replay(sessionID string, afterSeq uint64) []*Envelope

	// DropSession releases per-session state once a session is terminal.
	DropSession(sessionID string)

	// Close drains the connection-local state. The NATS connection itself
	// belongs to the caller.
	Close() error
}

// Subscription is a live envelope feed.
type Subscription interface {
	// C yields decoded envelopes until Unsubscribe.
	C() <-chan *Envelope

	// Unsubscribe stops delivery and closes the channel.
	Unsubscribe() error
}

// BusConfig configures the publishing side of the event channel.
type BusConfig struct {
	// MaxPayloadBytes caps envelope payloads. Defaults to MaxPayloadBytes
	// and may only be lowered; the protocol ceiling always applies.
	MaxPayloadBytes int

	// DeliveryBudget is the latency target for handing an envelope to the
	// broker. Breaches emit an alert event and never block the publish.
	DeliveryBudget time.Duration

	// ReplayBufferSize bounds per-session replay retention.
	ReplayBufferSize int

	// SubscribeBuffer sizes subscription channels.
	SubscribeBuffer int
}

// DefaultBusConfig returns sensible defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		MaxPayloadBytes:  MaxPayloadBytes,
		DeliveryBudget:   500 * time.Millisecond,
		ReplayBufferSize: 256,
		SubscribeBuffer:  64,
	}
}

// bus implements Bus over a NATS connection.
type bus struct {
	config *BusConfig
	nc     *nats.Conn
	logger *zap.Logger
	replay *ReplayStore

	tracer trace.Tracer
	meter  metric.Meter

	publishedCounter metric.Int64Counter
	rejectedCounter  metric.Int64Counter
	breachCounter    metric.Int64Counter
	publishLatency   metric.Float64Histogram

	seqMu sync.Mutex
	seqs  map[string]uint64

	mu     sync.RWMutex
	closed bool
}

// NewBus creates a Bus over an established NATS connection.
func NewBus(cfg *BusConfig, nc *nats.Conn, logger *zap.Logger) (Bus, error) {
	if cfg == nil {
		cfg = DefaultBusConfig()
	}
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPayloadBytes <= 0 || cfg.MaxPayloadBytes > MaxPayloadBytes {
		cfg.MaxPayloadBytes = MaxPayloadBytes
	}

	b := &bus{
		config: cfg,
		nc:     nc,
		logger: logger,
		replay: NewReplayStore(cfg.ReplayBufferSize),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		seqs:   make(map[string]uint64),
	}

	b.initMetrics()

	return b, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (b *bus) initMetrics() {
	var err error

	b.publishedCounter, err = b.meter.Int64Counter(
		"taskd.events.published_total",
		metric.WithDescription("Total number of envelopes published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		b.logger.Warn("failed to create published counter", zap.Error(err))
	}

	b.rejectedCounter, err = b.meter.Int64Counter(
		"taskd.events.rejected_total",
		metric.WithDescription("Total number of envelopes rejected before send"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		b.logger.Warn("failed to create rejected counter", zap.Error(err))
	}

	b.breachCounter, err = b.meter.Int64Counter(
		"taskd.events.delivery_budget_breaches_total",
		metric.WithDescription("Total number of delivery budget breaches"),
		metric.WithUnit("{breach}"),
	)
	if err != nil {
		b.logger.Warn("failed to create breach counter", zap.Error(err))
	}

	b.publishLatency, err = b.meter.Float64Histogram(
		"taskd.events.publish_duration_seconds",
		metric.WithDescription("Time to hand an envelope to the broker"),
		metric.WithUnit("s"),
	)
	if err != nil {
		b.logger.Warn("failed to create publish histogram", zap.Error(err))
	}
}

// Subject returns the NATS subject for a session's events. Empty sessionID
// yields a wildcard over the project. IDs are flattened to single subject
// tokens first: a project id containing a dot would otherwise span two
// tokens and match another project's wildcard subscription.
func Subject(projectID, sessionID string, typ Type) string {
	project := sanitize.Token(projectID)
	if sessionID == "" {
		return fmt.Sprintf("%s.%s.>", subjectPrefix, project)
	}
	session := sanitize.Token(sessionID)
	if typ == "" {
		return fmt.Sprintf("%s.%s.%s.*", subjectPrefix, project, session)
	}
	return fmt.Sprintf("%s.%s.%s.%s", subjectPrefix, project, session, typ)
}

// Publish validates, sequences, and sends an envelope.
func (b *bus) Publish(ctx context.Context, env *Envelope) error {
	ctx, span := b.tracer.Start(ctx, "events.publish")
	defer span.End()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("bus is closed")
	}
	b.mu.RUnlock()

	if env == nil {
		return errors.New("envelope is required")
	}

	span.SetAttributes(
		attribute.String("event.type", string(env.Type)),
		attribute.String("project.id", env.ProjectID),
		attribute.String("session.id", env.SessionID),
	)

	// Enforce the configured limit before the protocol ceiling so stricter
	// deployments reject earlier.
	if len(env.Payload) > b.config.MaxPayloadBytes {
		b.countRejected(ctx, env, "payload_too_large")
		span.SetStatus(codes.Error, "payload too large")
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(env.Payload), b.config.MaxPayloadBytes)
	}

	if err := env.Validate(); err != nil {
		b.countRejected(ctx, env, "invalid")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	env.Seq = b.nextSeq(env.SessionID)

	data, err := env.Encode()
	if err != nil {
		b.countRejected(ctx, env, "encode")
		span.RecordError(err)
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	subject := Subject(env.ProjectID, env.SessionID, env.Type)

	start := time.Now()
	if err := b.nc.Publish(subject, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	elapsed := time.Since(start)

	b.replay.Add(env)

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(env.Type)),
		))
	}
	if b.publishLatency != nil {
		b.publishLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("type", string(env.Type)),
		))
	}

	if b.config.DeliveryBudget > 0 && elapsed > b.config.DeliveryBudget {
		b.reportBudgetBreach(env, elapsed)
	}

	span.SetAttributes(attribute.Int64("event.seq", int64(env.Seq)))
	return nil
}

// nextSeq returns the next per-session sequence number, starting at 1.
func (b *bus) nextSeq(sessionID string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seqs[sessionID]++
	return b.seqs[sessionID]
}

// countRejected records a rejected publish attempt.
func (b *bus) countRejected(ctx context.Context, env *Envelope, reason string) {
	if b.rejectedCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("reason", reason)}
	if env != nil {
		attrs = append(attrs, attribute.String("type", string(env.Type)))
	}
	b.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// reportBudgetBreach emits an advisory alert event for a slow delivery.
// The alert publishes asynchronously so the original publish never blocks,
// and alerts themselves never trigger further alerts.
func (b *bus) reportBudgetBreach(env *Envelope, elapsed time.Duration) {
	if b.breachCounter != nil {
		b.breachCounter.Add(context.Background(), 1)
	}

	b.logger.Warn("delivery budget breached",
		zap.String("event.id", env.ID),
		zap.String("session.id", env.SessionID),
		zap.Duration("budget", b.config.DeliveryBudget),
		zap.Duration("observed", elapsed),
	)

	if env.Type == TypeAlert {
		return
	}

	go func() {
		alert, err := New(TypeAlert, env.ProjectID, env.SessionID, env.TaskID, map[string]any{
			"kind":        "delivery-budget-breach",
			"event_id":    env.ID,
			"budget_ms":   b.config.DeliveryBudget.Milliseconds(),
			"observed_ms": elapsed.Milliseconds(),
		})
		if err != nil {
			b.logger.Warn("failed to build breach alert", zap.Error(err))
			return
		}
		if err := b.Publish(context.Background(), alert); err != nil {
			b.logger.Warn("failed to publish breach alert", zap.Error(err))
		}
	}()
}

// subscription adapts a NATS subscription to decoded envelopes.
type subscription struct {
	sub    *nats.Subscription
	out    chan *Envelope
	msgs   chan *nats.Msg
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// Subscribe delivers envelopes for one session or a whole project.
func (b *bus) Subscribe(projectID, sessionID string) (Subscription, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, errors.New("bus is closed")
	}
	b.mu.RUnlock()

	if projectID == "" {
		return nil, errors.New("project id is required")
	}

	msgs := make(chan *nats.Msg, b.config.SubscribeBuffer)
	natsSub, err := b.nc.ChanSubscribe(Subject(projectID, sessionID, ""), msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	s := &subscription{
		sub:    natsSub,
		out:    make(chan *Envelope, b.config.SubscribeBuffer),
		msgs:   msgs,
		done:   make(chan struct{}),
		logger: b.logger,
	}

	go s.pump()

	return s, nil
}

// pump decodes broker messages until the subscription ends. Malformed
// messages are dropped with a warning; they never kill the feed.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.msgs:
			if !ok {
				return
			}
			env, err := Decode(msg.Data)
			if err != nil {
				s.logger.Warn("dropping malformed envelope", zap.Error(err))
				continue
			}
			select {
			case s.out <- env:
			case <-s.done:
				return
			}
		}
	}
}

// C yields decoded envelopes.
func (s *subscription) C() <-chan *Envelope {
	return s.out
}

// Unsubscribe stops delivery.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}

// Replay returns retained envelopes for a session after afterSeq.
func (b *bus) Replay(sessionID string, afterSeq uint64) []*Envelope {
	return b.replay.After(sessionID, afterSeq)
}

// DropSession releases sequence and replay state for a finished session.
func (b *bus) DropSession(sessionID string) {
	b.seqMu.Lock()
	delete(b.seqs, sessionID)
	b.seqMu.Unlock()
	b.replay.Drop(sessionID)
}

// Close marks the bus closed. The NATS connection belongs to the caller.
func (b *bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return nil
}
