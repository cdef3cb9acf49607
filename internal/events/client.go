package events

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnState is the observer connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig configures an observer connection to the event broker.
type ClientConfig struct {
	// URL of the broker.
	URL string

	// Name identifies the connection to the broker, useful in monitoring.
	Name string

	// ReconnectInterval is the fixed delay between reconnect attempts.
	// The delay never grows with the attempt count and attempts never
	// stop on their own.
	ReconnectInterval time.Duration

	// HandshakeBudget is the connection establishment latency target.
	// A breach is reported, never enforced.
	HandshakeBudget time.Duration

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration

	// RetryOnFailedConnect keeps dialing at ReconnectInterval when the
	// first attempt fails instead of returning an error.
	RetryOnFailedConnect bool
}

// DefaultClientConfig returns observer defaults.
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		Name:              "taskd-observer",
		ReconnectInterval: 2 * time.Second,
		HandshakeBudget:   300 * time.Millisecond,
		ConnectTimeout:    2 * time.Second,
	}
}

// Client maintains an observer connection with fixed-interval reconnect.
type Client struct {
	config *ClientConfig
	logger *zap.Logger
	nc     *nats.Conn

	state         atomic.Int32
	reconnects    atomic.Int64
	lastHandshake atomic.Int64 // nanoseconds

	// onStateChange fires after every state transition. Optional.
	onStateChange func(ConnState)
}

// ClientOption customizes a Client before it connects.
type ClientOption func(*Client)

// WithStateHandler registers a callback for connection state transitions.
func WithStateHandler(fn func(ConnState)) ClientOption {
	return func(c *Client) { c.onStateChange = fn }
}

// Dial connects to the broker and returns a Client. The handshake duration
// is measured against HandshakeBudget; a breach logs a warning and shows up
// in HandshakeExceeded, but the connection proceeds.
func Dial(cfg *ClientConfig, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("broker url is required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.setState(StateConnecting)

	start := time.Now()
	nc, err := nats.Connect(cfg.URL, c.natsOptions()...)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	handshake := time.Since(start)
	c.lastHandshake.Store(int64(handshake))

	c.nc = nc
	if nc.IsConnected() {
		c.setState(StateConnected)
	} else {
		// RetryOnFailedConnect path: the conn dials in the background.
		c.setState(StateReconnecting)
	}

	if cfg.HandshakeBudget > 0 && handshake > cfg.HandshakeBudget {
		c.logger.Warn("handshake budget breached",
			zap.Duration("budget", cfg.HandshakeBudget),
			zap.Duration("observed", handshake),
		)
	}

	return c, nil
}

// natsOptions builds the connection options implementing the reconnect
// policy: a constant delay independent of the attempt count, no jitter,
// and no cap on attempts.
func (c *Client) natsOptions() []nats.Option {
	interval := c.config.ReconnectInterval

	opts := []nats.Option{
		nats.Name(c.config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(interval),
		nats.ReconnectJitter(0, 0),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return interval
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.setState(StateReconnecting)
			c.logger.Warn("broker connection lost", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.reconnects.Add(1)
			c.setState(StateConnected)
			c.logger.Info("broker connection restored",
				zap.String("url", nc.ConnectedUrl()),
				zap.Int64("reconnects", c.reconnects.Load()),
			)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.setState(StateClosed)
			c.logger.Info("broker connection closed")
		}),
	}

	if c.config.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(c.config.ConnectTimeout))
	}
	if c.config.RetryOnFailedConnect {
		opts = append(opts, nats.RetryOnFailedConnect(true))
	}

	return opts
}

// setState records a transition and notifies the handler.
func (c *Client) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// Conn exposes the underlying connection for bus construction.
func (c *Client) Conn() *nats.Conn {
	return c.nc
}

// Reconnects returns how many times the connection has been re-established.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// LastHandshake returns the duration of the most recent successful dial.
func (c *Client) LastHandshake() time.Duration {
	return time.Duration(c.lastHandshake.Load())
}

// HandshakeExceeded reports whether the last dial blew the budget.
func (c *Client) HandshakeExceeded() bool {
	budget := c.config.HandshakeBudget
	return budget > 0 && c.LastHandshake() > budget
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
	c.setState(StateClosed)
}
