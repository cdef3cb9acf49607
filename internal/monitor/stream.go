package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/events"
)

// feedBuffer bounds the envelope channel handed to the consumer.
const feedBuffer = 64

// StreamConfig configures an observer connection to a project's SSE
// event stream.
type StreamConfig struct {
	// ServerURL of the taskd control plane, e.g. "http://localhost:9390".
	ServerURL string

	// ProjectID scopes the subscription. Required.
	ProjectID string

	// SessionID narrows the feed to one session. Session-scoped streams
	// resume across reconnects via Last-Event-ID; project-wide streams
	// cannot and raise the resync flag instead.
	SessionID string

	// Token authenticates the stream when the server requires it.
	Token string

	// AfterSeq starts a session-scoped stream after the given sequence
	// number, replaying everything the server still buffers. Zero joins
	// live.
	AfterSeq uint64

	// ReconnectInterval is the fixed delay between reconnect attempts.
	// The delay never grows with the attempt count and attempts never
	// stop on their own.
	ReconnectInterval time.Duration

	// HandshakeBudget is the connection establishment latency target.
	// A breach is reported, never enforced.
	HandshakeBudget time.Duration
}

// StreamClient consumes a project event stream with fixed-interval
// reconnect, delivering decoded envelopes on a channel.
type StreamClient struct {
	config StreamConfig
	client *http.Client

	state         atomic.Int32
	reconnects    atomic.Int64
	lastHandshake atomic.Int64 // nanoseconds
	resync        atomic.Bool

	mu      sync.Mutex
	lastSeq uint64
	lastErr error

	// onStateChange fires after every state transition. Optional.
	onStateChange func(events.ConnState)
}

// StreamOption customizes a StreamClient before it connects.
type StreamOption func(*StreamClient)

// WithStreamStateHandler registers a callback for connection state
// transitions.
func WithStreamStateHandler(fn func(events.ConnState)) StreamOption {
	return func(c *StreamClient) { c.onStateChange = fn }
}

// NewStreamClient builds an observer for one project's event stream.
func NewStreamClient(cfg StreamConfig, opts ...StreamOption) (*StreamClient, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.HandshakeBudget <= 0 {
		cfg.HandshakeBudget = 300 * time.Millisecond
	}

	c := &StreamClient{
		config: cfg,
		// No client-wide timeout: the response body is a long-lived stream.
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastSeq = cfg.AfterSeq
	return c, nil
}

// Run connects and delivers envelopes until ctx ends. A lost connection
// is redialed at the configured fixed interval, forever. The returned
// channel closes once ctx is done.
func (c *StreamClient) Run(ctx context.Context) <-chan *events.Envelope {
	feed := make(chan *events.Envelope, feedBuffer)

	go func() {
		defer close(feed)
		defer c.setState(events.StateClosed)

		first := true
		for {
			if ctx.Err() != nil {
				return
			}
			if first {
				c.setState(events.StateConnecting)
			} else {
				c.setState(events.StateReconnecting)
			}

			c.stream(ctx, feed, first)
			first = false

			select {
			case <-time.After(c.config.ReconnectInterval):
			case <-ctx.Done():
				return
			}
		}
	}()

	return feed
}

// stream runs one connection lifetime: dial, hand envelopes to feed,
// return when the stream breaks.
func (c *StreamClient) stream(ctx context.Context, feed chan<- *events.Envelope, first bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(), nil)
	if err != nil {
		c.recordError(err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	if seq := c.resumeSeq(); seq > 0 && c.config.SessionID != "" {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(seq, 10))
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.recordError(err)
		return
	}
	defer resp.Body.Close()
	c.lastHandshake.Store(int64(time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		c.recordError(fmt.Errorf("server returned status %d", resp.StatusCode))
		return
	}

	c.connected(first)
	c.readEvents(ctx, resp.Body, feed)
}

// connected records a successful dial and decides whether the consumer
// needs a resync. A session-scoped stream with a resume position replays
// the gap on the server; anything else may have missed events.
func (c *StreamClient) connected(first bool) {
	c.setState(events.StateConnected)
	c.clearError()
	if first {
		return
	}
	c.reconnects.Add(1)
	if c.config.SessionID == "" || c.resumeSeq() == 0 {
		c.resync.Store(true)
	}
}

// readEvents parses SSE frames off the response body until it breaks.
// The id: and event: lines duplicate fields already inside the envelope
// JSON, so only data: lines and dispatch blanks matter here.
func (c *StreamClient) readEvents(ctx context.Context, body io.Reader, feed chan<- *events.Envelope) {
	reader := bufio.NewReader(body)

	var data strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				c.recordError(err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			env, err := events.Decode([]byte(data.String()))
			data.Reset()
			if err != nil {
				c.recordError(err)
				continue
			}
			if c.config.SessionID != "" {
				// Replay overlaps live delivery; sequence numbers
				// deduplicate.
				if env.Seq <= c.resumeSeq() {
					continue
				}
				c.advance(env.Seq)
			}
			select {
			case feed <- env:
			case <-ctx.Done():
				return
			}

		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.

		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// streamURL builds the SSE endpoint for the configured scope.
func (c *StreamClient) streamURL() string {
	u := fmt.Sprintf("%s/api/v1/projects/%s/events",
		strings.TrimRight(c.config.ServerURL, "/"),
		url.PathEscape(c.config.ProjectID))
	if c.config.SessionID != "" {
		u += "?session_id=" + url.QueryEscape(c.config.SessionID)
	}
	return u
}

// setState records a transition and notifies the handler.
func (c *StreamClient) setState(s events.ConnState) {
	old := events.ConnState(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

func (c *StreamClient) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *StreamClient) clearError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *StreamClient) resumeSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (c *StreamClient) advance(seq uint64) {
	c.mu.Lock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *StreamClient) State() events.ConnState {
	return events.ConnState(c.state.Load())
}

// Reconnects returns how many times the stream has been re-established.
func (c *StreamClient) Reconnects() int64 {
	return c.reconnects.Load()
}

// LastSeq returns the highest sequence number seen on a session-scoped
// stream.
func (c *StreamClient) LastSeq() uint64 {
	return c.resumeSeq()
}

// LastError returns the most recent connection error, or nil while the
// stream is healthy.
func (c *StreamClient) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastHandshake returns the duration of the most recent successful dial.
func (c *StreamClient) LastHandshake() time.Duration {
	return time.Duration(c.lastHandshake.Load())
}

// HandshakeExceeded reports whether the last dial blew the budget.
func (c *StreamClient) HandshakeExceeded() bool {
	budget := c.config.HandshakeBudget
	return budget > 0 && c.LastHandshake() > budget
}

// ResyncNeeded reports whether a reconnect may have skipped events. The
// consumer clears it with AckResync after re-reading authoritative state.
func (c *StreamClient) ResyncNeeded() bool {
	return c.resync.Load()
}

// AckResync clears the resync flag.
func (c *StreamClient) AckResync() {
	c.resync.Store(false)
}
