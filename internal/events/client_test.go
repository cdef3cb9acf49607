package events

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// waitForState polls the client until it reaches want or the timeout expires.
func waitForState(t *testing.T, c *Client, want ConnState, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %s, still %s", want, c.State())
}

// brokerPort extracts the listen port from a nats:// URL.
func brokerPort(t *testing.T, url string) int {
	t.Helper()

	idx := strings.LastIndex(url, ":")
	require.Greater(t, idx, 0, "unexpected broker url %q", url)
	port, err := strconv.Atoi(url[idx+1:])
	require.NoError(t, err)
	return port
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig("nats://127.0.0.1:4222")
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, "taskd-observer", cfg.Name)
	assert.Equal(t, 2*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 300*time.Millisecond, cfg.HandshakeBudget)
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestClient_ReconnectPolicy(t *testing.T) {
	cfg := DefaultClientConfig("nats://127.0.0.1:4222")
	cfg.ReconnectInterval = 2 * time.Second
	c := &Client{config: cfg, logger: zap.NewNop()}

	opts := nats.GetDefaultOptions()
	for _, opt := range c.natsOptions() {
		require.NoError(t, opt(&opts))
	}

	assert.Equal(t, -1, opts.MaxReconnect, "attempts must never be capped")
	assert.Equal(t, 2*time.Second, opts.ReconnectWait)
	assert.Zero(t, opts.ReconnectJitter)
	assert.Zero(t, opts.ReconnectJitterTLS)

	// The delay stays fixed no matter how many attempts have failed.
	require.NotNil(t, opts.CustomReconnectDelayCB)
	for _, attempts := range []int{1, 2, 10, 500} {
		assert.Equal(t, 2*time.Second, opts.CustomReconnectDelayCB(attempts),
			"delay grew at attempt %d", attempts)
	}
}

func TestDial_Validation(t *testing.T) {
	_, err := Dial(nil, zap.NewNop())
	require.Error(t, err)

	_, err = Dial(&ClientConfig{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker url is required")
}

func TestDial_Connects(t *testing.T) {
	broker := startTestBroker(t)

	var mu sync.Mutex
	var states []ConnState
	cfg := DefaultClientConfig(broker.ClientURL())
	client, err := Dial(cfg, zap.NewNop(), WithStateHandler(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, StateConnected, client.State())
	assert.Positive(t, client.LastHandshake())
	assert.NotNil(t, client.Conn())

	mu.Lock()
	assert.Equal(t, []ConnState{StateConnecting, StateConnected}, states)
	mu.Unlock()
}

func TestDial_FailsFastWithoutBroker(t *testing.T) {
	cfg := DefaultClientConfig("nats://127.0.0.1:1")
	cfg.ConnectTimeout = 200 * time.Millisecond

	_, err := Dial(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to broker")
}

func TestClient_ReconnectsAfterBrokerRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker restart test in short mode")
	}

	brokerCfg := DefaultBrokerConfig()
	broker, err := StartBroker(brokerCfg, zap.NewNop())
	require.NoError(t, err)

	url := broker.ClientURL()
	port := brokerPort(t, url)

	cfg := DefaultClientConfig(url)
	cfg.ReconnectInterval = 50 * time.Millisecond
	client, err := Dial(cfg, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, StateConnected, client.State())

	broker.Shutdown()
	waitForState(t, client, StateReconnecting, 5*time.Second)

	// Restart on the same port so the client's retained URL resolves again.
	brokerCfg.Port = port
	restarted, err := StartBroker(brokerCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(restarted.Shutdown)

	waitForState(t, client, StateConnected, 10*time.Second)
	assert.GreaterOrEqual(t, client.Reconnects(), int64(1))
}

func TestClient_Close(t *testing.T) {
	broker := startTestBroker(t)

	client, err := Dial(DefaultClientConfig(broker.ClientURL()), zap.NewNop())
	require.NoError(t, err)

	client.Close()
	assert.Equal(t, StateClosed, client.State())
}
