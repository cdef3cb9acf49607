package events

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

// BrokerConfig configures the embedded NATS broker.
type BrokerConfig struct {
	// Host to bind. Defaults to 127.0.0.1.
	Host string

	// Port to listen on. -1 picks a random free port.
	Port int

	// ReadyTimeout bounds broker startup.
	ReadyTimeout time.Duration
}

// DefaultBrokerConfig returns broker defaults for single-binary deployments.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		Host:         "127.0.0.1",
		Port:         -1,
		ReadyTimeout: 10 * time.Second,
	}
}

// Broker runs an in-process NATS server so taskd works without external
// infrastructure. External deployments dial a shared broker instead.
type Broker struct {
	server *natsserver.Server
	logger *zap.Logger
}

// StartBroker starts an embedded NATS server and waits for it to accept
// connections.
func StartBroker(cfg *BrokerConfig, logger *zap.Logger) (*Broker, error) {
	if cfg == nil {
		cfg = DefaultBrokerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &natsserver.Options{
		Host:           cfg.Host,
		Port:           cfg.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}

	server, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded broker: %w", err)
	}

	go server.Start()

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !server.ReadyForConnections(timeout) {
		server.Shutdown()
		return nil, errors.New("embedded broker not ready within timeout")
	}

	logger.Info("embedded event broker started", zap.String("url", server.ClientURL()))

	return &Broker{server: server, logger: logger}, nil
}

// ClientURL returns the URL clients should dial.
func (b *Broker) ClientURL() string {
	return b.server.ClientURL()
}

// Shutdown stops the broker and waits for it to exit.
func (b *Broker) Shutdown() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
	b.logger.Info("embedded event broker stopped")
}
