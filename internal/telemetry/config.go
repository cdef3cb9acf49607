package telemetry

import (
	"fmt"
	"net"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/config"
)

// OTLP transport protocols accepted by Config.Protocol.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config controls the OTLP export pipeline.
type Config struct {
	Enabled        bool           `koanf:"enabled"`
	Endpoint       string         `koanf:"endpoint"`
	Protocol       string         `koanf:"protocol"` // "grpc" or "http/protobuf"
	ServiceName    string         `koanf:"service_name"`
	ServiceVersion string         `koanf:"service_version"`
	Insecure       bool           `koanf:"insecure"`        // plaintext transport, loopback only
	TLSSkipVerify  bool           `koanf:"tls_skip_verify"` // accept self-signed collector certs
	Sampling       SamplingConfig `koanf:"sampling"`
	Metrics        MetricsConfig  `koanf:"metrics"`
	Shutdown       ShutdownConfig `koanf:"shutdown"`
}

// SamplingConfig controls head sampling for traces.
type SamplingConfig struct {
	Rate           float64 `koanf:"rate"` // fraction of traces kept, 0.0-1.0
	AlwaysOnErrors bool    `koanf:"always_on_errors"`
}

// MetricsConfig controls the periodic metric exporter.
type MetricsConfig struct {
	Enabled        bool            `koanf:"enabled"`
	ExportInterval config.Duration `koanf:"export_interval"`
}

// ShutdownConfig bounds the final flush on daemon exit.
type ShutdownConfig struct {
	Timeout config.Duration `koanf:"timeout"`
}

// NewDefaultConfig returns telemetry defaults. Export is off until an
// operator points taskd at a collector; everything else assumes a local
// collector sidecar on the default OTLP gRPC port.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       ProtocolGRPC,
		ServiceName:    "taskd",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		Sampling: SamplingConfig{
			Rate:           1.0,
			AlwaysOnErrors: true,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			ExportInterval: config.Duration(15 * time.Second),
		},
		Shutdown: ShutdownConfig{
			Timeout: config.Duration(5 * time.Second),
		},
	}
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	required := [...]struct{ name, val string }{
		{"endpoint", c.Endpoint},
		{"service_name", c.ServiceName},
		{"service_version", c.ServiceVersion},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("%s is required when export is enabled", r.name)
		}
	}

	switch c.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	}

	// Plaintext export is only acceptable to a collector on the same host.
	// Session transcripts and resolution submissions flow through spans and
	// log records, so anything leaving the machine must ride TLS.
	if c.Insecure && !loopbackEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure export to remote endpoint %q is not allowed; enable TLS or use a loopback collector", c.Endpoint)
	}

	if rate := c.Sampling.Rate; rate < 0 || rate > 1 {
		return fmt.Errorf("sampling.rate must be between 0 and 1, got %g", rate)
	}
	if iv := c.Metrics.ExportInterval.Duration(); c.Metrics.Enabled && iv <= 0 {
		return fmt.Errorf("metrics.export_interval must be positive when metrics are enabled")
	}
	if d := c.Shutdown.Timeout.Duration(); d <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive, got %v", d)
	}

	return nil
}

// loopbackEndpoint reports whether endpoint resolves to the local machine
// without touching the network. IPv6 literals must be bracketed when a port
// is present ("[::1]:4317").
func loopbackEndpoint(endpoint string) bool {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
