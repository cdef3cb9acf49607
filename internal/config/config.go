// Package config provides configuration loading for taskd.
//
// Configuration is loaded from a YAML file and environment variables with
// sensible defaults. Sections cover the HTTP server, the event transport,
// the execution engine, sandboxes, the plan store, the supervisor, hosting
// collaborators, the code-generation collaborator, and observability.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete taskd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Events        EventsConfig        `koanf:"events"`
	Engine        EngineConfig        `koanf:"engine"`
	Sandbox       SandboxConfig       `koanf:"sandbox"`
	Plan          PlanConfig          `koanf:"plan"`
	Supervisor    SupervisorConfig    `koanf:"supervisor"`
	Hosting       HostingConfig       `koanf:"hosting"`
	CodeGen       CodeGenConfig       `koanf:"codegen"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	AuthToken       Secret   `koanf:"auth_token"`

	// JournalPath is the accepted-request journal file.
	JournalPath string `koanf:"journal_path"`
}

// Event transport modes.
const (
	EventsModeEmbedded = "embedded"
	EventsModeExternal = "external"
)

// EventsConfig holds event transport configuration.
type EventsConfig struct {
	// Mode selects the broker: "embedded" runs an in-process NATS server,
	// "external" dials URL.
	Mode string `koanf:"mode"`

	// ListenPort is the embedded broker's client port. -1 picks a random
	// free port.
	ListenPort int `koanf:"listen_port"`

	// URL is the broker to dial in external mode.
	URL string `koanf:"url"`

	// ReconnectInterval is the fixed linear reconnect interval for observer
	// connections. Never exponential.
	ReconnectInterval Duration `koanf:"reconnect_interval"`

	// HandshakeBudget is the connection handshake latency target. Breaches
	// emit an alert event, never block delivery.
	HandshakeBudget Duration `koanf:"handshake_budget"`

	// DeliveryBudget is the end-to-end message delivery target.
	DeliveryBudget Duration `koanf:"delivery_budget"`

	// MaxPayloadBytes is the envelope payload ceiling. Oversized messages
	// are rejected before send, never truncated.
	MaxPayloadBytes int `koanf:"max_payload_bytes"`

	// ReplayBufferSize bounds the per-connection replay ring.
	ReplayBufferSize int `koanf:"replay_buffer_size"`
}

// EngineConfig holds execution state machine configuration.
type EngineConfig struct {
	// MaxRetries is the per-original-task retry ceiling. Exceeding it routes
	// the session to human review.
	MaxRetries int `koanf:"max_retries"`

	// StepTimeout bounds each blocking step (prep, implement, verify, push).
	StepTimeout Duration `koanf:"step_timeout"`

	// BranchPrefix prefixes branches derived from task ids.
	BranchPrefix string `koanf:"branch_prefix"`

	// BuildCommand and TestCommand run inside the sandbox during VERIFY.
	BuildCommand []string `koanf:"build_command"`
	TestCommand  []string `koanf:"test_command"`
}

// SandboxConfig holds isolated environment configuration.
type SandboxConfig struct {
	// Root is the directory under which per-attempt workspaces are created.
	Root string `koanf:"root"`

	// CPUSeconds and MemoryBytes bound each sandboxed process.
	CPUSeconds  int64 `koanf:"cpu_seconds"`
	MemoryBytes int64 `koanf:"memory_bytes"`

	// ExecTimeout bounds a single Execute call.
	ExecTimeout Duration `koanf:"exec_timeout"`
}

// PlanConfig holds plan store configuration.
type PlanConfig struct {
	// DataDir holds one plan file per project.
	DataDir string `koanf:"data_dir"`

	// Watch reloads the plan when the file is rewritten out of band.
	Watch bool `koanf:"watch"`
}

// SupervisorConfig holds multi-session supervisor configuration.
type SupervisorConfig struct {
	// MaxConcurrentSessions bounds parallel project sessions.
	MaxConcurrentSessions int `koanf:"max_concurrent_sessions"`

	// IdempotencyCacheSize bounds remembered control-operation replies.
	IdempotencyCacheSize int `koanf:"idempotency_cache_size"`
}

// HostingConfig holds version-control host collaborator configuration.
type HostingConfig struct {
	// Provider selects the remote host: "none" (local only) or "github".
	Provider string `koanf:"provider"`

	// Remote is the clone URL or local path of the upstream repository.
	Remote string `koanf:"remote"`

	// DefaultBranch is the integration target for merges. Empty means the
	// provider default: detected from HEAD for local repositories, main
	// for GitHub.
	DefaultBranch string `koanf:"default_branch"`

	// Token authenticates against the remote provider.
	Token Secret `koanf:"token"`

	// RequestsPerSecond throttles remote API calls client-side.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// CodeGenConfig holds the external code-generation collaborator configuration.
type CodeGenConfig struct {
	// Command is the argv of the generator process, run inside the sandbox
	// workspace with the instruction on stdin.
	Command []string `koanf:"command"`

	// Timeout bounds a single generation call.
	Timeout Duration `koanf:"timeout"`
}

// ObservabilityConfig holds OpenTelemetry and Prometheus configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	ServiceVersion  string  `koanf:"service_version"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
	Prometheus      bool    `koanf:"prometheus"`
}

// LoggingConfig holds the logging section consumed by internal/logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SecretsConfig holds scrubbing configuration.
type SecretsConfig struct {
	Scrub bool `koanf:"scrub"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Events.Mode {
	case EventsModeEmbedded:
	case EventsModeExternal:
		if c.Events.URL == "" {
			return errors.New("events.url required in external mode")
		}
	default:
		return fmt.Errorf("unknown events mode: %q", c.Events.Mode)
	}
	if c.Events.ReconnectInterval.Duration() <= 0 {
		return errors.New("events reconnect interval must be positive")
	}
	if c.Events.MaxPayloadBytes <= 0 {
		return errors.New("events max payload must be positive")
	}
	if c.Events.ReplayBufferSize < 0 {
		return errors.New("events replay buffer size cannot be negative")
	}

	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine max retries cannot be negative: %d", c.Engine.MaxRetries)
	}
	if c.Engine.StepTimeout.Duration() <= 0 {
		return errors.New("engine step timeout must be positive")
	}

	if c.Sandbox.Root == "" {
		return errors.New("sandbox root is required")
	}
	if c.Sandbox.ExecTimeout.Duration() <= 0 {
		return errors.New("sandbox exec timeout must be positive")
	}

	if c.Plan.DataDir == "" {
		return errors.New("plan data dir is required")
	}

	if c.Supervisor.MaxConcurrentSessions < 1 {
		return fmt.Errorf("supervisor must allow at least one session, got %d", c.Supervisor.MaxConcurrentSessions)
	}

	switch c.Hosting.Provider {
	case "none", "github":
	default:
		return fmt.Errorf("unknown hosting provider: %q", c.Hosting.Provider)
	}
	if c.Hosting.Provider == "github" && !c.Hosting.Token.IsSet() {
		return errors.New("hosting token required for github provider")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be in [0,1], got %f", c.Observability.SamplingRate)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9390
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.JournalPath == "" {
		cfg.Server.JournalPath = "~/.local/share/taskd/requests.jsonl"
	}

	if cfg.Events.Mode == "" {
		cfg.Events.Mode = EventsModeEmbedded
	}
	if cfg.Events.ListenPort == 0 {
		cfg.Events.ListenPort = -1
	}
	if cfg.Events.ReconnectInterval == 0 {
		cfg.Events.ReconnectInterval = Duration(2 * time.Second)
	}
	if cfg.Events.HandshakeBudget == 0 {
		cfg.Events.HandshakeBudget = Duration(300 * time.Millisecond)
	}
	if cfg.Events.DeliveryBudget == 0 {
		cfg.Events.DeliveryBudget = Duration(500 * time.Millisecond)
	}
	if cfg.Events.MaxPayloadBytes == 0 {
		cfg.Events.MaxPayloadBytes = 10240
	}
	if cfg.Events.ReplayBufferSize == 0 {
		cfg.Events.ReplayBufferSize = 256
	}

	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 2
	}
	if cfg.Engine.StepTimeout == 0 {
		cfg.Engine.StepTimeout = Duration(10 * time.Minute)
	}
	if cfg.Engine.BranchPrefix == "" {
		cfg.Engine.BranchPrefix = "task"
	}
	if len(cfg.Engine.BuildCommand) == 0 {
		cfg.Engine.BuildCommand = []string{"make", "build"}
	}
	if len(cfg.Engine.TestCommand) == 0 {
		cfg.Engine.TestCommand = []string{"make", "test"}
	}

	if cfg.Sandbox.Root == "" {
		cfg.Sandbox.Root = "~/.local/share/taskd/sandboxes"
	}
	if cfg.Sandbox.CPUSeconds == 0 {
		cfg.Sandbox.CPUSeconds = 900
	}
	if cfg.Sandbox.MemoryBytes == 0 {
		cfg.Sandbox.MemoryBytes = 2 << 30
	}
	if cfg.Sandbox.ExecTimeout == 0 {
		cfg.Sandbox.ExecTimeout = Duration(15 * time.Minute)
	}

	if cfg.Plan.DataDir == "" {
		cfg.Plan.DataDir = "~/.local/share/taskd/plans"
	}

	if cfg.Supervisor.MaxConcurrentSessions == 0 {
		cfg.Supervisor.MaxConcurrentSessions = 5
	}
	if cfg.Supervisor.IdempotencyCacheSize == 0 {
		cfg.Supervisor.IdempotencyCacheSize = 128
	}

	if cfg.Hosting.Provider == "" {
		cfg.Hosting.Provider = "none"
	}
	if cfg.Hosting.RequestsPerSecond == 0 {
		cfg.Hosting.RequestsPerSecond = 5
	}

	if len(cfg.CodeGen.Command) == 0 {
		cfg.CodeGen.Command = []string{"taskd-generate"}
	}
	if cfg.CodeGen.Timeout == 0 {
		cfg.CodeGen.Timeout = Duration(20 * time.Minute)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "taskd"
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = "dev"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
