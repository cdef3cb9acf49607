// Taskd is an autonomous task execution daemon with an HTTP/SSE control plane.
//
// This binary starts the taskd HTTP server with full service initialization,
// including the event transport, the plan registry, the sandbox manager, and
// the multi-session supervisor.
//
// Configuration is loaded from ~/.config/taskd/config.yaml and environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	taskd
//
//	# Configure via environment
//	SERVER_PORT=9390 ENGINE_MAX_RETRIES=3 taskd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/taskd/internal/codegen"
	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/hosting"
	httpapi "github.com/fyrsmithlabs/taskd/internal/http"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/resolve"
	"github.com/fyrsmithlabs/taskd/internal/sandbox"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
	"github.com/fyrsmithlabs/taskd/internal/services"
	"github.com/fyrsmithlabs/taskd/internal/supervisor"
	"github.com/fyrsmithlabs/taskd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command-line arguments
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  taskd           Start the taskd daemon\n")
			fmt.Fprintf(os.Stderr, "  taskd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	// Run the daemon
	if err := run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("taskd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the taskd daemon and blocks until the context is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the structured logger
//  3. Starts (or dials) the event broker and creates the bus
//  4. Opens the plan registry and the sandbox manager
//  5. Wires the supervisor with a per-project engine factory
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on context cancellation
func run(ctx context.Context) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := resolvePaths(cfg); err != nil {
		return err
	}

	// Initialize telemetry
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shCtx)
	}()

	// Initialize logger
	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	zl := logger.Underlying()

	zl.Info("Starting taskd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("events_mode", cfg.Events.Mode),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	// Initialize infrastructure dependencies
	deps, err := initDependencies(cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	zl.Info("Dependencies initialized",
		zap.Bool("embedded_broker", deps.broker != nil),
		zap.String("plan_dir", cfg.Plan.DataDir),
		zap.String("sandbox_root", cfg.Sandbox.Root))

	// Initialize execution services
	svc, err := initServices(ctx, cfg, deps, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer svc.Close()

	zl.Info("Services initialized",
		zap.Int("max_concurrent_sessions", cfg.Supervisor.MaxConcurrentSessions),
		zap.String("hosting_provider", cfg.Hosting.Provider))

	// Wire the service registry and create the HTTP server
	reg := services.NewRegistry(services.Options{
		Plans:       deps.plans,
		Sandboxes:   deps.sandboxes,
		Coordinator: svc.coordinator,
		Supervisor:  svc.supervisor,
		Bus:         deps.bus,
		Scrubber:    deps.scrubber,
	})

	srv, err := httpapi.NewServer(reg, deps.natsConn, zl, &httpapi.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		AuthToken:   cfg.Server.AuthToken,
		JournalPath: cfg.Server.JournalPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Register metrics endpoint
	if cfg.Observability.Prometheus {
		srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	zl.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.Bool("metrics_endpoint", cfg.Observability.Prometheus))

	// Start server (blocks until context cancellation)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		zl.Warn("Graceful shutdown failed", zap.Error(err))
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	broker    *events.Broker
	natsConn  *nats.Conn
	bus       events.Bus
	plans     *plan.Registry
	sandboxes sandbox.Manager
	scrubber  secrets.Scrubber
}

// Close releases infrastructure resources in dependency order: sandboxes
// first, then the bus, the connection, and finally the embedded broker.
func (d *dependencies) Close() {
	if d.sandboxes != nil {
		_ = d.sandboxes.Close()
	}
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.broker != nil {
		d.broker.Shutdown()
	}
}

// execServices holds the execution-side services.
type execServices struct {
	coordinator resolve.Coordinator
	supervisor  *supervisor.Supervisor
}

// Close stops the supervisor and the coordinator. The supervisor goes
// first so session loops stop publishing before the bus tears down.
func (s *execServices) Close() {
	if s.supervisor != nil {
		_ = s.supervisor.Close()
	}
	if s.coordinator != nil {
		_ = s.coordinator.Close()
	}
}

// initTelemetry configures OpenTelemetry from the observability section.
// Init failures degrade to no-op providers rather than blocking startup.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = cfg.Observability.ServiceVersion
	if cfg.Observability.Endpoint != "" {
		tcfg.Endpoint = cfg.Observability.Endpoint
	}
	tcfg.Insecure = cfg.Observability.Insecure
	tcfg.Sampling.Rate = cfg.Observability.SamplingRate
	return telemetry.New(ctx, tcfg)
}

// initLogger builds the structured logger from the logging section. The
// OTEL log bridge activates only when the logging output selects it.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	lcfg.Format = cfg.Logging.Format
	level, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lcfg.Level = level
	return logging.NewLogger(lcfg, tel.LoggerProvider())
}

// parseLogLevel maps the configured level onto zap levels, including the
// custom trace level.
func parseLogLevel(s string) (zapcore.Level, error) {
	if strings.EqualFold(s, "trace") {
		return logging.TraceLevel, nil
	}
	return zapcore.ParseLevel(s)
}

// initDependencies initializes all infrastructure dependencies.
//
// This function:
//  1. Starts the embedded broker or dials the external one
//  2. Creates the event bus on the shared connection
//  3. Opens the plan registry and the sandbox manager
//  4. Compiles the secret scrubber
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	url := cfg.Events.URL
	if cfg.Events.Mode == config.EventsModeEmbedded {
		broker, err := events.StartBroker(&events.BrokerConfig{
			Host:         "127.0.0.1",
			Port:         cfg.Events.ListenPort,
			ReadyTimeout: 10 * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded broker: %w", err)
		}
		deps.broker = broker
		url = broker.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to connect to event broker at %s: %w", url, err)
	}
	deps.natsConn = nc

	logger.Info("Connected to event broker", zap.String("url", url))

	bus, err := events.NewBus(&events.BusConfig{
		MaxPayloadBytes:  cfg.Events.MaxPayloadBytes,
		DeliveryBudget:   cfg.Events.DeliveryBudget.Duration(),
		ReplayBufferSize: cfg.Events.ReplayBufferSize,
	}, nc, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	deps.bus = bus

	plans, err := plan.NewRegistry(cfg.Plan.DataDir, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to open plan registry: %w", err)
	}
	deps.plans = plans

	sandboxes, err := sandbox.NewManager(&sandbox.Config{
		Root: cfg.Sandbox.Root,
		Limits: sandbox.Limits{
			CPUSeconds:  int(cfg.Sandbox.CPUSeconds),
			MemoryBytes: cfg.Sandbox.MemoryBytes,
		},
		ExecTimeout: cfg.Sandbox.ExecTimeout.Duration(),
	}, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create sandbox manager: %w", err)
	}
	deps.sandboxes = sandboxes

	scrubber, err := secrets.New(nil)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to compile secret scrubber: %w", err)
	}
	deps.scrubber = scrubber

	return deps, nil
}

// initServices wires the execution-side services: the code generator, the
// resolution coordinator, and the supervisor driving per-project engines.
func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (*execServices, error) {
	generator, err := codegen.NewExecGenerator(codegen.Config{
		Command: cfg.CodeGen.Command,
		Timeout: cfg.CodeGen.Timeout.Duration(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create code generator: %w", err)
	}

	coordinator, err := resolve.NewCoordinator(nil, deps.scrubber, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution coordinator: %w", err)
	}

	engineCfg := &engine.Config{
		MaxRetries:   cfg.Engine.MaxRetries,
		StepTimeout:  cfg.Engine.StepTimeout.Duration(),
		BranchPrefix: cfg.Engine.BranchPrefix,
		BuildCommand: cfg.Engine.BuildCommand,
		TestCommand:  cfg.Engine.TestCommand,
	}

	var watchMu sync.Mutex
	watched := make(map[string]bool)

	factory := supervisor.FactoryFunc(func(_ context.Context, projectID string) (supervisor.Runner, error) {
		store, err := deps.plans.Get(projectID)
		if err != nil {
			return nil, fmt.Errorf("open plan for %s: %w", projectID, err)
		}

		if cfg.Plan.Watch {
			watchMu.Lock()
			if !watched[projectID] {
				if reloads, werr := store.Watch(ctx); werr != nil {
					logger.Warn("Plan watch unavailable",
						zap.String("project_id", projectID),
						zap.Error(werr))
				} else {
					watched[projectID] = true
					go logPlanReloads(logger, projectID, reloads)
				}
			}
			watchMu.Unlock()
		}

		// The host client outlives the dispatch, so it binds to the
		// daemon context.
		host, err := newHost(ctx, &cfg.Hosting, logger)
		if err != nil {
			return nil, fmt.Errorf("configure hosting for %s: %w", projectID, err)
		}

		return engine.New(engineCfg, engine.Collaborators{
			Plan:      store,
			Sandboxes: deps.sandboxes,
			Generator: generator,
			Host:      host,
			Resolver:  coordinator,
			Events:    deps.bus,
			Scrubber:  deps.scrubber,
		}, logger.Named("engine").With(zap.String("project_id", projectID)))
	})

	sup, err := supervisor.New(&supervisor.Config{
		MaxConcurrentSessions: cfg.Supervisor.MaxConcurrentSessions,
		IdempotencyCacheSize:  cfg.Supervisor.IdempotencyCacheSize,
	}, factory, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	if err := sup.Listen(deps.natsConn); err != nil {
		_ = sup.Close()
		return nil, fmt.Errorf("failed to subscribe supervisor: %w", err)
	}

	return &execServices{
		coordinator: coordinator,
		supervisor:  sup,
	}, nil
}

// newHost builds the hosting collaborator for one engine. Provider "none"
// serves a repository on the local filesystem; "github" pushes upstream
// with token auth.
func newHost(ctx context.Context, cfg *config.HostingConfig, logger *zap.Logger) (hosting.Host, error) {
	switch cfg.Provider {
	case "github":
		owner, repo, err := parseGitHubRemote(cfg.Remote)
		if err != nil {
			return nil, err
		}
		return hosting.NewGitHubHost(ctx, hosting.GitHubConfig{
			Owner:             owner,
			Repo:              repo,
			Token:             cfg.Token,
			DefaultBranch:     cfg.DefaultBranch,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}, logger)
	default:
		if cfg.Remote == "" {
			return nil, errors.New("hosting.remote is required to initialize a project")
		}
		return hosting.NewLocalHost(hosting.LocalConfig{
			RepoPath:      cfg.Remote,
			DefaultBranch: cfg.DefaultBranch,
		}, logger)
	}
}

// parseGitHubRemote extracts owner and repository from the configured
// remote. Accepts "owner/repo", https URLs, and ssh remotes.
func parseGitHubRemote(remote string) (string, string, error) {
	s := strings.TrimSuffix(remote, ".git")
	switch {
	case strings.HasPrefix(s, "git@"):
		if _, rest, ok := strings.Cut(s, ":"); ok {
			s = rest
		}
	case strings.Contains(s, "://"):
		_, rest, _ := strings.Cut(s, "://")
		if _, path, ok := strings.Cut(rest, "/"); ok {
			s = path
		}
	}
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse GitHub remote %q: want owner/repo", remote)
	}
	return parts[0], parts[1], nil
}

// logPlanReloads surfaces out-of-band plan rewrites picked up by the
// store watcher.
func logPlanReloads(logger *zap.Logger, projectID string, reloads <-chan *plan.Plan) {
	for p := range reloads {
		logger.Info("Plan reloaded from disk",
			zap.String("project_id", projectID),
			zap.Int("version", p.Version))
	}
}

// resolvePaths expands the "~" shorthand in configured paths.
func resolvePaths(cfg *config.Config) error {
	var err error
	if cfg.Sandbox.Root, err = expandHome(cfg.Sandbox.Root); err != nil {
		return fmt.Errorf("resolve sandbox root: %w", err)
	}
	if cfg.Plan.DataDir, err = expandHome(cfg.Plan.DataDir); err != nil {
		return fmt.Errorf("resolve plan data dir: %w", err)
	}
	if cfg.Server.JournalPath, err = expandHome(cfg.Server.JournalPath); err != nil {
		return fmt.Errorf("resolve journal path: %w", err)
	}
	if cfg.Hosting.Provider == "none" && cfg.Hosting.Remote != "" {
		if cfg.Hosting.Remote, err = expandHome(cfg.Hosting.Remote); err != nil {
			return fmt.Errorf("resolve hosting remote: %w", err)
		}
	}
	return nil
}

// expandHome resolves a leading "~/" against the user home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
