// Package http provides the HTTP API for taskd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/fyrsmithlabs/taskd/internal/services"
	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Server is taskd's HTTP surface: automation request ingestion, per-project
// control operations, plan injections and reads, and the SSE event channel.
type Server struct {
	echo     *echo.Echo
	services services.Registry
	nc       *nats.Conn
	journal  *Journal
	logger   *zap.Logger
	cfg      *Config
}

// Config is the listener's bind address and auth settings.
type Config struct {
	Host string
	Port int

	// AuthToken guards the API routes. Unset disables authentication.
	AuthToken config.Secret

	// JournalPath is the accepted-request journal file.
	JournalPath string
}

// NewServer wires the router, middleware chain, and request journal. The
// registry must carry every collaborator the handlers reach for; missing
// ones fail here rather than on first use.
func NewServer(reg services.Registry, nc *nats.Conn, logger *zap.Logger, cfg *Config) (*Server, error) {
	if reg == nil {
		return nil, errors.New("services registry cannot be nil")
	}
	if reg.Scrubber() == nil {
		return nil, errors.New("scrubber cannot be nil")
	}
	if reg.Plans() == nil {
		return nil, errors.New("plan registry cannot be nil")
	}
	if reg.Supervisor() == nil {
		return nil, errors.New("supervisor cannot be nil")
	}
	if reg.Bus() == nil {
		return nil, errors.New("event bus cannot be nil")
	}
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9390}
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "requests.jsonl"
	}

	journal, err := OpenJournal(cfg.JournalPath, reg.Scrubber())
	if err != nil {
		return nil, fmt.Errorf("failed to open request journal: %w", err)
	}

	s := &Server{
		echo:     newRouter(logger),
		services: reg,
		nc:       nc,
		journal:  journal,
		logger:   logger,
		cfg:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

// newRouter builds the echo instance with the shared middleware chain:
// panic recovery, request ids, access logs, and metrics.
func newRouter(logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(newRequestMetrics(otel.Meter(instrumentationName), logger).middleware())
	return e
}

// requestLogger emits one access log entry per request, carrying the id
// assigned by the RequestID middleware.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			logger.Info("request handled",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1", AuthMiddleware(s.cfg.AuthToken, s.logger))
	v1.POST("/requests", s.handleIngest)
	v1.GET("/projects", s.handleListProjects)
	v1.POST("/projects/:project_id/automation/initialize", s.handleInitialize)
	v1.POST("/projects/:project_id/automation/pause", s.handlePause)
	v1.POST("/projects/:project_id/automation/resume", s.handleResume)
	v1.POST("/projects/:project_id/automation/stop", s.handleStop)
	v1.GET("/projects/:project_id/automation", s.handleAutomationStatus)
	v1.POST("/projects/:project_id/injections", s.handleInject)
	v1.GET("/projects/:project_id/plan", s.handlePlan)
	v1.GET("/projects/:project_id/plan/audit", s.handleAudit)
	v1.GET("/projects/:project_id/events", s.handleEvents)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, apiv1.HealthResponse{Status: "ok"})
}

// Echo exposes the underlying router for additional route registration,
// such as the Prometheus exporter.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start begins serving and blocks until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("http server listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops the listener and closes the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return errors.Join(s.echo.Shutdown(ctx), s.journal.Close())
}
