// Package server exposes sessions, runs and spec progress over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/specforge/specforge/internal/doctor"
	"github.com/specforge/specforge/internal/harness"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/telemetry"
	"github.com/specforge/specforge/internal/terminal"
)

const defaultAddr = "127.0.0.1:7420"

// InvokerFactory builds the agent transport for a run. mode is "direct",
// "terminal" or empty for the configured default.
type InvokerFactory func(mode, sessionID string) (harness.Invoker, error)

// Options configures a Server.
type Options struct {
	Addr         string
	Sessions     *terminal.Registry
	Orchestrator *orchestrator.Orchestrator
	Invokers     InvokerFactory
	Doctor       *doctor.Manager
	Metrics      *telemetry.Metrics
	Logger       *log.Logger
}

// Server provides the HTTP API.
type Server struct {
	echo      *echo.Echo
	addr      string
	sessions  *terminal.Registry
	orch      *orchestrator.Orchestrator
	invokers  InvokerFactory
	doctor    *doctor.Manager
	metrics   *telemetry.Metrics
	logger    *log.Logger
	heartbeat time.Duration
	exitGrace time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string               `json:"status"`
	Report *doctor.HealthReport `json:"report,omitempty"`
}

// NewServer creates a server with every route registered.
func NewServer(opts Options) (*Server, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session registry is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = defaultAddr
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger := opts.Logger
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		addr:      addr,
		sessions:  opts.Sessions,
		orch:      opts.Orchestrator,
		invokers:  opts.Invokers,
		doctor:    opts.Doctor,
		metrics:   opts.Metrics,
		logger:    logger,
		heartbeat: 30 * time.Second,
		exitGrace: time.Second,
		closing:   make(chan struct{}),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/input", s.handleSessionInput)
	v1.POST("/sessions/:id/resize", s.handleSessionResize)
	v1.DELETE("/sessions/:id", s.handleDestroySession)
	v1.GET("/sessions/:id/stream", s.handleSessionStream)

	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/abort", s.handleAbortRun)
	v1.GET("/runs/:id/events", s.handleRunEvents)

	v1.GET("/agents", s.handleListAgents)
	v1.GET("/spec/tasks", s.handleSpecTasks)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if report, ok := s.doctor.Latest(); ok {
		resp.Report = &report
	}
	return c.JSON(http.StatusOK, resp)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends every open event stream, then gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.closeOnce.Do(func() { close(s.closing) })
	return s.echo.Shutdown(ctx)
}
