package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/harness"
	"github.com/specforge/specforge/internal/logging"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/process"
	"github.com/specforge/specforge/internal/specsync"
	"github.com/specforge/specforge/internal/telemetry"
	"github.com/specforge/specforge/internal/terminal"
)

// app wires the runtime components shared by serve, run and shell.
type app struct {
	cfg        *config.Config
	logger     *log.Logger
	metrics    *telemetry.Metrics
	terminator *process.Terminator
	sessions   *terminal.Registry
	orch       *orchestrator.Orchestrator

	// resolveHarness is swapped in tests.
	resolveHarness func(configured string) (harness.Profile, harness.Availability, []string, error)
}

func newApp(cfg *config.Config, logger *log.Logger) *app {
	logger = logging.OrDiscard(logger)
	metrics := telemetry.NewMetrics()
	terminator := process.New(process.Options{})
	sessions := terminal.NewRegistry(terminal.Options{
		Bus:              events.New(events.WithLogger(logger)),
		Logger:           logger,
		Metrics:          metrics,
		Terminator:       terminator,
		Shell:            cfg.Shell,
		ReplayChunks:     cfg.ReplayChunks,
		TerminationGrace: cfg.TerminationGrace,
	})
	orch := orchestrator.New(orchestrator.Options{
		Syncer:  specsync.New(specsync.Options{Logger: logger, Metrics: metrics}),
		Config:  cfg,
		Bus:     events.New(events.WithLogger(logger)),
		Logger:  logger,
		Metrics: metrics,
	})
	return &app{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		terminator:     terminator,
		sessions:       sessions,
		orch:           orch,
		resolveHarness: harness.ResolveConfiguredHarness,
	}
}

// invokerFor builds the transport for mode, falling back to the configured
// transport when mode is empty.
func (a *app) invokerFor(mode, sessionID string) (harness.Invoker, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = a.cfg.Transport
	}
	if mode != config.TransportDirect && mode != config.TransportTerminal {
		return nil, fmt.Errorf("unsupported transport %q (want %s or %s)", mode, config.TransportDirect, config.TransportTerminal)
	}
	if mode == config.TransportTerminal && strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("terminal transport requires a session id")
	}

	profile, _, warnings, err := a.resolveHarness(a.cfg.Harness)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		a.logger.Warn(warning)
	}

	if mode == config.TransportTerminal {
		return harness.NewTerminalInvoker(harness.TerminalOptions{
			Profile:   profile,
			Sessions:  a.sessions,
			SessionID: sessionID,
			Timeout:   a.cfg.CollectorTimeout,
			Logger:    a.logger,
		}), nil
	}
	return harness.NewDirectInvoker(harness.DirectOptions{
		Profile:    profile,
		Terminator: a.terminator,
		Grace:      a.cfg.TerminationGrace,
		Logger:     a.logger,
	}), nil
}

func (a *app) close() {
	if stopped := a.orch.AbortAll(); stopped > 0 {
		a.logger.Info("aborted in-flight runs", "count", stopped)
	}
	if err := a.sessions.Close(); err != nil {
		a.logger.Warn("close session registry", "error", err)
	}
}
