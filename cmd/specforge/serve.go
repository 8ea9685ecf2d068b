package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/doctor"
	"github.com/specforge/specforge/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session and run API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := newApp(cfg, logger)
			defer a.close()

			health, err := doctor.NewManager(a.sessions, a.orch.Store(), a.orch.Bus(), a.logger, doctor.Config{
				HeartbeatInterval: cfg.HealthInterval,
				RunRetention:      cfg.RunRetention,
			})
			if err != nil {
				return fmt.Errorf("create doctor: %w", err)
			}
			go health.Start(ctx)

			srv, err := server.NewServer(server.Options{
				Addr:         addr,
				Sessions:     a.sessions,
				Orchestrator: a.orch,
				Invokers:     a.invokerFor,
				Doctor:       health,
				Metrics:      a.metrics,
				Logger:       a.logger,
			})
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "specforge listening on %s\n", addr)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", listenAddr(cfg), "address to listen on")
	return cmd
}

func listenAddr(cfg *config.Config) string {
	if cfg == nil || cfg.ListenAddr == "" {
		return config.Default().ListenAddr
	}
	return cfg.ListenAddr
}
