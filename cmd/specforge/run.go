package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/specforge/specforge/internal/agents"
	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/specsync"
	"github.com/specforge/specforge/internal/state"
	"github.com/specforge/specforge/internal/ui"
)

// finalEventWait bounds how long the run command waits for the last bus
// event after the run has stopped.
const finalEventWait = time.Second

type runOptions struct {
	Agents     []string
	SpecPath   string
	ProjectDir string
	Transport  string
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		specPath   string
		agentList  string
		projectDir string
		transport  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run agents against a spec document in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseAgents(agentList)
			if err != nil {
				return err
			}
			if strings.TrimSpace(specPath) == "" {
				return errors.New("--spec is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := newApp(cfg, logger)
			defer a.close()

			_, err = executeRun(ctx, a, runOptions{
				Agents:     ids,
				SpecPath:   specPath,
				ProjectDir: projectDir,
				Transport:  transport,
			}, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "spec document to work from")
	cmd.Flags().StringVar(&agentList, "agents", "", "comma-separated agent ids (default: every agent)")
	cmd.Flags().StringVar(&projectDir, "project", ".", "project directory agents run in")
	cmd.Flags().StringVar(&transport, "transport", "", "agent transport: direct or terminal (default from config)")
	return cmd
}

// parseAgents resolves a comma-separated list to catalogue ids. An empty list
// selects every agent in catalogue order.
func parseAgents(list string) ([]string, error) {
	ids := make([]string, 0)
	for _, raw := range strings.Split(list, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		agent, ok := agents.Lookup(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %q", orchestrator.ErrUnknownAgent, strings.TrimSpace(raw))
		}
		ids = append(ids, string(agent.ID))
	}
	if len(ids) == 0 {
		for _, agent := range agents.All() {
			ids = append(ids, string(agent.ID))
		}
	}
	return ids, nil
}

// executeRun starts a run, prints phase updates as they arrive and a summary
// at the end. Cancelling ctx aborts the run.
func executeRun(ctx context.Context, a *app, opts runOptions, out io.Writer) (orchestrator.Snapshot, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Transport))
	if mode == "" {
		mode = a.cfg.Transport
	}

	sessionID := ""
	if mode == config.TransportTerminal {
		sessionID = "run-" + strconv.Itoa(os.Getpid())
		if _, err := a.sessions.Create(sessionID, opts.ProjectDir, 0, 0); err != nil {
			return orchestrator.Snapshot{}, err
		}
		defer func() {
			if err := a.sessions.Destroy(sessionID); err != nil {
				a.logger.Debug("destroy run session", "session_id", sessionID, "error", err)
			}
		}()
	}

	invoker, err := a.invokerFor(mode, sessionID)
	if err != nil {
		return orchestrator.Snapshot{}, err
	}

	stream := make(chan events.Event, 64)
	done := make(chan struct{})
	defer close(done)
	unsubscribe := a.orch.Bus().SubscribeAll(func(event events.Event) {
		select {
		case stream <- event:
		case <-done:
		}
	})
	defer unsubscribe()

	run, err := a.orch.Start(ctx, orchestrator.StartRequest{
		Agents:     opts.Agents,
		SpecPath:   opts.SpecPath,
		ProjectDir: opts.ProjectDir,
		Invoker:    invoker,
	})
	if err != nil {
		return orchestrator.Snapshot{}, err
	}
	fmt.Fprintln(out, ui.InfoStyle.Render(fmt.Sprintf("run %s started with %s", run.ID(), strings.Join(opts.Agents, ", "))))

	interrupted := ctx.Done()
	stopped := run.Done()
	var drain <-chan time.Time
	for finished := false; !finished; {
		select {
		case event := <-stream:
			switch payload := event.Payload.(type) {
			case orchestrator.PhaseUpdate:
				if payload.RunID == run.ID() {
					fmt.Fprintln(out, ui.PhaseLine(payload.Index, len(opts.Agents), payload.Phase))
				}
			case orchestrator.Snapshot:
				finished = payload.ID == run.ID() && payload.Done()
			}
		case <-interrupted:
			interrupted = nil
			if run.Abort() {
				fmt.Fprintln(out, ui.WarningStyle.Render("run aborted"))
			}
		case <-stopped:
			stopped = nil
			drain = time.After(finalEventWait)
		case <-drain:
			finished = true
		}
	}

	snap := run.Snapshot()
	fmt.Fprintln(out, ui.RunSummary(snap))
	if progress, err := specsync.ReadProgress(opts.SpecPath); err == nil && progress.Total > 0 {
		fmt.Fprintln(out, ui.ProgressBar(progress, 0))
	}
	if snap.Status != state.RunCompleted {
		return snap, fmt.Errorf("run %s %s: %s", snap.ID, snap.Status, snap.Error)
	}
	return snap, nil
}
