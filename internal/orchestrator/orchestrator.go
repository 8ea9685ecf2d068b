// Package orchestrator runs agent phases serially against a spec document.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/specforge/specforge/internal/agents"
	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/harness"
	"github.com/specforge/specforge/internal/logging"
	"github.com/specforge/specforge/internal/state"
	"github.com/specforge/specforge/internal/telemetry"
)

const tracerName = "specforge/orchestrator"

// ErrUnknownAgent rejects a start request naming an agent outside the catalogue.
var ErrUnknownAgent = errors.New("unknown agent")

// TaskSyncer checks off spec tasks reported as done in agent output.
type TaskSyncer interface {
	SyncFile(ctx context.Context, path, output string) []string
}

// StartRequest selects the agents and inputs of one run.
type StartRequest struct {
	Agents []string
	// Spec is the document text; when empty it is read from SpecPath.
	Spec       string
	SpecPath   string
	ProjectDir string
	// Invoker overrides the orchestrator's default transport for this run.
	Invoker harness.Invoker
}

// Options configures an Orchestrator.
type Options struct {
	Invoker harness.Invoker
	Syncer  TaskSyncer
	Config  *config.Config
	Bus     events.Bus
	Store   *Store
	Logger  *log.Logger
	Metrics *telemetry.Metrics
}

// Orchestrator starts runs and keeps them in its store.
type Orchestrator struct {
	invoker harness.Invoker
	syncer  TaskSyncer
	cfg     *config.Config
	bus     events.Bus
	store   *Store
	logger  *log.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	store := opts.Store
	if store == nil {
		store = NewStore()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	return &Orchestrator{
		invoker: opts.Invoker,
		syncer:  opts.Syncer,
		cfg:     opts.Config,
		bus:     bus,
		store:   store,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: opts.Metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Store returns the run store.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Bus returns the bus run events are published on.
func (o *Orchestrator) Bus() events.Bus {
	return o.bus
}

// Start validates every agent id, then executes the phases in order in the
// background. The run outlives ctx's cancellation; use Run.Abort to stop it.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(req.Agents) == 0 {
		return nil, errors.New("at least one agent is required")
	}

	selected := make([]agents.Agent, 0, len(req.Agents))
	phases := make([]PhaseRun, 0, len(req.Agents))
	for _, id := range req.Agents {
		agent, ok := agents.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
		}
		selected = append(selected, agent)
		phases = append(phases, PhaseRun{
			AgentID: string(agent.ID),
			Name:    agent.Name,
			Status:  state.PhasePending,
		})
	}

	invoker := req.Invoker
	if invoker == nil {
		invoker = o.invoker
	}
	if invoker == nil {
		return nil, errors.New("no agent invoker configured")
	}

	spec := req.Spec
	if strings.TrimSpace(spec) == "" && strings.TrimSpace(req.SpecPath) != "" {
		// #nosec G304 -- the spec path is chosen by the operator.
		content, err := os.ReadFile(req.SpecPath)
		if err != nil {
			return nil, fmt.Errorf("read spec document: %w", err)
		}
		spec = string(content)
	}
	req.Spec = spec
	req.Invoker = invoker

	run := newRun(o.newID(), phases, req.SpecPath, req.ProjectDir, o.bus, o.metrics, o.logger, o.now)
	o.store.Put(run)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run.start(runCtx, cancel)
	o.logger.Info("run started", "run_id", run.ID(), "agents", strings.Join(req.Agents, ","))

	go o.execute(runCtx, run, selected, req)
	return run, nil
}

// Get returns the run with id.
func (o *Orchestrator) Get(id string) (*Run, bool) {
	return o.store.Get(id)
}

// AbortAll aborts every running run and reports how many were stopped.
func (o *Orchestrator) AbortAll() int {
	stopped := 0
	for _, run := range o.store.Runs() {
		if run.Abort() {
			stopped++
		}
	}
	return stopped
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, selected []agents.Agent, req StartRequest) {
	defer close(run.done)
	defer run.cancel()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", run.ID()),
		attribute.Int("run.phases", len(selected)),
	))
	defer func() {
		span.SetAttributes(attribute.String("run.status", run.Snapshot().Status))
		span.End()
	}()
	logger := logging.ForRun(o.logger, run.ID(), span.SpanContext())
	run.useLogger(logger)

	var previous []string
	for i, agent := range selected {
		if !run.beginPhase(ctx, i) {
			return
		}

		output, duration, err := o.runPhase(ctx, req, agent, previous)
		if err != nil {
			logger.Warn("phase failed", "agent", agent.ID, "error", err)
			run.failPhase(ctx, i, err.Error(), duration)
			return
		}

		// previous is copied on extend so a snapshot handed to a prompt never changes.
		next := make([]string, len(previous), len(previous)+1)
		copy(next, previous)
		previous = append(next, output)

		var completed []string
		if agent.TracksTasks && strings.TrimSpace(output) != "" && o.syncer != nil && !run.isAborted() {
			completed = o.syncer.SyncFile(ctx, req.SpecPath, output)
		}
		if !run.completePhase(ctx, i, output, duration, completed) {
			return
		}
		logger.Info("phase completed", "agent", agent.ID, "duration", duration, "tasks", len(completed))
	}
	run.complete(ctx)
	logger.Info("run finished", "status", run.Snapshot().Status)
}

func (o *Orchestrator) runPhase(ctx context.Context, req StartRequest, agent agents.Agent, previous []string) (string, time.Duration, error) {
	started := o.now()
	prompt, err := agents.BuildPrompt(agent, agents.PromptInput{
		Spec:            req.Spec,
		PreviousOutputs: previous,
		Definition:      agents.LoadDefinition(req.ProjectDir, agent),
	})
	if err != nil {
		return "", o.now().Sub(started), fmt.Errorf("build prompt: %w", err)
	}

	result, err := req.Invoker.Invoke(ctx, harness.Request{
		AgentID: string(agent.ID),
		Prompt:  prompt,
		Dir:     req.ProjectDir,
		Model:   o.cfg.AgentModel(string(agent.ID)),
		Timeout: o.cfg.AgentTimeout(string(agent.ID), agent.Timeout),
	})
	duration := o.now().Sub(started)
	if err != nil {
		return "", duration, err
	}
	return result.Output, duration, nil
}
