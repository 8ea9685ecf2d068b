package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/logging"
	"github.com/specforge/specforge/internal/state"
	"github.com/specforge/specforge/internal/telemetry"
)

// AbortedMessage is the error recorded on a phase stopped by Abort.
const AbortedMessage = "aborted"

// PhaseRun is the progress record of one agent inside a run.
type PhaseRun struct {
	AgentID        string        `json:"agent_id"`
	Name           string        `json:"name"`
	Status         string        `json:"status"`
	Output         string        `json:"output,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	CompletedTasks []string      `json:"completed_tasks,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	FinishedAt     time.Time     `json:"finished_at,omitempty"`
}

// Snapshot is a deep copy of a run's state at one instant.
type Snapshot struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	SpecPath   string     `json:"spec_path,omitempty"`
	ProjectDir string     `json:"project_dir,omitempty"`
	Phases     []PhaseRun `json:"phases"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// PhaseUpdate is the payload of events.EventTypePhaseUpdate.
type PhaseUpdate struct {
	RunID string   `json:"run_id"`
	Index int      `json:"index"`
	Phase PhaseRun `json:"phase"`
}

// Done reports whether the run reached a terminal status.
func (s Snapshot) Done() bool {
	return state.IsTerminal(state.EntityRun, s.Status)
}

// Run is one serial pass over a list of agents. All state lives behind mu;
// transitions are validated by the lifecycle machine before they are applied.
type Run struct {
	mu      sync.Mutex
	snap    Snapshot
	current int
	aborted bool

	cancel  context.CancelFunc
	done    chan struct{}
	machine *state.Machine
	bus     events.Bus
	metrics *telemetry.Metrics
	logger  *log.Logger
	now     func() time.Time
}

func newRun(id string, phases []PhaseRun, specPath, projectDir string, bus events.Bus, metrics *telemetry.Metrics, logger *log.Logger, now func() time.Time) *Run {
	r := &Run{
		snap: Snapshot{
			ID:         id,
			Status:     state.RunIdle,
			SpecPath:   specPath,
			ProjectDir: projectDir,
			Phases:     phases,
		},
		current: -1,
		done:    make(chan struct{}),
		bus:     bus,
		metrics: metrics,
		logger:  logging.ForRun(logger, id, trace.SpanContext{}),
		now:     now,
	}
	r.machine = state.NewMachine(state.WithObserver(r.logTransition))
	return r
}

// logTransition runs under r.mu, from inside the machine.
func (r *Run) logTransition(record state.TransitionRecord) {
	r.logger.Debug("state transition",
		"entity", record.EntityType,
		"entity_id", record.EntityID,
		"from", record.FromState,
		"to", record.ToState,
		"reason", record.Reason,
	)
}

// useLogger replaces the run's logger once its trace context is known.
func (r *Run) useLogger(logger *log.Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.snap.ID
}

// Done is closed once the run has stopped executing phases.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns a deep copy of the current state.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Wait blocks until the run stops or ctx is done.
func (r *Run) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Abort stops a running run: the in-flight invocation is cancelled, the
// current phase fails with AbortedMessage and the rest are skipped. It reports
// whether the run was running.
func (r *Run) Abort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.aborted || r.snap.Status != state.RunRunning {
		return false
	}
	r.aborted = true
	if r.cancel != nil {
		r.cancel()
	}

	ctx := context.Background()
	if r.current >= 0 && r.snap.Phases[r.current].Status == state.PhaseRunning {
		phase := &r.snap.Phases[r.current]
		r.finishPhaseLocked(ctx, r.current, state.PhaseFailed, AbortedMessage, r.now().Sub(phase.StartedAt))
	}
	r.skipRemainingLocked(ctx)
	r.finishRunLocked(ctx, state.RunFailed, AbortedMessage)
	return true
}

func (r *Run) start(ctx context.Context, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	r.snap.StartedAt = r.now().UTC()
	r.transitionRunLocked(ctx, state.RunRunning, "run started")
}

// beginPhase marks phase i running. It returns false once the run was aborted.
func (r *Run) beginPhase(ctx context.Context, i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return false
	}
	phase := &r.snap.Phases[i]
	if err := r.machine.Transition(ctx, state.EntityPhase, r.phaseEntity(i), phase.Status, state.PhaseRunning, "phase started"); err != nil {
		return false
	}
	r.current = i
	phase.Status = state.PhaseRunning
	phase.StartedAt = r.now().UTC()
	r.publishPhaseLocked(i)
	return true
}

// completePhase records a successful phase. It returns false once the run was aborted.
func (r *Run) completePhase(ctx context.Context, i int, output string, duration time.Duration, completed []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return false
	}
	phase := &r.snap.Phases[i]
	phase.Output = output
	phase.CompletedTasks = append([]string(nil), completed...)
	r.finishPhaseLocked(ctx, i, state.PhaseCompleted, "", duration)
	return true
}

// failPhase records a failed phase, skips the rest and fails the run.
func (r *Run) failPhase(ctx context.Context, i int, message string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return
	}
	r.finishPhaseLocked(ctx, i, state.PhaseFailed, message, duration)
	r.skipRemainingLocked(ctx)
	r.finishRunLocked(ctx, state.RunFailed, message)
}

// complete marks the run completed unless it was aborted.
func (r *Run) complete(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return
	}
	r.finishRunLocked(ctx, state.RunCompleted, "")
}

func (r *Run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *Run) finishPhaseLocked(ctx context.Context, i int, status, message string, duration time.Duration) {
	phase := &r.snap.Phases[i]
	if err := r.machine.Transition(ctx, state.EntityPhase, r.phaseEntity(i), phase.Status, status, message); err != nil {
		return
	}
	phase.Status = status
	phase.Error = message
	phase.Duration = duration
	phase.FinishedAt = r.now().UTC()
	r.metrics.PhaseFinished(phase.AgentID, status, duration)
	r.publishPhaseLocked(i)
}

func (r *Run) skipRemainingLocked(ctx context.Context) {
	for i := range r.snap.Phases {
		phase := &r.snap.Phases[i]
		if phase.Status != state.PhasePending {
			continue
		}
		if err := r.machine.Transition(ctx, state.EntityPhase, r.phaseEntity(i), phase.Status, state.PhaseSkipped, "earlier phase did not complete"); err != nil {
			continue
		}
		phase.Status = state.PhaseSkipped
		r.publishPhaseLocked(i)
	}
}

func (r *Run) finishRunLocked(ctx context.Context, status, message string) {
	r.snap.Error = message
	r.snap.FinishedAt = r.now().UTC()
	r.transitionRunLocked(ctx, status, message)
}

func (r *Run) transitionRunLocked(ctx context.Context, status, reason string) {
	if err := r.machine.Transition(ctx, state.EntityRun, r.snap.ID, r.snap.Status, status, reason); err != nil {
		return
	}
	r.snap.Status = status
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:     events.EventTypeRunUpdate,
			Topic:    events.RunTopic(r.snap.ID),
			Payload:  r.snapshotLocked(),
			Severity: runSeverity(status),
		})
	}
}

func (r *Run) publishPhaseLocked(i int) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:     events.EventTypePhaseUpdate,
		Topic:    events.RunTopic(r.snap.ID),
		Payload:  PhaseUpdate{RunID: r.snap.ID, Index: i, Phase: copyPhase(r.snap.Phases[i])},
		Severity: phaseSeverity(r.snap.Phases[i].Status),
	})
}

func (r *Run) phaseEntity(i int) string {
	return r.snap.ID + "/" + r.snap.Phases[i].AgentID
}

func (r *Run) snapshotLocked() Snapshot {
	out := r.snap
	out.Phases = make([]PhaseRun, len(r.snap.Phases))
	for i, phase := range r.snap.Phases {
		out.Phases[i] = copyPhase(phase)
	}
	return out
}

func copyPhase(phase PhaseRun) PhaseRun {
	if phase.CompletedTasks != nil {
		phase.CompletedTasks = append([]string(nil), phase.CompletedTasks...)
	}
	return phase
}

func runSeverity(status string) string {
	if status == state.RunFailed {
		return events.SeverityError
	}
	return events.SeverityInfo
}

func phaseSeverity(status string) string {
	switch status {
	case state.PhaseFailed:
		return events.SeverityError
	case state.PhaseSkipped:
		return events.SeverityWarn
	default:
		return events.SeverityInfo
	}
}
