package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "specforge/state"

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntityRun is the orchestrator run lifecycle.
	EntityRun EntityType = "run"
	// EntityPhase is the per-agent phase lifecycle inside a run.
	EntityPhase EntityType = "phase"
)

const (
	RunIdle      = "idle"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
	PhaseSkipped   = "skipped"
)

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntityRun: {
		RunIdle: {
			RunRunning: {},
		},
		RunRunning: {
			RunCompleted: {},
			RunFailed:    {},
		},
	},
	EntityPhase: {
		PhasePending: {
			PhaseRunning: {},
			PhaseSkipped: {},
		},
		PhaseRunning: {
			PhaseCompleted: {},
			PhaseFailed:    {},
		},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer func(TransitionRecord)) Option {
	return func(machine *Machine) {
		machine.observer = observer
	}
}

// TransitionRecord describes one accepted transition.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Timestamp  time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates lifecycle transitions and reports accepted ones to its
// observer. It is safe for concurrent use.
type Machine struct {
	tracer   trace.Tracer
	observer func(TransitionRecord)
	now      func() time.Time
}

// NewMachine builds a transition validator.
func NewMachine(options ...Option) *Machine {
	machine := &Machine{
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Transition validates one state transition and notifies the observer.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	_, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if entityID == "" {
		err := errors.New("entity id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !IsAllowed(entityType, fromState, toState) {
		span.AddEvent("invariant.violation", trace.WithAttributes(
			attribute.String("invariant_name", "state_transition_legal"),
			attribute.String("severity", "error"),
			attribute.String("why_violated", fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState)),
		))
		err := &IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Timestamp:  m.now().UTC(),
	}

	if m.observer != nil {
		m.observer(record)
	}
	span.SetStatus(codes.Ok, "state transition accepted")
	return nil
}

// IsAllowed reports whether the lifecycle of entityType permits from -> to.
func IsAllowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

// IsTerminal reports whether state has no outgoing transitions for entityType.
func IsTerminal(entityType EntityType, state string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	return len(entityTransitions[state]) == 0
}
