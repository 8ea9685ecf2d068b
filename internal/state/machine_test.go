package state

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransitionEnforcesAllowedStateMachines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		entity   EntityType
		entityID string
		sequence [][2]string
	}{
		{
			name:     "run completes",
			entity:   EntityRun,
			entityID: "run-1",
			sequence: [][2]string{
				{RunIdle, RunRunning},
				{RunRunning, RunCompleted},
			},
		},
		{
			name:     "run fails",
			entity:   EntityRun,
			entityID: "run-2",
			sequence: [][2]string{
				{RunIdle, RunRunning},
				{RunRunning, RunFailed},
			},
		},
		{
			name:     "phase completes",
			entity:   EntityPhase,
			entityID: "run-1/analyst",
			sequence: [][2]string{
				{PhasePending, PhaseRunning},
				{PhaseRunning, PhaseCompleted},
			},
		},
		{
			name:     "phase fails",
			entity:   EntityPhase,
			entityID: "run-1/developer",
			sequence: [][2]string{
				{PhasePending, PhaseRunning},
				{PhaseRunning, PhaseFailed},
			},
		},
		{
			name:     "phase skipped",
			entity:   EntityPhase,
			entityID: "run-1/reviewer",
			sequence: [][2]string{
				{PhasePending, PhaseSkipped},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			accepted := 0
			machine := NewMachine(WithObserver(func(TransitionRecord) { accepted++ }))
			for _, step := range tt.sequence {
				err := machine.Transition(context.Background(), tt.entity, tt.entityID, step[0], step[1], "transition")
				if err != nil {
					t.Fatalf("transition %s -> %s: %v", step[0], step[1], err)
				}
			}

			if accepted != len(tt.sequence) {
				t.Fatalf("accepted transitions = %d, want %d", accepted, len(tt.sequence))
			}
		})
	}
}

func TestTerminalStatesAreNeverLeft(t *testing.T) {
	t.Parallel()

	cases := []struct {
		entity EntityType
		states []string
	}{
		{entity: EntityRun, states: []string{RunCompleted, RunFailed}},
		{entity: EntityPhase, states: []string{PhaseCompleted, PhaseFailed, PhaseSkipped}},
	}
	targets := []string{RunIdle, RunRunning, RunCompleted, RunFailed, PhasePending, PhaseRunning, PhaseCompleted, PhaseFailed, PhaseSkipped}

	for _, tc := range cases {
		for _, from := range tc.states {
			if !IsTerminal(tc.entity, from) {
				t.Fatalf("%s %q should be terminal", tc.entity, from)
			}
			for _, to := range targets {
				if IsAllowed(tc.entity, from, to) {
					t.Fatalf("%s transition %q -> %q must be rejected", tc.entity, from, to)
				}
			}
		}
	}
	if IsTerminal(EntityPhase, PhasePending) || IsTerminal(EntityRun, RunRunning) {
		t.Fatal("pending phase and running run are not terminal")
	}
}

func TestTransitionRejectsIllegalTransitionWithTypedError(t *testing.T) {
	t.Parallel()

	var observed []TransitionRecord
	machine := NewMachine(WithObserver(func(record TransitionRecord) {
		observed = append(observed, record)
	}))
	err := machine.Transition(
		context.Background(),
		EntityPhase,
		"run-42/tester",
		PhasePending,
		PhaseCompleted,
		"skip running",
	)
	if err == nil {
		t.Fatal("expected illegal transition error, got nil")
	}

	var illegalErr *IllegalTransitionError
	if !errors.As(err, &illegalErr) {
		t.Fatalf("error = %T, want *IllegalTransitionError", err)
	}
	if !errors.Is(err, &IllegalTransitionError{}) {
		t.Fatalf("errors.Is(%v, IllegalTransitionError{}) = false, want true", err)
	}
	if illegalErr.EntityType != EntityPhase {
		t.Fatalf("entity type = %s, want %s", illegalErr.EntityType, EntityPhase)
	}
	if illegalErr.FromState != PhasePending || illegalErr.ToState != PhaseCompleted {
		t.Fatalf("illegal transition = %s -> %s", illegalErr.FromState, illegalErr.ToState)
	}
	if !strings.Contains(err.Error(), "illegal transition for entity lifecycle") {
		t.Fatalf("error text missing reason: %v", err)
	}
	if len(observed) != 0 {
		t.Fatal("rejected transitions must not reach the observer")
	}
}

func TestTransitionValidatesInputs(t *testing.T) {
	t.Parallel()

	machine := NewMachine()
	if err := machine.Transition(context.Background(), EntityRun, "  ", RunIdle, RunRunning, ""); err == nil {
		t.Fatal("expected error for empty entity id")
	}
	if err := machine.Transition(context.Background(), EntityRun, "run-1", "", RunRunning, ""); err == nil {
		t.Fatal("expected error for empty from state")
	}

	var nilMachine *Machine
	if err := nilMachine.Transition(context.Background(), EntityRun, "run-1", RunIdle, RunRunning, ""); err == nil {
		t.Fatal("expected error for nil machine")
	}
}

func TestTransitionRecordsTimestampReasonAndNotifiesObserver(t *testing.T) {
	t.Parallel()

	var observed []TransitionRecord
	machine := NewMachine(WithObserver(func(record TransitionRecord) {
		observed = append(observed, record)
	}))

	fixed := time.Date(2026, 2, 11, 5, 0, 0, 0, time.UTC)
	machine.now = func() time.Time { return fixed }

	if err := machine.Transition(
		context.Background(),
		EntityRun,
		"run-1",
		RunIdle,
		RunRunning,
		"started by operator",
	); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if len(observed) != 1 {
		t.Fatalf("observed %d transitions, want 1", len(observed))
	}
	record := observed[0]
	if record.Timestamp != fixed {
		t.Fatalf("timestamp = %s, want %s", record.Timestamp, fixed)
	}
	if record.Reason != "started by operator" {
		t.Fatalf("reason = %q, want %q", record.Reason, "started by operator")
	}
	if record.EntityID != "run-1" || record.FromState != RunIdle || record.ToState != RunRunning {
		t.Fatalf("record = %+v", record)
	}
}

func TestTransitionCreatesSpanWithRequiredAttributes(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	machine := NewMachine()
	machine.tracer = provider.Tracer("state-test")
	if err := machine.Transition(
		context.Background(),
		EntityPhase,
		"run-7/planner",
		PhasePending,
		PhaseRunning,
		"phase started",
	); err != nil {
		t.Fatalf("transition: %v", err)
	}

	span := findTransitionSpan(t, spanRecorder.Ended())
	attrs := attributesToMap(span.Attributes())

	if got := attrs["entity_type"]; got != string(EntityPhase) {
		t.Fatalf("entity_type = %q, want %q", got, string(EntityPhase))
	}
	if got := attrs["entity_id"]; got != "run-7/planner" {
		t.Fatalf("entity_id = %q, want %q", got, "run-7/planner")
	}
	if got := attrs["from_state"]; got != PhasePending {
		t.Fatalf("from_state = %q, want %q", got, PhasePending)
	}
	if got := attrs["to_state"]; got != PhaseRunning {
		t.Fatalf("to_state = %q, want %q", got, PhaseRunning)
	}
	if got := attrs["reason"]; got != "phase started" {
		t.Fatalf("reason = %q, want %q", got, "phase started")
	}
	if _, ok := attrs["duration_ms"]; !ok {
		t.Fatal("duration_ms attribute missing")
	}
}

func TestIllegalTransitionSpanUsesParentAndRecordsViolation(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	tracer := provider.Tracer("state-test")
	machine := NewMachine()
	machine.tracer = tracer

	parentCtx, parentSpan := tracer.Start(context.Background(), "parent")
	err := machine.Transition(parentCtx, EntityRun, "run-9", RunCompleted, RunRunning, "restart")
	parentSpan.End()
	if err == nil {
		t.Fatal("expected transition error, got nil")
	}

	transitionSpan := findTransitionSpan(t, spanRecorder.Ended())
	if transitionSpan.Parent().SpanID() != parentSpan.SpanContext().SpanID() {
		t.Fatalf(
			"transition span parent = %s, want %s",
			transitionSpan.Parent().SpanID(),
			parentSpan.SpanContext().SpanID(),
		)
	}
	if transitionSpan.Status().Code != codes.Error {
		t.Fatalf("status code = %v, want %v", transitionSpan.Status().Code, codes.Error)
	}

	found := false
	for _, event := range transitionSpan.Events() {
		if event.Name == "invariant.violation" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected invariant.violation event on illegal transition span")
	}
}

func findTransitionSpan(t *testing.T, spans []sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == "state.transition" {
			return span
		}
	}
	t.Fatalf("state.transition span not found in %d spans", len(spans))
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}
