package doctor

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/state"
	"github.com/specforge/specforge/internal/terminal"
)

func TestNewManagerValidatesInputsAndDefaults(t *testing.T) {
	sessions := &fakeSessions{}
	runs := &fakeRunStore{}
	bus := &fakeEventBus{}

	if _, err := NewManager(nil, runs, bus, nil, Config{}); err == nil {
		t.Fatal("expected error for nil session lister")
	}
	if _, err := NewManager(sessions, nil, bus, nil, Config{}); err == nil {
		t.Fatal("expected error for nil run store")
	}
	if _, err := NewManager(sessions, runs, nil, nil, Config{}); err == nil {
		t.Fatal("expected error for nil event bus")
	}

	manager, err := NewManager(sessions, runs, bus, nil, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if manager.heartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("heartbeatInterval = %s, want %s", manager.heartbeatInterval, defaultHeartbeatInterval)
	}
	if manager.runRetention != defaultRunRetention {
		t.Fatalf("runRetention = %s, want %s", manager.runRetention, defaultRunRetention)
	}
	if _, ok := manager.Latest(); ok {
		t.Fatal("expected no report before the first heartbeat")
	}
}

func TestRunOnceCountsAndPrunesExpiredRuns(t *testing.T) {
	now := time.Date(2026, 2, 11, 8, 30, 0, 0, time.UTC)
	sessions := &fakeSessions{sessions: []terminal.Session{{ID: "s1"}, {ID: "s2"}}}
	runs := &fakeRunStore{snapshots: []orchestrator.Snapshot{
		{ID: "run-live", Status: state.RunRunning},
		{ID: "run-recent", Status: state.RunCompleted, FinishedAt: now.Add(-10 * time.Minute)},
		{ID: "run-stale", Status: state.RunFailed, FinishedAt: now.Add(-3 * time.Hour)},
		{ID: "run-old", Status: state.RunCompleted, FinishedAt: now.Add(-25 * time.Hour)},
	}}
	bus := &fakeEventBus{}

	manager, err := NewManager(sessions, runs, bus, nil, Config{RunRetention: 2 * time.Hour})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return now }

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	want := HealthReport{
		ActiveSessions:  2,
		RunningRuns:     1,
		FinishedRuns:    1,
		PrunedRuns:      2,
		DoctorHeartbeat: now,
	}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
	if !reflect.DeepEqual(runs.deleted, []string{"run-stale", "run-old"}) {
		t.Fatalf("deleted = %v, want [run-stale run-old]", runs.deleted)
	}
	latest, ok := manager.Latest()
	if !ok || latest != want {
		t.Fatalf("latest = %+v (%v), want %+v", latest, ok, want)
	}

	if count := bus.countByType(events.EventTypeHealthCheck); count != 1 {
		t.Fatalf("health check events = %d, want 1", count)
	}
	if topic := bus.events[0].Topic; topic != events.HealthTopic {
		t.Fatalf("topic = %q, want %q", topic, events.HealthTopic)
	}
}

func TestRunOnceReturnsContextError(t *testing.T) {
	manager, err := NewManager(&fakeSessions{}, &fakeRunStore{}, &fakeEventBus{}, nil, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := manager.RunOnce(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestStartRunsUntilCancelled(t *testing.T) {
	bus := &fakeEventBus{}
	manager, err := NewManager(&fakeSessions{}, &fakeRunStore{}, bus, nil, Config{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Start(ctx)
	}()

	time.Sleep(75 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("doctor start did not stop on context cancellation")
	}
	if count := bus.countByType(events.EventTypeHealthCheck); count < 2 {
		t.Fatalf("health check event count = %d, want at least 2", count)
	}
}

type fakeSessions struct {
	sessions []terminal.Session
}

func (f *fakeSessions) List() []terminal.Session {
	return append([]terminal.Session(nil), f.sessions...)
}

type fakeRunStore struct {
	mu        sync.Mutex
	snapshots []orchestrator.Snapshot
	deleted   []string
}

func (f *fakeRunStore) List() []orchestrator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Snapshot(nil), f.snapshots...)
}

func (f *fakeRunStore) Delete(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, snap := range f.snapshots {
		if snap.ID == id {
			f.snapshots = append(f.snapshots[:i], f.snapshots[i+1:]...)
			f.deleted = append(f.deleted, id)
			return true
		}
	}
	return false
}

type fakeEventBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeEventBus) Publish(event events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEventBus) countByType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}
