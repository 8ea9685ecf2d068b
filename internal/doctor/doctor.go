package doctor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/logging"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/state"
	"github.com/specforge/specforge/internal/terminal"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRunRetention      = 24 * time.Hour
)

// SessionLister reports live terminal sessions.
type SessionLister interface {
	List() []terminal.Session
}

// RunStore exposes the runs Doctor inspects and prunes.
type RunStore interface {
	List() []orchestrator.Snapshot
	Delete(id string) bool
}

// EventBus publishes health reports.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls Doctor heartbeat cadence and how long finished runs are kept.
type Config struct {
	HeartbeatInterval time.Duration
	RunRetention      time.Duration
}

// HealthReport is emitted on every Doctor heartbeat.
type HealthReport struct {
	ActiveSessions  int       `json:"active_sessions"`
	RunningRuns     int       `json:"running_runs"`
	FinishedRuns    int       `json:"finished_runs"`
	PrunedRuns      int       `json:"pruned_runs"`
	DoctorHeartbeat time.Time `json:"doctor_heartbeat"`
}

// Manager executes health checks on a periodic ticker.
type Manager struct {
	sessions          SessionLister
	runs              RunStore
	bus               EventBus
	logger            *log.Logger
	heartbeatInterval time.Duration
	runRetention      time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker

	mu     sync.RWMutex
	latest HealthReport
}

// NewManager builds a Doctor manager with sane defaults.
func NewManager(sessions SessionLister, runs RunStore, bus EventBus, logger *log.Logger, cfg Config) (*Manager, error) {
	if sessions == nil {
		return nil, errors.New("session lister is required")
	}
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = defaultRunRetention
	}
	return &Manager{
		sessions:          sessions,
		runs:              runs,
		bus:               bus,
		logger:            logging.OrDiscard(logger),
		heartbeatInterval: cfg.HeartbeatInterval,
		runRetention:      cfg.RunRetention,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Warn("health check failed", "error", err)
				m.bus.Publish(events.Event{
					Type:      events.EventTypeSystemAlert,
					Topic:     events.HealthTopic,
					Timestamp: m.now().UTC(),
					Payload: map[string]string{
						"error": err.Error(),
					},
					Severity: events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one health check cycle. Finished runs older than the
// retention window are removed from the run store.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return HealthReport{}, err
		}
	}

	now := m.now().UTC()
	report := HealthReport{
		ActiveSessions:  len(m.sessions.List()),
		DoctorHeartbeat: now,
	}

	for _, snap := range m.runs.List() {
		if snap.Status == state.RunRunning || snap.Status == state.RunIdle {
			report.RunningRuns++
			continue
		}
		if expired(snap, now, m.runRetention) && m.runs.Delete(snap.ID) {
			report.PrunedRuns++
			continue
		}
		report.FinishedRuns++
	}
	if report.PrunedRuns > 0 {
		m.logger.Info("pruned finished runs", "count", report.PrunedRuns)
	}

	m.mu.Lock()
	m.latest = report
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:      events.EventTypeHealthCheck,
		Topic:     events.HealthTopic,
		Timestamp: now,
		Payload:   report,
		Severity:  events.SeverityInfo,
	})
	return report, nil
}

// Latest returns the most recent report, or false before the first heartbeat.
func (m *Manager) Latest() (HealthReport, bool) {
	if m == nil {
		return HealthReport{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, !m.latest.DoctorHeartbeat.IsZero()
}

func expired(snap orchestrator.Snapshot, now time.Time, retention time.Duration) bool {
	if snap.FinishedAt.IsZero() || retention <= 0 {
		return false
	}
	return now.Sub(snap.FinishedAt.UTC()) > retention
}
