package specsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/specforge/specforge/internal/logging"
	"github.com/specforge/specforge/internal/telemetry"
)

const tracerName = "specforge/specsync"

// Options configures a Synchronizer.
type Options struct {
	Heuristic *Heuristic
	Logger    *log.Logger
	Metrics   *telemetry.Metrics
}

// Synchronizer checks off spec document items that agent output reports as done.
// Writes to one path are serialized.
type Synchronizer struct {
	heuristic Heuristic
	logger    *log.Logger
	metrics   *telemetry.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Synchronizer using DefaultHeuristic unless overridden.
func New(opts Options) *Synchronizer {
	heuristic := DefaultHeuristic
	if opts.Heuristic != nil {
		heuristic = *opts.Heuristic
	}
	return &Synchronizer{
		heuristic: heuristic,
		logger:    logging.OrDiscard(opts.Logger),
		metrics:   opts.Metrics,
		locks:     make(map[string]*sync.Mutex),
	}
}

// SyncFile applies output to the document at path and returns the titles it
// checked off. Read and write failures are logged and yield an empty list.
// The file is only rewritten when something changed.
func (s *Synchronizer) SyncFile(ctx context.Context, path, output string) []string {
	completed := []string{}
	if strings.TrimSpace(path) == "" || strings.TrimSpace(output) == "" {
		return completed
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "specsync.sync")
	defer span.End()
	span.SetAttributes(attribute.String("spec.path", path))

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		s.fail(span, "stat spec document", path, err)
		return completed
	}
	// #nosec G304 -- path is the operator-selected spec document.
	content, err := os.ReadFile(path)
	if err != nil {
		s.fail(span, "read spec document", path, err)
		return completed
	}

	updated, changed := s.heuristic.Apply(string(content), output)
	span.SetAttributes(attribute.Int("spec.tasks_completed", len(changed)))
	if len(changed) == 0 {
		return completed
	}

	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		s.fail(span, "write spec document", path, err)
		return completed
	}

	s.metrics.TasksCompleted(len(changed))
	s.logger.Info("spec tasks completed", "path", path, "count", len(changed), "titles", strings.Join(changed, "; "))
	return changed
}

// ReadProgress parses the document at path and summarizes its task list.
func ReadProgress(path string) (Progress, error) {
	// #nosec G304 -- path is the operator-selected spec document.
	content, err := os.ReadFile(path)
	if err != nil {
		return Progress{}, fmt.Errorf("read spec document %q: %w", path, err)
	}
	return ComputeProgress(string(content)), nil
}

func (s *Synchronizer) lockFor(path string) *sync.Mutex {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *Synchronizer) fail(span trace.Span, action, path string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, action)
	s.logger.Warn(action+" failed", "path", path, "error", err)
}
