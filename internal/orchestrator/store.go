package orchestrator

import (
	"sort"
	"strings"
	"sync"
)

// Store keeps runs in process memory by id.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	order []string
}

// NewStore creates an empty run store.
func NewStore() *Store {
	return &Store{
		runs:  make(map[string]*Run),
		order: make([]string, 0),
	}
}

// Put stores run, replacing any run with the same id.
func (s *Store) Put(run *Run) {
	if run == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID()]; !exists {
		s.order = append(s.order, run.ID())
	}
	s.runs[run.ID()] = run
}

// Get returns the run with id.
func (s *Store) Get(id string) (*Run, bool) {
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// Runs returns every stored run in insertion order.
func (s *Store) Runs() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*Run, 0, len(s.order))
	for _, id := range s.order {
		runs = append(runs, s.runs[id])
	}
	return runs
}

// List returns snapshots of every run, most recently started first.
func (s *Store) List() []Snapshot {
	runs := s.Runs()
	out := make([]Snapshot, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Delete removes the run with id and reports whether it was present.
func (s *Store) Delete(id string) bool {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return false
	}
	delete(s.runs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}
