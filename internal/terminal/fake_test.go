package terminal

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/events"
)

type fakeProcess struct {
	output   chan []byte
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	exitCode int
	closed   bool
	written  bytes.Buffer
	sizes    [][2]uint16
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		output: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.output:
		return copy(b, chunk), nil
	default:
	}
	select {
	case chunk := <-p.output:
		return copy(b, chunk), nil
	case <-p.done:
		return 0, io.EOF
	}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("write to closed terminal")
	}
	return p.written.Write(b)
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes = append(p.sizes, [2]uint16{cols, rows})
	return nil
}

// Pid is zero so teardown never signals a real process group.
func (p *fakeProcess) Pid() int { return 0 }

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.exit(129)
	return nil
}

func (p *fakeProcess) emit(text string) {
	p.output <- []byte(text)
}

func (p *fakeProcess) exit(code int) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type fakeSpawner struct {
	mu       sync.Mutex
	requests []SpawnRequest
	procs    []*fakeProcess
	err      error
}

func (s *fakeSpawner) Spawn(req SpawnRequest) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	proc := newFakeProcess()
	s.requests = append(s.requests, req)
	s.procs = append(s.procs, proc)
	return proc, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

type quietLogger struct{}

func (quietLogger) Printf(string, ...any) {}

func newTestRegistry(t *testing.T) (*Registry, *fakeSpawner) {
	t.Helper()

	spawner := &fakeSpawner{}
	registry := NewRegistry(Options{
		Spawner: spawner,
		Bus:     events.New(events.WithLogger(quietLogger{})),
	})
	dir := t.TempDir()
	registry.env = environment{
		getenv:  func(string) string { return "" },
		isFile:  func(path string) bool { return path == "/bin/sh" },
		isDir:   func(path string) bool { return path == dir },
		homeDir: func() (string, error) { return dir, nil },
	}
	t.Cleanup(func() { _ = registry.Close() })
	return registry, spawner
}

func waitSettled(t *testing.T, c *Collection) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("collection did not settle")
	}
}

func requireNoSession(t *testing.T, registry *Registry, id string) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, ok := registry.Get(id)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
