package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/logging"
	"github.com/specforge/specforge/internal/process"
	"github.com/specforge/specforge/internal/telemetry"
)

const (
	// DefaultCols is used when a session is created with zero columns.
	DefaultCols = 80
	// DefaultRows is used when a session is created with zero rows.
	DefaultRows = 24

	readBufferSize = 32 * 1024
	interruptByte  = 0x03
	hangupWait     = 250 * time.Millisecond
)

// ErrSessionNotFound reports an unknown or already-exited session id.
var ErrSessionNotFound = errors.New("session not found")

// Session describes one live pseudo-terminal session.
type Session struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd"`
	Shell     string    `json:"shell"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// Output is the payload of an events.EventTypeSessionOutput event.
type Output struct {
	SessionID string
	Data      []byte
}

// Exit is the payload of an events.EventTypeSessionExit event.
type Exit struct {
	SessionID string
	ExitCode  int
}

// Options configures a Registry.
type Options struct {
	Spawner          Spawner
	Bus              events.Bus
	Logger           *log.Logger
	Metrics          *telemetry.Metrics
	Terminator       *process.Terminator
	Shell            string
	ReplayChunks     int
	TerminationGrace time.Duration
}

// Registry owns every pseudo-terminal session keyed by caller-chosen id.
// Map mutations, replay appends and collector settlement all happen under mu,
// so a session is removed from the map before its teardown starts.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry

	spawner    Spawner
	bus        events.Bus
	logger     *log.Logger
	metrics    *telemetry.Metrics
	terminator *process.Terminator
	env        environment
	shell      string
	replayCap  int
	grace      time.Duration
	now        func() time.Time

	teardowns sync.WaitGroup
}

type entry struct {
	session   Session
	proc      Process
	replay    *replayBuffer
	collector *Collection
	exited    chan struct{}
	exitCode  int
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	spawner := opts.Spawner
	if spawner == nil {
		spawner = PTYSpawner{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	terminator := opts.Terminator
	if terminator == nil {
		terminator = process.New(process.Options{})
	}
	grace := opts.TerminationGrace
	if grace <= 0 {
		grace = process.DefaultGracePeriod
	}

	return &Registry{
		sessions:   make(map[string]*entry),
		spawner:    spawner,
		bus:        bus,
		logger:     logging.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
		terminator: terminator,
		env:        hostEnvironment(),
		shell:      opts.Shell,
		replayCap:  opts.ReplayChunks,
		grace:      grace,
		now:        time.Now,
	}
}

// Bus returns the bus session events are published on.
func (r *Registry) Bus() events.Bus {
	return r.bus
}

// Create spawns a shell for id. A live session with the same id is returned
// unchanged and no process is started.
func (r *Registry) Create(id, cwd string, cols, rows uint16) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, errors.New("session id is required")
	}
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		return existing.session, nil
	}

	shell := r.env.resolveShell(r.shell)
	dir := r.env.resolveCwd(cwd)
	proc, err := r.spawner.Spawn(SpawnRequest{
		Shell: shell,
		Cwd:   dir,
		Cols:  cols,
		Rows:  rows,
		Env:   shellEnv(os.Environ()),
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session %s: %w", id, err)
	}

	e := &entry{
		session: Session{
			ID:        id,
			Cwd:       dir,
			Shell:     shell,
			Cols:      cols,
			Rows:      rows,
			PID:       proc.Pid(),
			CreatedAt: r.now().UTC(),
		},
		proc:   proc,
		replay: newReplayBuffer(r.replayCap),
		exited: make(chan struct{}),
	}
	r.sessions[id] = e
	r.metrics.SessionOpened()
	r.logger.Info("session created", "session_id", id, "shell", shell, "cwd", dir, "pid", e.session.PID)
	r.bus.Publish(events.Event{
		Type:     events.EventTypeSessionCreated,
		Topic:    events.SessionTopic(id),
		Payload:  e.session,
		Severity: events.SeverityInfo,
	})

	go r.readLoop(e)

	return e.session, nil
}

// Write forwards raw input bytes to the session's shell.
func (r *Registry) Write(id string, data []byte) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if _, err := e.proc.Write(data); err != nil {
		return fmt.Errorf("write to session %s: %w", id, err)
	}
	return nil
}

// Interrupt sends Ctrl-C to the session's foreground job.
func (r *Registry) Interrupt(id string) error {
	return r.Write(id, []byte{interruptByte})
}

// Resize changes the session's terminal dimensions.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if cols == 0 || rows == 0 {
		return fmt.Errorf("resize session %s: dimensions must be positive", id)
	}
	if err := e.proc.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize session %s: %w", id, err)
	}

	r.mu.Lock()
	e.session.Cols = cols
	e.session.Rows = rows
	r.mu.Unlock()
	return nil
}

// Destroy removes the session, rejects any armed collector with
// ErrSessionExited and terminates the shell's process group in the background.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("destroy session %s: %w", id, ErrSessionNotFound)
	}
	r.removeLocked(e)
	r.mu.Unlock()

	r.logger.Info("session destroyed", "session_id", id)
	r.teardown(e)
	return nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// List returns live sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Replay returns the buffered output chunks and clears the buffer.
func (r *Registry) Replay(id string) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("replay session %s: %w", id, ErrSessionNotFound)
	}
	return e.replay.drain(), nil
}

// Subscribe atomically drains the replay buffer and registers handler for
// subsequent session events, so a late observer sees every chunk exactly once.
func (r *Registry) Subscribe(id string, handler events.Handler) ([][]byte, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, nil, fmt.Errorf("subscribe session %s: %w", id, ErrSessionNotFound)
	}
	replay := e.replay.drain()
	cancel := r.bus.Subscribe(events.SessionTopic(id), handler)
	return replay, cancel, nil
}

// ExitWatch reports a session's process exit without going through the
// event bus, which may drop events for slow subscribers.
type ExitWatch struct {
	e *entry
}

// Done is closed once the process has exited and the session is removed.
func (w ExitWatch) Done() <-chan struct{} {
	return w.e.exited
}

// Code returns the exit code. It blocks until Done is closed.
func (w ExitWatch) Code() int {
	<-w.e.exited
	return w.e.exitCode
}

// Exited returns a watch on the session's process exit.
func (r *Registry) Exited(id string) (ExitWatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ExitWatch{}, fmt.Errorf("watch session %s: %w", id, ErrSessionNotFound)
	}
	return ExitWatch{e: e}, nil
}

// Arm installs a collector on the session, superseding any previous one.
// A non-positive timeout uses DefaultCollectTimeout.
func (r *Registry) Arm(id string, timeout time.Duration) (*Collection, error) {
	if timeout <= 0 {
		timeout = DefaultCollectTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("arm collector on session %s: %w", id, ErrSessionNotFound)
	}
	if previous := e.collector; previous != nil {
		e.collector = nil
		previous.settle(Completion{}, ErrSuperseded)
		r.logger.Debug("collector superseded", "session_id", id)
	}

	c := newCollection(id, r.metrics)
	c.timer = time.AfterFunc(timeout, func() {
		r.expire(e, c)
	})
	e.collector = c
	return c, nil
}

// Disarm removes c if it is still the session's armed collector. The
// collection settles with ErrDisarmed so its waiters return. A collection
// that was superseded or already settled is left alone, as is its successor.
func (r *Registry) Disarm(c *Collection) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[c.sessionID]
	if !ok || e.collector != c {
		return false
	}
	e.collector = nil
	c.settle(Completion{}, ErrDisarmed)
	return true
}

// Close destroys every session and waits for their processes to be torn down.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	for _, e := range entries {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		r.teardown(e)
	}
	r.teardowns.Wait()
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return e, nil
}

// removeLocked drops e from the map and rejects its collector.
func (r *Registry) removeLocked(e *entry) {
	if current, ok := r.sessions[e.session.ID]; !ok || current != e {
		return
	}
	delete(r.sessions, e.session.ID)
	r.metrics.SessionClosed()
	if c := e.collector; c != nil {
		e.collector = nil
		c.settle(Completion{}, ErrSessionExited)
	}
}

// teardown closes the terminal, which hangs up the shell, then escalates to
// SIGTERM and SIGKILL for anything that survives.
func (r *Registry) teardown(e *entry) {
	r.teardowns.Add(1)
	go func() {
		defer r.teardowns.Done()

		if err := e.proc.Close(); err != nil {
			r.logger.Debug("close session terminal", "session_id", e.session.ID, "error", err)
		}
		select {
		case <-e.exited:
			return
		case <-time.After(hangupWait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.grace+5*time.Second)
		defer cancel()
		if err := r.terminator.Terminate(ctx, e.session.PID, r.grace, e.exited); err != nil {
			r.logger.Warn("terminate session process", "session_id", e.session.ID, "pid", e.session.PID, "error", err)
		}
	}()
}

func (r *Registry) expire(e *entry, c *Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.collector == c {
		e.collector = nil
	}
	if c.settle(Completion{}, ErrCollectTimeout) {
		r.logger.Warn("collector timed out", "session_id", e.session.ID)
	}
}

// readLoop is the only reader of the session's terminal, so chunks reach the
// collector and the bus in the order the process produced them.
func (r *Registry) readLoop(e *entry) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := e.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.dispatch(e, chunk)
		}
		if err != nil {
			break
		}
	}

	code, err := e.proc.Wait()
	if err != nil {
		r.logger.Debug("wait for session process", "session_id", e.session.ID, "error", err)
	}
	r.handleExit(e, code)
}

func (r *Registry) dispatch(e *entry, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[e.session.ID]; !ok || current != e {
		return
	}

	e.replay.append(chunk)
	if c := e.collector; c != nil {
		if completion, matched := c.feed(chunk); matched {
			e.collector = nil
			c.settle(completion, nil)
		}
	}
	r.bus.Publish(events.Event{
		Type:     events.EventTypeSessionOutput,
		Topic:    events.SessionTopic(e.session.ID),
		Payload:  Output{SessionID: e.session.ID, Data: chunk},
		Severity: events.SeverityInfo,
	})
}

func (r *Registry) handleExit(e *entry, code int) {
	r.mu.Lock()
	r.removeLocked(e)
	e.exitCode = code
	r.mu.Unlock()

	close(e.exited)
	_ = e.proc.Close()

	r.logger.Info("session exited", "session_id", e.session.ID, "exit_code", code)
	r.bus.Publish(events.Event{
		Type:     events.EventTypeSessionExit,
		Topic:    events.SessionTopic(e.session.ID),
		Payload:  Exit{SessionID: e.session.ID, ExitCode: code},
		Severity: events.SeverityInfo,
	})
}
