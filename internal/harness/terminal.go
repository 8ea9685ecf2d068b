package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/specforge/specforge/internal/logging"
	"github.com/specforge/specforge/internal/terminal"
)

// Sessions is the slice of the session registry the terminal transport drives.
type Sessions interface {
	Arm(id string, timeout time.Duration) (*terminal.Collection, error)
	Disarm(c *terminal.Collection) bool
	Write(id string, data []byte) error
	Interrupt(id string) error
}

// TerminalOptions configures a TerminalInvoker.
type TerminalOptions struct {
	Profile   Profile
	Sessions  Sessions
	SessionID string
	// TempDir holds prompt files; empty means os.TempDir.
	TempDir string
	// Timeout applies to requests that carry none.
	Timeout time.Duration
	Logger  *log.Logger
}

// TerminalInvoker runs the agent CLI inside an existing pseudo-terminal
// session and waits for the completion marker.
type TerminalInvoker struct {
	profile   Profile
	sessions  Sessions
	sessionID string
	tempDir   string
	timeout   time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewTerminalInvoker constructs a TerminalInvoker.
func NewTerminalInvoker(opts TerminalOptions) *TerminalInvoker {
	return &TerminalInvoker{
		profile:   opts.Profile,
		sessions:  opts.Sessions,
		sessionID: opts.SessionID,
		tempDir:   opts.TempDir,
		timeout:   opts.Timeout,
		logger:    logging.OrDiscard(opts.Logger),
		now:       time.Now,
	}
}

// Invoke writes the prompt to a private temp file, arms a collector, and
// injects the agent command followed by the marker echo. The prompt file is
// removed on every path.
func (t *TerminalInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("agent.id", req.AgentID),
		attribute.String("harness", t.profile.Name),
		attribute.String("transport", "terminal"),
		attribute.String("session.id", t.sessionID),
		attribute.String("cwd", req.Dir),
	))
	defer span.End()

	if t.sessions == nil {
		err := errors.New("terminal transport has no session registry")
		recordFailure(span, err)
		return Result{ExitCode: -1}, err
	}

	promptPath, err := t.writePromptFile(req.Prompt)
	if err != nil {
		recordFailure(span, err)
		return Result{ExitCode: -1}, err
	}
	defer func() {
		if removeErr := os.Remove(promptPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			t.logger.Warn("remove prompt file", "path", promptPath, "error", removeErr)
		}
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	started := t.now()
	collection, err := t.sessions.Arm(t.sessionID, timeout)
	if err != nil {
		recordFailure(span, err)
		return Result{ExitCode: -1}, err
	}

	command := t.buildCommand(req, promptPath)
	if err := t.sessions.Write(t.sessionID, []byte(command)); err != nil {
		t.sessions.Disarm(collection)
		recordFailure(span, err)
		return Result{ExitCode: -1}, err
	}
	t.logger.Debug("agent command injected", "agent", req.AgentID, "session", t.sessionID)

	completion, err := collection.Wait(ctx)
	duration := t.now().Sub(started)
	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))

	if err != nil {
		switch {
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			t.stopForeground(collection)
			err = fmt.Errorf("agent %s: %w", req.AgentID, err)
		case errors.Is(err, terminal.ErrCollectTimeout):
			t.stopForeground(collection)
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
		default:
			err = fmt.Errorf("agent %s: %w", req.AgentID, err)
		}
		recordFailure(span, err)
		return Result{ExitCode: -1, Duration: duration}, err
	}

	result := Result{
		Output:   strings.TrimSpace(completion.Output),
		ExitCode: completion.ExitCode,
		Duration: duration,
	}
	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	addOutputEvents(span, result)

	if result.ExitCode != 0 {
		err := &ExitError{Code: result.ExitCode}
		recordFailure(span, err)
		return result, err
	}
	span.SetStatus(codes.Ok, "agent completed")
	return result, nil
}

// buildCommand renders: cd '<dir>' && <cli> < '<prompt>'; echo <marker>\r
func (t *TerminalInvoker) buildCommand(req Request, promptPath string) string {
	dir := strings.TrimSpace(req.Dir)
	if dir == "" {
		dir = "."
	}
	return fmt.Sprintf("cd %s && %s < %s; %s\r",
		singleQuote(dir),
		t.profile.ShellCommand(req.Model),
		singleQuote(promptPath),
		terminal.MarkerCommand(),
	)
}

// stopForeground drops this call's collector and interrupts whatever is still
// running. A collector armed since by another caller stays in place.
func (t *TerminalInvoker) stopForeground(collection *terminal.Collection) {
	t.sessions.Disarm(collection)
	if err := t.sessions.Interrupt(t.sessionID); err != nil {
		t.logger.Warn("interrupt session", "session", t.sessionID, "error", err)
	}
}

func (t *TerminalInvoker) writePromptFile(prompt string) (string, error) {
	file, err := os.CreateTemp(t.tempDir, "specforge-prompt-*.md")
	if err != nil {
		return "", fmt.Errorf("create prompt file: %w", err)
	}
	path := file.Name()
	_, writeErr := file.WriteString(prompt)
	closeErr := file.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	return path, nil
}

// singleQuote always quotes, so paths with spaces or metacharacters survive.
func singleQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}
