package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/specforge/specforge/internal/logging"
	"github.com/specforge/specforge/internal/process"
)

// pipeDrainDelay bounds how long Wait blocks on pipes held open by
// descendants after the agent itself has exited.
const pipeDrainDelay = 2 * time.Second

// DirectOptions configures a DirectInvoker.
type DirectOptions struct {
	Profile    Profile
	Terminator *process.Terminator
	Grace      time.Duration
	Logger     *log.Logger
}

// DirectInvoker runs the agent CLI as a captured subprocess in its own process
// group, with the prompt on stdin.
type DirectInvoker struct {
	profile    Profile
	terminator *process.Terminator
	grace      time.Duration
	logger     *log.Logger
	now        func() time.Time
}

// NewDirectInvoker constructs a DirectInvoker.
func NewDirectInvoker(opts DirectOptions) *DirectInvoker {
	terminator := opts.Terminator
	if terminator == nil {
		terminator = process.New(process.Options{})
	}
	return &DirectInvoker{
		profile:    opts.Profile,
		terminator: terminator,
		grace:      opts.Grace,
		logger:     logging.OrDiscard(opts.Logger),
		now:        time.Now,
	}
}

// Invoke runs one agent to completion. The process group is terminated when
// the timeout expires or ctx is cancelled.
func (d *DirectInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name, args := d.profile.Command(req.Model)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("agent.id", req.AgentID),
		attribute.String("harness", d.profile.Name),
		attribute.String("transport", "direct"),
		attribute.String("cwd", req.Dir),
	))
	defer span.End()

	runCtx, cancel := invokeContext(ctx, req.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	// #nosec G204 -- binary and args come from a fixed harness profile.
	cmd := exec.Command(name, args...)
	cmd.Dir = strings.TrimSpace(req.Dir)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeDrainDelay

	started := d.now()
	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("start %s: %w", name, err)
		recordFailure(span, err)
		return Result{ExitCode: -1}, err
	}
	pid := cmd.Process.Pid
	d.logger.Debug("agent started", "agent", req.AgentID, "pid", pid, "harness", d.profile.Name)

	exited := make(chan struct{})
	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(exited)
		waitErr <- err
	}()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-runCtx.Done():
		if err := d.terminator.Terminate(context.Background(), pid, d.grace, exited); err != nil {
			d.logger.Warn("terminate agent process group", "agent", req.AgentID, "pid", pid, "error", err)
		}
		runErr = <-waitErr
	}
	if errors.Is(runErr, exec.ErrWaitDelay) {
		runErr = nil
	}

	result := Result{
		Output:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: resolveExitCode(cmd, runErr, runCtx),
		Duration: d.now().Sub(started),
	}
	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	addOutputEvents(span, result)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err := fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
		recordFailure(span, err)
		return result, err
	case ctx.Err() != nil:
		err := fmt.Errorf("agent %s: %w", req.AgentID, ctx.Err())
		recordFailure(span, err)
		return result, err
	case runErr != nil && result.ExitCode == 0:
		err := fmt.Errorf("run %s: %w", name, runErr)
		recordFailure(span, err)
		return result, err
	case result.ExitCode != 0:
		err := &ExitError{Code: result.ExitCode, Stderr: result.Stderr}
		recordFailure(span, err)
		return result, err
	}

	span.SetStatus(codes.Ok, "agent completed")
	return result, nil
}

func resolveExitCode(cmd *exec.Cmd, runErr error, ctx context.Context) int {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}
	if runErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

func addOutputEvents(span trace.Span, result Result) {
	if result.Output != "" {
		span.AddEvent("agent.stdout", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Output, maxOutputEventBytes)),
		))
	}
	if result.Stderr != "" {
		span.AddEvent("agent.stderr", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes)),
		))
	}
}

func recordFailure(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
