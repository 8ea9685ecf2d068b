package harness

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/specforge/specforge/internal/testutil"
)

func shellProfile(script string) Profile {
	return Profile{Name: "sh", Binary: "/bin/sh", Args: []string{"-c", script}}
}

func TestDirectInvokerCapturesOutput(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns /bin/sh")
	}
	t.Parallel()

	invoker := NewDirectInvoker(DirectOptions{Profile: shellProfile("cat; echo warning >&2")})
	result, err := invoker.Invoke(context.Background(), Request{AgentID: "analyst", Prompt: "spec text\n"})
	require.NoError(t, err)
	assert.Equal(t, "spec text", result.Output)
	assert.Equal(t, "warning", result.Stderr)
	assert.Zero(t, result.ExitCode)
	assert.Positive(t, result.Duration)
}

func TestDirectInvokerRunsInDir(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns /bin/sh")
	}
	t.Parallel()

	dir := t.TempDir()
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	result, err := NewDirectInvoker(DirectOptions{Profile: shellProfile("pwd -P")}).
		Invoke(context.Background(), Request{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, want, result.Output)
}

func TestDirectInvokerNonZeroExit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns /bin/sh")
	}
	recorder := testutil.InstallSpanRecorder(t)

	invoker := NewDirectInvoker(DirectOptions{Profile: shellProfile("echo partial; echo broken >&2; exit 3")})
	result, err := invoker.Invoke(context.Background(), Request{AgentID: "developer"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExitCode)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, "partial", result.Output)
	assert.Equal(t, 3, result.ExitCode)

	span := testutil.FindSpan(t, recorder, "agent.invoke")
	assert.Equal(t, "developer", testutil.SpanAttribute(span, "agent.id"))
	assert.Equal(t, "direct", testutil.SpanAttribute(span, "transport"))
	assert.Equal(t, "3", testutil.SpanAttribute(span, "exit_code"))
	assert.Equal(t, codes.Error, span.Status().Code)
}

func TestDirectInvokerTimeoutKillsProcessGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns /bin/sh")
	}
	t.Parallel()

	invoker := NewDirectInvoker(DirectOptions{Profile: shellProfile("sleep 30 & sleep 30; wait"), Grace: time.Second})
	started := time.Now()
	result, err := invoker.Invoke(context.Background(), Request{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, -1, result.ExitCode)
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestDirectInvokerCancelledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns /bin/sh")
	}
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := NewDirectInvoker(DirectOptions{Profile: shellProfile("sleep 30")}).
		Invoke(ctx, Request{Timeout: time.Minute})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestDirectInvokerMissingBinary(t *testing.T) {
	t.Parallel()

	invoker := NewDirectInvoker(DirectOptions{Profile: Profile{Name: "ghost", Binary: "/nonexistent/specforge-agent"}})
	result, err := invoker.Invoke(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start /nonexistent/specforge-agent")
	assert.Equal(t, -1, result.ExitCode)
}
