package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	tracerName          = "specforge/harness"
	maxOutputEventBytes = 1024
)

var (
	// ErrTimeout reports an invocation that exceeded its deadline.
	ErrTimeout = errors.New("agent invocation timed out")
	// ErrExitCode reports an agent CLI that exited non-zero.
	ErrExitCode = errors.New("agent exited with non-zero status")
)

// Request describes one agent invocation.
type Request struct {
	AgentID string
	Prompt  string
	Dir     string
	Model   string
	Timeout time.Duration
}

// Result captures what one invocation produced.
type Result struct {
	Output   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Invoker runs one agent invocation to completion.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// ExitError carries the status of a failed agent CLI. It matches ErrExitCode.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, truncateOutput(detail, 512))
}

// Is reports whether target is ErrExitCode.
func (e *ExitError) Is(target error) bool {
	return target == ErrExitCode
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// invokeContext applies timeout to ctx when it is positive.
func invokeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
