package process

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

const (
	// DefaultGracePeriod is the SIGTERM grace window before SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	defaultPollInterval   = 50 * time.Millisecond
	defaultForcedExitWait = 2 * time.Second
)

// Signaler sends unix signals to a process or, with a negative pid, a process group.
type Signaler interface {
	Signal(pid int, signal syscall.Signal) error
}

// Checker reports whether a process is still alive.
type Checker interface {
	Alive(pid int) (bool, error)
}

type systemSignaler struct{}

func (systemSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

type systemChecker struct{}

func (systemChecker) Alive(pid int) (bool, error) {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

// Options configures a Terminator.
type Options struct {
	Signaler       Signaler
	Checker        Checker
	PollInterval   time.Duration
	ForcedExitWait time.Duration
}

// Terminator escalates SIGTERM -> grace -> SIGKILL against a process group.
type Terminator struct {
	signaler       Signaler
	checker        Checker
	pollInterval   time.Duration
	forcedExitWait time.Duration
	now            func() time.Time
	sleep          func(time.Duration)
}

// New creates a Terminator with system defaults where omitted.
func New(opts Options) *Terminator {
	signaler := opts.Signaler
	if signaler == nil {
		signaler = systemSignaler{}
	}
	checker := opts.Checker
	if checker == nil {
		checker = systemChecker{}
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	forcedExitWait := opts.ForcedExitWait
	if forcedExitWait <= 0 {
		forcedExitWait = defaultForcedExitWait
	}

	return &Terminator{
		signaler:       signaler,
		checker:        checker,
		pollInterval:   pollInterval,
		forcedExitWait: forcedExitWait,
		now:            time.Now,
		sleep:          time.Sleep,
	}
}

// Terminate signals the process group led by pid. When exited is non-nil it is
// treated as the authoritative exit notification (typically closed once
// cmd.Wait returns), which avoids mistaking an unreaped zombie for a live process.
func (t *Terminator) Terminate(ctx context.Context, pid int, grace time.Duration, exited <-chan struct{}) error {
	if t == nil {
		return errors.New("terminator is nil")
	}
	if pid <= 0 {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := t.signalGroup(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}

	gone, err := t.waitForExit(ctx, pid, grace, exited)
	if err != nil {
		return fmt.Errorf("wait for pid %d after SIGTERM: %w", pid, err)
	}
	if gone {
		return nil
	}

	if err := t.signalGroup(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
	}
	gone, err = t.waitForExit(ctx, pid, t.forcedExitWait, exited)
	if err != nil {
		return fmt.Errorf("wait for pid %d after SIGKILL: %w", pid, err)
	}
	if !gone {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	return nil
}

// signalGroup targets the whole group so shells and their children go together.
// A group that is already gone falls back to the single pid.
func (t *Terminator) signalGroup(pid int, signal syscall.Signal) error {
	err := t.signaler.Signal(-pid, signal)
	if err == nil {
		return nil
	}
	if !isProcessGoneError(err) && !errors.Is(err, syscall.EPERM) {
		return err
	}
	if err := t.signaler.Signal(pid, signal); err != nil && !isProcessGoneError(err) {
		return err
	}
	return nil
}

func (t *Terminator) waitForExit(ctx context.Context, pid int, window time.Duration, exited <-chan struct{}) (bool, error) {
	if exited != nil {
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-exited:
			return true, nil
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	deadline := t.now().Add(window)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		alive, err := t.checker.Alive(pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !t.now().Before(deadline) {
			return false, nil
		}
		t.sleep(t.pollInterval)
	}
}

func isProcessGoneError(err error) bool {
	return err != nil && errors.Is(err, syscall.ESRCH)
}

var _ Signaler = systemSignaler{}
var _ Checker = systemChecker{}
