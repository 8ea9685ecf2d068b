package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Process is a running interactive shell attached to a pseudo-terminal.
// Read yields raw output; Write feeds raw input.
type Process interface {
	io.ReadWriter
	Resize(cols, rows uint16) error
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Close releases the terminal handle. It is safe to call more than once.
	Close() error
}

// SpawnRequest describes the shell to start.
type SpawnRequest struct {
	Shell string
	Cwd   string
	Cols  uint16
	Rows  uint16
	Env   []string
}

// Spawner starts shell processes.
type Spawner interface {
	Spawn(req SpawnRequest) (Process, error)
}

// PTYSpawner starts shells on a real pseudo-terminal.
type PTYSpawner struct{}

// Spawn starts req.Shell as a session leader with its own controlling terminal,
// so signalling -pid reaches every job the shell started.
func (PTYSpawner) Spawn(req SpawnRequest) (Process, error) {
	cmd := exec.Command(req.Shell)
	cmd.Dir = req.Cwd
	cmd.Env = req.Env

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: req.Cols, Rows: req.Rows})
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", req.Shell, err)
	}
	return &ptyProcess{cmd: cmd, tty: tty}, nil
}

type ptyProcess struct {
	cmd       *exec.Cmd
	tty       *os.File
	closeOnce sync.Once
	closeErr  error
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	return p.tty.Read(b)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.tty.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.tty, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.tty.Close()
	})
	return p.closeErr
}

var _ Spawner = PTYSpawner{}
var _ Process = (*ptyProcess)(nil)
