package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/terminal"
)

const exitGrace = time.Second

func newShellCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Attach this terminal to a managed pseudo-terminal session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stdinFd := int(os.Stdin.Fd())
			if !term.IsTerminal(stdinFd) {
				return errors.New("shell requires an interactive terminal")
			}

			a := newApp(cfg, logger)
			defer a.close()

			code, err := attachShell(a.sessions, "shell-"+strconv.Itoa(os.Getpid()), cwd, os.Stdin, cmd.OutOrStdout(), stdinFd)
			if err != nil {
				return err
			}
			if code != 0 {
				return fmt.Errorf("shell exited with code %d", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory of the shell (default: home)")
	return cmd
}

// attachShell creates session id and proxies it to the local terminal in raw
// mode until the shell exits. It returns the shell's exit code.
func attachShell(sessions *terminal.Registry, id, cwd string, in io.Reader, out io.Writer, fd int) (int, error) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = terminal.DefaultCols, terminal.DefaultRows
	}
	if _, err := sessions.Create(id, cwd, uint16(cols), uint16(rows)); err != nil {
		return 0, err
	}

	watch, err := sessions.Exited(id)
	if err != nil {
		return 0, err
	}
	exited := make(chan int, 1)
	replay, unsubscribe, err := sessions.Subscribe(id, func(event events.Event) {
		switch payload := event.Payload.(type) {
		case terminal.Output:
			_, _ = out.Write(payload.Data)
		case terminal.Exit:
			select {
			case exited <- payload.ExitCode:
			default:
			}
		}
	})
	if err != nil {
		return 0, err
	}
	defer unsubscribe()
	for _, chunk := range replay {
		_, _ = out.Write(chunk)
	}

	previous, err := term.MakeRaw(fd)
	if err != nil {
		_ = sessions.Destroy(id)
		return 0, fmt.Errorf("enable raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, previous)
	}()

	resized := make(chan os.Signal, 1)
	signal.Notify(resized, syscall.SIGWINCH)
	defer func() {
		signal.Stop(resized)
		close(resized)
	}()
	go func() {
		for range resized {
			if c, r, err := term.GetSize(fd); err == nil {
				_ = sessions.Resize(id, uint16(c), uint16(r))
			}
		}
	}()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if writeErr := sessions.Write(id, buf[:n]); writeErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return awaitExit(exited, watch.Done(), watch.Code, exitGrace), nil
}

// awaitExit returns the code from the exit event. If the process is known to
// have exited but the event does not follow within grace, code is used.
func awaitExit(exited <-chan int, done <-chan struct{}, code func() int, grace time.Duration) int {
	select {
	case c := <-exited:
		return c
	case <-done:
	}
	select {
	case c := <-exited:
		return c
	case <-time.After(grace):
		return code()
	}
}
