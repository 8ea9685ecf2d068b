// Package harness runs agent CLIs either as captured subprocesses or by
// injecting commands into a pseudo-terminal session.
package harness

import (
	"fmt"
	"strings"
)

// Supported profile names.
const (
	ProfileClaude = "claude"
	ProfileCodex  = "codex"
)

// Profile describes how to invoke one agent CLI with the prompt on stdin.
type Profile struct {
	Name   string
	Binary string
	// Args precede the optional --model flag.
	Args []string
	// TrailingArgs follow the optional --model flag.
	TrailingArgs []string
}

var profiles = map[string]Profile{
	ProfileClaude: {Name: ProfileClaude, Binary: "claude", Args: []string{"--print"}},
	ProfileCodex:  {Name: ProfileCodex, Binary: "codex", Args: []string{"exec"}, TrailingArgs: []string{"-"}},
}

// LookupProfile returns the profile called name.
func LookupProfile(name string) (Profile, bool) {
	profile, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	return profile, ok
}

// Command returns the binary and arguments for one invocation.
func (p Profile) Command(model string) (string, []string) {
	args := make([]string, 0, len(p.Args)+len(p.TrailingArgs)+2)
	args = append(args, p.Args...)
	if model = strings.TrimSpace(model); model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, p.TrailingArgs...)
	return p.Binary, args
}

// ShellCommand renders Command as a shell-safe string.
func (p Profile) ShellCommand(model string) string {
	name, args := p.Command(model)
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// String implements fmt.Stringer.
func (p Profile) String() string {
	return fmt.Sprintf("%s (%s)", p.Name, p.Binary)
}

// shellQuote single-quotes value unless it is made only of safe characters.
func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	if strings.IndexFunc(value, unsafeShellRune) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./=:@%+,", r):
		return false
	default:
		return true
	}
}
