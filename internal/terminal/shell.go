package terminal

import (
	"os"
	"strings"
)

const (
	fallbackShell = "/bin/sh"
	fallbackCwd   = "/"
)

var shellCandidates = []string{"/bin/zsh", "/bin/bash", "/bin/sh"}

// environment abstracts the host lookups used to pick a shell and directory.
type environment struct {
	getenv  func(string) string
	isFile  func(string) bool
	isDir   func(string) bool
	homeDir func() (string, error)
}

func hostEnvironment() environment {
	return environment{
		getenv: os.Getenv,
		isFile: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && !info.IsDir()
		},
		isDir: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && info.IsDir()
		},
		homeDir: os.UserHomeDir,
	}
}

// resolveShell picks the configured shell, then $SHELL, then the first
// existing candidate, defaulting to /bin/sh.
func (env environment) resolveShell(configured string) string {
	ordered := make([]string, 0, len(shellCandidates)+2)
	ordered = append(ordered, strings.TrimSpace(configured), strings.TrimSpace(env.getenv("SHELL")))
	ordered = append(ordered, shellCandidates...)

	for _, candidate := range ordered {
		if candidate == "" {
			continue
		}
		if env.isFile(candidate) {
			return candidate
		}
	}
	return fallbackShell
}

// resolveCwd returns cwd when it is an existing directory, else the home
// directory, else the filesystem root.
func (env environment) resolveCwd(cwd string) string {
	cwd = strings.TrimSpace(cwd)
	if cwd != "" && env.isDir(cwd) {
		return cwd
	}
	if home, err := env.homeDir(); err == nil && home != "" && env.isDir(home) {
		return home
	}
	return fallbackCwd
}

func shellEnv(base []string) []string {
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, "TERM=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "TERM=xterm-256color")
}
