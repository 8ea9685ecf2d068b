package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/harness"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/state"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand(context.Background(), config.Default(), testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cmd := newRootCommand(context.Background(), config.Default(), testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	for _, name := range []string{"serve", "run", "tasks", "agents", "shell", "bugreport"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestTasksCommand(t *testing.T) {
	spec := writeSpec(t, "# Spec\n\n- [x] Parse input\n- [ ] Write tests\n")

	output, err := execute(t, "tasks", spec)
	require.NoError(t, err)
	assert.Contains(t, output, "1/2 (50%)")
	assert.Contains(t, output, "Parse input")
	assert.Contains(t, output, "Write tests")

	output, err = execute(t, "tasks", "--remaining", spec)
	require.NoError(t, err)
	assert.Contains(t, output, "- [ ] Write tests")
	assert.NotContains(t, output, "Parse input")
}

func TestTasksCommandMissingFile(t *testing.T) {
	_, err := execute(t, "tasks", filepath.Join(t.TempDir(), "missing.md"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read spec document")
}

func TestAgentsCommandShowsDefinitionSource(t *testing.T) {
	project := t.TempDir()
	dir := filepath.Join(project, ".specforge", "agents")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "developer.md"), []byte("You write Go."), 0o600))

	output, err := execute(t, "agents", "--project", project)
	require.NoError(t, err)
	assert.Contains(t, output, ".specforge/agents/developer.md")
	assert.Contains(t, output, "built-in")
	assert.Contains(t, output, "reviewer")
}

func TestParseAgents(t *testing.T) {
	ids, err := parseAgents(" Analyst, developer ,,")
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst", "developer"}, ids)

	ids, err = parseAgents("")
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst", "architect", "planner", "developer", "tester", "reviewer"}, ids)

	_, err = parseAgents("analyst,wizard")
	require.ErrorIs(t, err, orchestrator.ErrUnknownAgent)
	assert.Contains(t, err.Error(), `"wizard"`)
}

func TestRunCommandValidatesFlags(t *testing.T) {
	_, err := execute(t, "run", "--agents", "wizard", "--spec", "spec.md")
	require.ErrorIs(t, err, orchestrator.ErrUnknownAgent)

	_, err = execute(t, "run", "--agents", "developer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--spec is required")
}

func TestInvokerForValidatesTransport(t *testing.T) {
	a := newTestApp(t, "echo done")

	_, err := a.invokerFor("carrier-pigeon", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")

	_, err = a.invokerFor(config.TransportTerminal, " ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a session id")

	invoker, err := a.invokerFor("", "")
	require.NoError(t, err)
	assert.IsType(t, &harness.DirectInvoker{}, invoker)

	invoker, err = a.invokerFor("TERMINAL", "s1")
	require.NoError(t, err)
	assert.IsType(t, &harness.TerminalInvoker{}, invoker)
}

func TestExecuteRunChecksOffCompletedTasks(t *testing.T) {
	spec := writeSpec(t, "# Spec\n\n- [ ] Write tests\n- [ ] Ship release notes\n")
	a := newTestApp(t, "cat >/dev/null; echo Write tests done")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	snap, err := executeRun(ctx, a, runOptions{
		Agents:     []string{"developer"},
		SpecPath:   spec,
		ProjectDir: t.TempDir(),
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, snap.Status)
	require.Len(t, snap.Phases, 1)
	assert.Equal(t, state.PhaseCompleted, snap.Phases[0].Status)

	content, err := os.ReadFile(spec)
	require.NoError(t, err)
	assert.Contains(t, string(content), "- [x] Write tests")
	assert.Contains(t, string(content), "- [ ] Ship release notes")

	output := out.String()
	assert.Contains(t, output, "developer")
	assert.Contains(t, output, "1/2 (50%)")
}

func TestExecuteRunReportsFailedPhase(t *testing.T) {
	spec := writeSpec(t, "- [ ] Write tests\n")
	a := newTestApp(t, "cat >/dev/null; echo broken >&2; exit 3")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	snap, err := executeRun(ctx, a, runOptions{
		Agents:     []string{"developer", "reviewer"},
		SpecPath:   spec,
		ProjectDir: t.TempDir(),
	}, &out)
	require.Error(t, err)
	assert.Equal(t, state.RunFailed, snap.Status)
	require.Len(t, snap.Phases, 2)
	assert.Equal(t, state.PhaseFailed, snap.Phases[0].Status)
	assert.Equal(t, state.PhaseSkipped, snap.Phases[1].Status)
}

func newTestApp(t *testing.T, script string) *app {
	t.Helper()

	a := newApp(config.Default(), testLogger())
	a.resolveHarness = func(string) (harness.Profile, harness.Availability, []string, error) {
		return harness.Profile{Name: "sh", Binary: "/bin/sh", Args: []string{"-c", script}}, harness.Availability{}, nil, nil
	}
	t.Cleanup(a.close)
	return a
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand(context.Background(), config.Default(), testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func writeSpec(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "spec.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}
