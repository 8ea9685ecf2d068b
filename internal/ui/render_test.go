package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/agents"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/specsync"
	"github.com/specforge/specforge/internal/state"
)

func TestStatusIconsAndStyles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		icon   string
	}{
		{status: state.PhaseCompleted, icon: IconDone},
		{status: state.PhaseRunning, icon: IconRunning},
		{status: state.PhaseFailed, icon: IconFailed},
		{status: state.PhaseSkipped, icon: IconSkipped},
		{status: state.PhasePending, icon: IconWaiting},
		{status: state.RunIdle, icon: IconWaiting},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.icon, StatusIcon(tt.status), tt.status)
	}
	assert.Equal(t, ErrorStyle.GetForeground(), StatusStyle(state.RunFailed).GetForeground())
	assert.Equal(t, SuccessStyle.GetForeground(), StatusStyle(state.RunCompleted).GetForeground())
}

func TestPaletteColorFollowsProfile(t *testing.T) {
	original := colorProfileFn
	t.Cleanup(func() { colorProfileFn = original })

	colorProfileFn = func() termenv.Profile { return termenv.ANSI256 }
	complete, ok := paletteColor(Red, "203", "9").(lipgloss.CompleteAdaptiveColor)
	require.True(t, ok)
	assert.Equal(t, "203", complete.Dark.ANSI256)

	colorProfileFn = func() termenv.Profile { return termenv.TrueColor }
	adaptive, ok := paletteColor(Red, "203", "9").(lipgloss.AdaptiveColor)
	require.True(t, ok)
	assert.Equal(t, Red, adaptive.Dark)
}

func TestPhaseLine(t *testing.T) {
	t.Parallel()

	line := PhaseLine(1, 3, orchestrator.PhaseRun{
		AgentID:        "developer",
		Status:         state.PhaseCompleted,
		Duration:       4200 * time.Millisecond,
		CompletedTasks: []string{"a", "b"},
	})
	assert.Contains(t, line, "[2/3]")
	assert.Contains(t, line, IconDone+" developer completed")
	assert.Contains(t, line, "in 4s")
	assert.Contains(t, line, "(2 tasks)")

	failed := PhaseLine(0, 1, orchestrator.PhaseRun{AgentID: "tester", Status: state.PhaseFailed, Error: "aborted"})
	assert.Contains(t, failed, IconFailed+" tester failed")
	assert.Contains(t, failed, ": aborted")
	assert.NotContains(t, failed, " in ")
}

func TestRunSummary(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	summary := RunSummary(orchestrator.Snapshot{
		ID:         "run-1",
		Status:     state.RunFailed,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Phases: []orchestrator.PhaseRun{
			{AgentID: "analyst", Status: state.PhaseCompleted},
			{AgentID: "developer", Status: state.PhaseFailed, Error: "exit 2"},
			{AgentID: "reviewer", Status: state.PhaseSkipped},
		},
	})

	lines := strings.Split(summary, "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "run run-1 failed in 1m30s")
	assert.Contains(t, lines[3], IconSkipped+" reviewer skipped")
}

func TestProgressBarAndTaskList(t *testing.T) {
	t.Parallel()

	progress := specsync.ComputeProgress("- [x] One\n- [ ] Two\n- [ ] Three\n- [x] Four\n")
	bar := ProgressBar(progress, 10)
	assert.Contains(t, bar, "2/4 (50%)")
	assert.Equal(t, 5, strings.Count(bar, "#"))
	assert.Equal(t, 5, strings.Count(bar, "-"))

	empty := ProgressBar(specsync.Progress{}, 0)
	assert.Contains(t, empty, "0/0 (0%)")
	assert.Equal(t, defaultBarWidth, strings.Count(empty, "-"))

	list := TaskList(progress)
	assert.Equal(t, "- [x] One\n- [ ] Two\n- [ ] Three\n- [x] Four", list)
}

func TestAgentTable(t *testing.T) {
	t.Parallel()

	out := AgentTable(agents.All(), func(agent agents.Agent) string {
		if agent.ID == agents.Developer {
			return "project"
		}
		return "built-in"
	})
	for _, header := range []string{"ID", "NAME", "TIMEOUT", "TRACKS TASKS", "DEFINITION"} {
		assert.Contains(t, out, header)
	}
	assert.Contains(t, out, "analyst")
	assert.Contains(t, out, "1h0m0s")
	assert.Contains(t, out, "project")
	assert.Contains(t, out, "yes")
}
