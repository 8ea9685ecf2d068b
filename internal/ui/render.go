package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/specforge/specforge/internal/agents"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/specsync"
)

const defaultBarWidth = 20

// PhaseLine renders one phase update, e.g. "[2/3] ✓ developer completed in 4s (2 tasks)".
func PhaseLine(index, total int, phase orchestrator.PhaseRun) string {
	var b strings.Builder
	b.WriteString(MutedStyle.Render(fmt.Sprintf("[%d/%d]", index+1, total)))
	b.WriteString(" ")
	b.WriteString(StatusStyle(phase.Status).Render(StatusIcon(phase.Status) + " " + phase.AgentID + " " + phase.Status))
	if phase.Duration > 0 {
		b.WriteString(" in " + phase.Duration.Round(time.Second).String())
	}
	if n := len(phase.CompletedTasks); n > 0 {
		b.WriteString(InfoStyle.Render(fmt.Sprintf(" (%d %s)", n, plural(n, "task", "tasks"))))
	}
	if phase.Error != "" {
		b.WriteString(": " + ErrorStyle.Render(phase.Error))
	}
	return b.String()
}

// RunSummary renders the final state of a run with one line per phase.
func RunSummary(snap orchestrator.Snapshot) string {
	lines := make([]string, 0, len(snap.Phases)+1)
	header := fmt.Sprintf("run %s %s", snap.ID, snap.Status)
	if !snap.FinishedAt.IsZero() && !snap.StartedAt.IsZero() {
		header += " in " + snap.FinishedAt.Sub(snap.StartedAt).Round(time.Second).String()
	}
	lines = append(lines, StatusStyle(snap.Status).Render(header))
	for i, phase := range snap.Phases {
		lines = append(lines, "  "+PhaseLine(i, len(snap.Phases), phase))
	}
	return strings.Join(lines, "\n")
}

// ProgressBar renders "[######--------------] 3/10 (30%)". A non-positive width
// uses a 20 cell bar.
func ProgressBar(progress specsync.Progress, width int) string {
	if width <= 0 {
		width = defaultBarWidth
	}
	filled := 0
	if progress.Total > 0 {
		filled = progress.Checked * width / progress.Total
	}
	bar := SuccessStyle.Render(strings.Repeat("#", filled)) + MutedStyle.Render(strings.Repeat("-", width-filled))
	return fmt.Sprintf("[%s] %d/%d (%d%%)", bar, progress.Checked, progress.Total, progress.Percent())
}

// TaskList renders every item as a markdown checklist line.
func TaskList(progress specsync.Progress) string {
	lines := make([]string, 0, len(progress.Items))
	for _, item := range progress.Items {
		if item.Checked {
			lines = append(lines, SuccessStyle.Render("- [x]")+" "+item.Title)
			continue
		}
		lines = append(lines, MutedStyle.Render("- [ ]")+" "+item.Title)
	}
	return strings.Join(lines, "\n")
}

// AgentTable renders the agent catalogue. definition describes where each
// agent's instructions come from.
func AgentTable(list []agents.Agent, definition func(agents.Agent) string) string {
	rows := make([][]string, 0, len(list))
	for _, agent := range list {
		tracks := "no"
		if agent.TracksTasks {
			tracks = "yes"
		}
		source := "built-in"
		if definition != nil {
			source = definition(agent)
		}
		rows = append(rows, []string{string(agent.ID), agent.Name, agent.Timeout.String(), tracks, source})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(MutedStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return ActiveStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("ID", "NAME", "TIMEOUT", "TRACKS TASKS", "DEFINITION").
		Rows(rows...).
		String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
