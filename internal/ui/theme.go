// Package ui renders run, phase and task progress for the terminal.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/specforge/specforge/internal/state"
)

const (
	// Amber marks active work.
	Amber = "#FF9966"
	// Slate marks informational text.
	Slate = "#9999CC"
	// Red marks failures.
	Red = "#FF3333"
	// Yellow marks skipped or cautionary states.
	Yellow = "#FFCC00"
	// Green marks completed work.
	Green = "#33FF33"
	// Gray is the muted neutral.
	Gray = "#52526A"
)

const (
	// IconDone indicates completed work.
	IconDone = "✓"
	// IconRunning indicates actively running work.
	IconRunning = "▸"
	// IconWaiting indicates pending work.
	IconWaiting = "⏸"
	// IconSkipped indicates skipped work.
	IconSkipped = "⊘"
	// IconFailed indicates failed work.
	IconFailed = "✗"
)

var (
	// AmberColor is the profile-aware terminal color for Amber.
	AmberColor = paletteColor(Amber, "209", "11")
	// SlateColor is the profile-aware terminal color for Slate.
	SlateColor = paletteColor(Slate, "146", "12")
	// RedColor is the profile-aware terminal color for Red.
	RedColor = paletteColor(Red, "203", "9")
	// YellowColor is the profile-aware terminal color for Yellow.
	YellowColor = paletteColor(Yellow, "220", "11")
	// GreenColor is the profile-aware terminal color for Green.
	GreenColor = paletteColor(Green, "46", "10")
	// GrayColor is the profile-aware terminal color for Gray.
	GrayColor = paletteColor(Gray, "60", "8")
)

var (
	// ActiveStyle marks running phases.
	ActiveStyle = lipgloss.NewStyle().Foreground(AmberColor).Bold(true)
	// SuccessStyle marks completed phases and runs.
	SuccessStyle = lipgloss.NewStyle().Foreground(GreenColor).Bold(true)
	// ErrorStyle marks failed phases and runs.
	ErrorStyle = lipgloss.NewStyle().Foreground(RedColor).Bold(true)
	// WarningStyle marks skipped phases.
	WarningStyle = lipgloss.NewStyle().Foreground(YellowColor)
	// InfoStyle marks informational text.
	InfoStyle = lipgloss.NewStyle().Foreground(SlateColor)
	// MutedStyle marks pending and secondary text.
	MutedStyle = lipgloss.NewStyle().Foreground(GrayColor).Faint(true)
)

var colorProfileFn = lipgloss.ColorProfile

func paletteColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}

// StatusIcon returns the icon for a run or phase status.
func StatusIcon(status string) string {
	switch status {
	case state.PhaseCompleted:
		return IconDone
	case state.PhaseRunning:
		return IconRunning
	case state.PhaseFailed:
		return IconFailed
	case state.PhaseSkipped:
		return IconSkipped
	default:
		return IconWaiting
	}
}

// StatusStyle returns the style for a run or phase status.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case state.PhaseCompleted:
		return SuccessStyle
	case state.PhaseRunning:
		return ActiveStyle
	case state.PhaseFailed:
		return ErrorStyle
	case state.PhaseSkipped:
		return WarningStyle
	default:
		return MutedStyle
	}
}
