package display

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#A78BFA")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")
	infoColor    = lipgloss.Color("#60A5FA")

	// Exported so the CLI renders status and task tables the same way.
	Title   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	Success = lipgloss.NewStyle().Foreground(successColor)
	Warning = lipgloss.NewStyle().Foreground(warningColor)
	Error   = lipgloss.NewStyle().Foreground(errorColor)
	Muted   = lipgloss.NewStyle().Foreground(mutedColor)
	Info    = lipgloss.NewStyle().Foreground(infoColor)
	Label   = lipgloss.NewStyle().Foreground(mutedColor).Width(18)
)

// StatusStyle returns the style for a task or loop status word.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "complete", "completed", "passed", "closed", "finished":
		return Success
	case "in_progress", "half_open", "running":
		return Info
	case "blocked", "open", "failed", "halted":
		return Error
	case "paused", "stopped":
		return Warning
	default:
		return Muted
	}
}
