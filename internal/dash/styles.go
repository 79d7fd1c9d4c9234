package dash

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/steveyegge/tower/internal/agent"
)

// Color palette
var (
	colorWorking    = lipgloss.Color("76")  // green
	colorError      = lipgloss.Color("196") // bright red
	colorDetached   = lipgloss.Color("214") // orange
	colorAccent     = lipgloss.Color("39")  // blue
	colorMuted      = lipgloss.Color("242") // gray
	colorWhite      = lipgloss.Color("15")
	colorSelectedBg = lipgloss.Color("236")
)

// Styles for the dashboard
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	daemonUpStyle = lipgloss.NewStyle().
			Foreground(colorWorking)

	daemonDownStyle = lipgloss.NewStyle().
			Foreground(colorError)

	paneTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	paneBorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted)

	focusedBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorAccent)

	// Feed line styles
	feedTimeStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	feedAgentStyle = lipgloss.NewStyle().
			Foreground(colorAccent)

	feedToolStyle = lipgloss.NewStyle().
			Foreground(colorDetached)

	feedErrorStyle = lipgloss.NewStyle().
			Foreground(colorError)

	feedTextStyle = lipgloss.NewStyle().
			Foreground(colorWhite)

	// Help and status
	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError)

	workingStyle = lipgloss.NewStyle().
			Foreground(colorWorking)

	detachedStyle = lipgloss.NewStyle().
			Foreground(colorDetached)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(colorAccent)
)

// statusDot returns a colored indicator for an agent status.
func statusDot(s agent.Status) string {
	switch s {
	case agent.StatusWorking:
		return workingStyle.Render("●")
	case agent.StatusError:
		return errorStyle.Render("●")
	case agent.StatusDetached:
		return detachedStyle.Render("●")
	default:
		return mutedStyle.Render("●")
	}
}
