package dash

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the dashboard.
func (m *Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	b.WriteString(m.renderPane("Agents", m.table.View(), m.focus == focusTable, m.width-2))
	b.WriteString("\n")

	feed := m.renderPane("Feed", m.feedView.View(), m.focus == focusFeed, m.feedView.Width)
	answer := m.renderPane("Last Answer", m.answerView.View(), m.focus == focusAnswer, m.answerView.Width)
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, feed, " ", answer))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	} else if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render(m.help.View(m.keys)))
	return b.String()
}

// renderHeader renders the title line with daemon state and a spinner
// while anything is working.
func (m *Model) renderHeader() string {
	title := titleStyle.Render("Tower")

	daemonState := daemonDownStyle.Render("daemon stopped")
	if m.daemonUp {
		daemonState = daemonUpStyle.Render(fmt.Sprintf("daemon PID %d", m.daemonPID))
	}

	working := 0
	for _, rec := range m.agents {
		if rec.Status.Busy() {
			working++
		}
	}
	activity := ""
	if working > 0 {
		activity = " " + m.spin.View() + statusStyle.Render(fmt.Sprintf("%d working", working))
	}

	return fmt.Sprintf("%s  %s%s", title, daemonState, activity)
}

// renderPane wraps content in a titled, optionally focus-highlighted
// border.
func (m *Model) renderPane(title, content string, focused bool, width int) string {
	border := paneBorderStyle
	titleRender := statusStyle.Render(title)
	if focused {
		border = focusedBorderStyle
		titleRender = paneTitleStyle.Render(title)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		titleRender,
		border.Width(width).Render(content),
	)
}
