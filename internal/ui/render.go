package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // gray
)

// RenderPassIcon returns the success indicator, colored when the
// terminal supports it.
func RenderPassIcon() string {
	if !ShouldUseColor() {
		return "✓"
	}
	return passStyle.Render("✓")
}

// RenderWarnIcon returns the warning indicator.
func RenderWarnIcon() string {
	if !ShouldUseColor() {
		return "!"
	}
	return warnStyle.Render("!")
}

// RenderFailIcon returns the failure indicator.
func RenderFailIcon() string {
	if !ShouldUseColor() {
		return "✗"
	}
	return failStyle.Render("✗")
}

// RenderMuted renders s dimmed when color is available, unchanged
// otherwise.
func RenderMuted(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return mutedStyle.Render(s)
}

// ShortenPath replaces the home directory prefix with ~ for display.
func ShortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}

// RelativeTime renders how long ago t was, coarsely: "just now",
// "5m ago", "3h ago", "2d ago".
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
