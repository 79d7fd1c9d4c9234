// Package style defines the shared lipgloss styles and table renderer
// for CLI output.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Semantic styles. Commands compose these rather than picking colors
// inline so output stays consistent across the CLI.
var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	Info    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	Green  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	Yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	Red    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	Cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// Pre-rendered prefixes for status lines.
var (
	SuccessPrefix = Success.Render("✓")
	ErrorPrefix   = Error.Render("✗")
	WarningPrefix = Warning.Render("!")
	ArrowPrefix   = Info.Render("→")
)

// PrintWarning writes a warning line to stderr.
func PrintWarning(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", WarningPrefix, fmt.Sprintf(format, args...))
}

// PrintError writes an error line to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ErrorPrefix, fmt.Sprintf(format, args...))
}
