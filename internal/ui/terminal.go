// Package ui holds terminal capability checks and small render helpers
// shared by the CLI commands.
package ui

import (
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/steveyegge/tower/internal/constants"
)

// IsTerminal returns true if stdout is connected to a terminal (TTY).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor determines if ANSI color codes should be used.
// Respects NO_COLOR (https://no-color.org/), CLICOLOR, and
// CLICOLOR_FORCE conventions; termenv also degrades to plain output on
// dumb terminals and non-TTY stdout.
func ShouldUseColor() bool {
	return termenv.EnvColorProfile() != termenv.Ascii
}

// ShouldUseEmoji determines if emoji decorations should be used.
// Disabled in non-TTY mode to keep output machine-readable.
func ShouldUseEmoji() bool {
	// TOWER_NO_EMOJI disables emoji output
	if _, exists := os.LookupEnv(constants.EnvNoEmoji); exists {
		return false
	}

	// default: use emoji only if stdout is a TTY
	return IsTerminal()
}

// IsAgentMode returns true if the CLI is being driven by an agent
// rather than a human. This is triggered by:
//   - TOWER_AGENT set (the CLI is running inside a managed subprocess)
//   - CLAUDE_CODE environment variable (auto-detect Claude Code)
//
// Agent mode keeps output compact and machine-parseable.
func IsAgentMode() bool {
	if os.Getenv(constants.EnvAgentID) != "" {
		return true
	}
	// auto-detect Claude Code environment
	if os.Getenv("CLAUDE_CODE") != "" {
		return true
	}
	return false
}
