// Package constants defines shared names for files, directories, and
// environment variables used across the tower codebase. Keeping them in one
// place prevents the path drift that otherwise creeps in when the daemon,
// CLI, and supervisor each spell out the same locations.
package constants

import "path/filepath"

// Fleet root marker. A directory containing this file is a fleet root.
const ConfigFile = "tower.toml"

// Directory names under the fleet root.
const (
	// DirDaemon holds the daemon lock, PID file, log, and heartbeat state.
	DirDaemon = "daemon"

	// DirRuntime holds transient operational state: agent records, PID
	// tracking files, command queues, and the event feed.
	DirRuntime = ".runtime"

	// DirPids is the subdirectory of DirRuntime holding per-agent PID files.
	DirPids = "pids"

	// DirCommands is the subdirectory of DirRuntime holding per-agent
	// command queue files written by the CLI and drained by the daemon.
	DirCommands = "commands"
)

// File names.
const (
	DaemonLockFile  = "daemon.lock"
	DaemonPidFile   = "daemon.pid"
	DaemonLogFile   = "daemon.log"
	DaemonStateFile = "state.json"

	AgentsStateFile  = "agents.json"
	RestartStateFile = "restart_state.json"
	EventsFile       = "events.jsonl"
)

// Environment variables honored by the CLI and daemon.
const (
	// EnvFleetRoot overrides fleet-root discovery (useful in tests and CI).
	EnvFleetRoot = "TOWER_ROOT"

	// EnvClaudeBinary overrides the configured agent binary.
	EnvClaudeBinary = "TOWER_CLAUDE_BIN"

	// EnvAgentID is set on spawned agent subprocesses so their tools
	// can tell which fleet member they are running as.
	EnvAgentID = "TOWER_AGENT"

	// EnvNoEmoji disables emoji decorations in CLI output.
	EnvNoEmoji = "TOWER_NO_EMOJI"
)

// DaemonDir returns the daemon directory for a fleet root.
func DaemonDir(root string) string {
	return filepath.Join(root, DirDaemon)
}

// DaemonLockPath returns the daemon flock file path.
func DaemonLockPath(root string) string {
	return filepath.Join(root, DirDaemon, DaemonLockFile)
}

// DaemonPidPath returns the daemon PID file path.
func DaemonPidPath(root string) string {
	return filepath.Join(root, DirDaemon, DaemonPidFile)
}

// DaemonLogPath returns the daemon log file path.
func DaemonLogPath(root string) string {
	return filepath.Join(root, DirDaemon, DaemonLogFile)
}

// DaemonStatePath returns the daemon heartbeat state file path.
func DaemonStatePath(root string) string {
	return filepath.Join(root, DirDaemon, DaemonStateFile)
}

// RuntimeDir returns the runtime directory for a fleet root.
func RuntimeDir(root string) string {
	return filepath.Join(root, DirRuntime)
}

// AgentsStatePath returns the agent record store file path.
func AgentsStatePath(root string) string {
	return filepath.Join(root, DirRuntime, AgentsStateFile)
}

// PidsDir returns the directory holding per-agent PID files.
func PidsDir(root string) string {
	return filepath.Join(root, DirRuntime, DirPids)
}

// CommandsDir returns the directory holding per-agent command queues.
func CommandsDir(root string) string {
	return filepath.Join(root, DirRuntime, DirCommands)
}

// EventsPath returns the event feed file path.
func EventsPath(root string) string {
	return filepath.Join(root, DirRuntime, EventsFile)
}

// RestartStatePath returns the restart tracker state file path.
func RestartStatePath(root string) string {
	return filepath.Join(root, DirRuntime, RestartStateFile)
}
