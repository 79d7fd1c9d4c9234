package daemon

import (
	"time"

	"github.com/steveyegge/tower/internal/constants"
)

// Config holds the daemon's file locations and loop timing. Fleet
// behavior (agent definitions, supervisor knobs) comes from tower.toml;
// this is only the plumbing around the process itself.
type Config struct {
	// FleetRoot is the fleet directory the daemon serves.
	FleetRoot string

	// PidFile records the daemon's PID for status checks and stop.
	PidFile string

	// LogFile receives the daemon's log output.
	LogFile string

	// HeartbeatInterval spaces the recovery heartbeats. Zero means use
	// the fleet's reconcile interval.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard daemon config for a fleet root.
func DefaultConfig(fleetRoot string) *Config {
	return &Config{
		FleetRoot: fleetRoot,
		PidFile:   constants.DaemonPidPath(fleetRoot),
		LogFile:   constants.DaemonLogPath(fleetRoot),
	}
}
