//go:build !windows

package daemon

import (
	"os"

	"golang.org/x/sys/unix"
)

// daemonSignals are the signals the daemon listens for. SIGUSR1 is the
// wake signal: drain command queues and reconcile now rather than
// waiting for the next heartbeat.
func daemonSignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGUSR1}
}

// isWakeSignal reports whether sig asks for immediate processing
// instead of shutdown.
func isWakeSignal(sig os.Signal) bool {
	return sig == unix.SIGUSR1
}

// Wake nudges a running daemon to process queues immediately.
// Best-effort: the heartbeat catches anything a lost signal misses.
func Wake(pid int) error {
	return unix.Kill(pid, unix.SIGUSR1)
}
