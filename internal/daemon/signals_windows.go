//go:build windows

package daemon

import (
	"os"
	"syscall"
)

func daemonSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

func isWakeSignal(os.Signal) bool {
	return false
}

// Wake is a no-op on Windows; the heartbeat picks up queued work.
func Wake(int) error {
	return nil
}
