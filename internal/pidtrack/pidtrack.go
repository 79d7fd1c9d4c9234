// Package pidtrack persists agent subprocess PIDs under
// <root>/.runtime/pids/ so a restarted daemon can find processes it no
// longer holds handles for. One file per agent, containing the PID.
package pidtrack

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/util"
)

func pidFile(root, agent string) string {
	return filepath.Join(constants.PidsDir(root), util.SanitizeID(agent)+".pid")
}

// Track records the PID for an agent's subprocess.
func Track(root, agent string, pid int) error {
	dir := constants.PidsDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating pids directory: %w", err)
	}
	return os.WriteFile(pidFile(root, agent), []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// Untrack removes the agent's PID record. Safe to call when none
// exists.
func Untrack(root, agent string) {
	_ = os.Remove(pidFile(root, agent))
}

// Read returns the recorded PID for an agent. The second return is
// false when there is no usable record; corrupt files are removed on
// the way out.
func Read(root, agent string) (int, bool) {
	path := pidFile(root, agent)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(path)
		return 0, false
	}
	return pid, true
}

// All returns every recorded PID keyed by agent ID.
func All(root string) map[string]int {
	entries, err := os.ReadDir(constants.PidsDir(root))
	if err != nil {
		return nil
	}

	pids := make(map[string]int)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		agent := strings.TrimSuffix(entry.Name(), ".pid")
		if pid, ok := Read(root, agent); ok {
			pids[agent] = pid
		}
	}
	return pids
}

// Alive reports whether the PID names a live process. Signal 0 checks
// existence without touching the target.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// LooksLikeClaude reports whether the process's command line names the
// given binary. PIDs get recycled, so a recorded PID being alive is
// not enough to act on it.
func LooksLikeClaude(pid int, binary string) bool {
	out, err := util.ExecWithOutput("", "ps", "-p", strconv.Itoa(pid), "-o", "command=")
	if err != nil {
		return false
	}
	if binary == "" {
		binary = "claude"
	}
	return strings.Contains(out, binary)
}

// Terminate sends SIGTERM to the process.
func Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminating process %d: %w", pid, err)
	}
	return nil
}
