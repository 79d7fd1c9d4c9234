package proc

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Handle is one live agent subprocess: its stdin for injecting
// commands, its activity clock, and a single-slot callback armed by
// whoever is waiting for the process to show signs of life.
type Handle struct {
	// Agent is the fleet member this process runs for.
	Agent string

	// SessionID is the conversation identity the process was started
	// with: freshly generated for new sessions, carried over for
	// resumes. The stream's init handshake confirms it.
	SessionID string

	// Resumed is true when the process was started with --resume.
	Resumed bool

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started time.Time

	mu           sync.Mutex
	lastActivity time.Time
	onNext       func()
	exited       bool
	exitErr      error
	stderrTail   []string

	done chan struct{}
}

// PID returns the subprocess's PID.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Started returns when the process was launched.
func (h *Handle) Started() time.Time {
	return h.started
}

// Alive reports whether the process has not yet been reaped.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// Done is closed after the process exits and its state is settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the process's exit error. Only meaningful after
// Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// LastActivity returns when the process last produced stdout output.
// Zero until the first line arrives.
func (h *Handle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// OnNextActivity arms a one-shot callback fired on the next stdout
// line. The slot holds a single callback: arming again replaces the
// previous one. Used to call off stall recovery the moment the
// process speaks.
func (h *Handle) OnNextActivity(fn func()) {
	h.mu.Lock()
	h.onNext = fn
	h.mu.Unlock()
}

// recordActivity stamps the activity clock and fires the armed
// callback, if any. Called from the stdout reader for every line.
func (h *Handle) recordActivity() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	fn := h.onNext
	h.onNext = nil
	h.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// WriteLine writes one line to the subprocess's stdin.
func (h *Handle) WriteLine(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exited {
		return fmt.Errorf("writing to %s: process has exited", h.Agent)
	}
	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to %s: %w", h.Agent, err)
	}
	return nil
}

// Inject sends a user message to the running process.
func (h *Handle) Inject(text string) error {
	line, err := EncodeUserMessage(text)
	if err != nil {
		return err
	}
	return h.WriteLine(line)
}

// Stop terminates the process: SIGTERM, then after the grace period a
// SIGKILL to the whole process group. Blocks until the process is
// reaped.
func (h *Handle) Stop(grace time.Duration) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	if pid := h.PID(); pid > 0 {
		if err := killGroup(pid, syscall.SIGKILL); err != nil {
			_ = h.cmd.Process.Kill()
		}
	}
	<-h.done
}

// markExited settles the handle's final state. Called exactly once by
// the exit watcher.
func (h *Handle) markExited(err error) {
	h.mu.Lock()
	h.exited = true
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// noteStderr keeps a short tail of stderr lines for exit diagnostics.
func (h *Handle) noteStderr(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	const tailSize = 10
	if len(h.stderrTail) >= tailSize {
		h.stderrTail = h.stderrTail[1:]
	}
	h.stderrTail = append(h.stderrTail, line)
}

// StderrTail returns the last few stderr lines the process wrote.
func (h *Handle) StderrTail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.stderrTail, "\n")
}
