package supervisor

import (
	"time"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/proc"
)

// watchdog guards one injected command: if the process produces no
// output before the timeout, the command is re-dispatched through a
// replacement process. Injecting into a silently wedged process is
// otherwise undetectable until some much longer outer timeout.
type watchdog struct {
	timer *time.Timer
	retry string
	opts  SendOpts
	kind  commandKind
}

// armWatchdogLocked starts the stall timer for an injected command.
// One watchdog per agent; arming replaces any prior one. The handle's
// one-shot activity callback is the cancellation path: the first line
// of output calls the stall off. Caller holds s.mu.
func (s *Supervisor) armWatchdogLocked(id string, h *proc.Handle, retry string, opts SendOpts, kind commandKind) {
	s.cancelWatchdogLocked(id)

	w := &watchdog{retry: retry, opts: opts, kind: kind}
	w.timer = time.AfterFunc(s.cfg.WatchdogTimeout(), func() { s.watchdogFired(id, w) })
	s.watchdogs[id] = w

	h.OnNextActivity(func() { s.watchdogCalmed(id, w) })
}

// cancelWatchdogLocked disarms the agent's watchdog if one is armed.
// Caller holds s.mu.
func (s *Supervisor) cancelWatchdogLocked(id string) {
	if w, ok := s.watchdogs[id]; ok {
		w.timer.Stop()
		delete(s.watchdogs, id)
	}
}

// watchdogCalmed runs when the watched process produced output. Only
// the currently armed watchdog may be cancelled; a stale callback from
// a superseded arm is ignored.
func (s *Supervisor) watchdogCalmed(id string, w *watchdog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdogs[id] == w {
		w.timer.Stop()
		delete(s.watchdogs, id)
	}
}

// watchdogFired runs when the timeout elapsed with no output. The
// presumed-stuck process is terminated and the command retried through
// a replacement, subject to the restart gates.
func (s *Supervisor) watchdogFired(id string, w *watchdog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchdogs[id] != w {
		return
	}
	delete(s.watchdogs, id)
	if s.shuttingDown {
		return
	}

	s.logger.Printf("supervisor: no output from %s within %v of inject; terminating", id, s.cfg.WatchdogTimeout())

	// The stuck process is finished either way; the gates only decide
	// whether a replacement follows.
	delete(s.procs, id)
	s.table.Terminate(id, proc.DefaultGrace)

	if !s.retryLocked(id, w, "stall") {
		s.surfaceRetryFailureLocked(id, "agent stalled and could not be respawned")
	}
}

// retryLocked re-dispatches a command through a replacement process
// after the previous one stalled or died before producing output.
// Returns false when respawning is blocked or the spawn failed.
// Caller holds s.mu; the agent must have no live process entry.
func (s *Supervisor) retryLocked(id string, w *watchdog, reason string) bool {
	if s.shuttingDown {
		return false
	}
	if s.respawnsPaused() {
		s.logger.Printf("supervisor: not respawning %s after %s: fleet-wide respawn pause active", id, reason)
		return false
	}
	if ok, why := s.tracker.ShouldRestart(id); !ok {
		s.logger.Printf("supervisor: not respawning %s after %s: %s", id, reason, why)
		return false
	}
	if _, err := s.tracker.RecordRestart(id); err != nil {
		// This restart tripped the crash loop detector; respawning a
		// flapping agent again just burns another process.
		s.logger.Printf("supervisor: %v", err)
		return false
	}

	rec, ok := s.store.Get(id)
	if !ok {
		return false
	}
	if err := s.spawnAndInjectLocked(id, rec, w.retry, rec.SessionID, w.opts); err != nil {
		s.logger.Printf("supervisor: respawn for %s after %s failed: %v", id, reason, err)
		return false
	}

	s.turnKind[id] = w.kind
	s.turnVisible[id] = visible(w.opts, w.kind)
	if s.turnVisible[id] {
		if _, err := s.store.Update(id, func(r *agent.Record) {
			r.Status = agent.StatusWorking
			r.CurrentTask = w.retry
		}); err != nil {
			s.logger.Printf("supervisor: updating %s after respawn: %v", id, err)
		}
	}
	s.logger.Printf("supervisor: respawned %s after %s, command retried", id, reason)
	return true
}

// surfaceRetryFailureLocked marks an agent failed when stall or crash
// recovery could not bring it back. Caller holds s.mu.
func (s *Supervisor) surfaceRetryFailureLocked(id, text string) {
	if _, err := s.store.Update(id, func(r *agent.Record) {
		r.Status = agent.StatusError
		r.CurrentTask = ""
		r.CurrentTool = ""
	}); err != nil {
		s.logger.Printf("supervisor: marking %s failed: %v", id, err)
	}
	s.publish(eventbus.Event{
		Kind:  eventbus.KindError,
		Type:  "respawn_failed",
		Agent: id,
		Text:  text,
	})
}
