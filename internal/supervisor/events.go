package supervisor

import (
	"time"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/proc"
	"github.com/steveyegge/tower/internal/stream"
)

// onLine receives every stdout line from every agent subprocess. Runs
// on the reader goroutine of the handle that produced the line.
func (s *Supervisor) onLine(h *proc.Handle, line []byte) {
	msg, err := stream.ParseLine(line)
	if err != nil {
		// Non-JSON chatter still counted as activity; nothing to
		// translate.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ap := s.procs[h.Agent]
	if ap == nil || ap.handle != h {
		// Line from a superseded process.
		return
	}
	s.applyOutcomeLocked(h.Agent, ap.translator.Translate(msg))
}

// applyOutcomeLocked turns a translation outcome into record updates
// and bus traffic. Caller holds s.mu.
func (s *Supervisor) applyOutcomeLocked(id string, out stream.Outcome) {
	if out.SessionID != "" {
		s.handleInitLocked(id, out.SessionID)
	}

	if out.Tool != "" && s.turnVisible[id] {
		if _, err := s.store.Update(id, func(r *agent.Record) { r.CurrentTool = out.Tool }); err != nil {
			s.logger.Printf("supervisor: recording tool for %s: %v", id, err)
		}
	}
	if out.ToolDone && s.turnVisible[id] {
		if _, err := s.store.Update(id, func(r *agent.Record) { r.CurrentTool = "" }); err != nil {
			s.logger.Printf("supervisor: clearing tool for %s: %v", id, err)
		}
	}

	if out.Stats != nil {
		s.recordUsageLocked(id, *out.Stats)
	}

	for _, ev := range out.Events {
		// Silent turns narrate nothing, but errors always surface.
		if s.turnVisible[id] || ev.Kind == eventbus.KindError {
			s.publish(ev)
		}
	}

	if out.Completed != nil {
		s.completeTurnLocked(id, out.Completed)
	}
}

// handleInitLocked processes the stream's session handshake: adopt the
// session identifier if the record has none, and treat the handshake
// as first evidence the agent is working. A resumed process reporting
// a different session than expected is logged and otherwise ignored;
// the stored identifier stays because it is known to be resumable.
// Caller holds s.mu.
func (s *Supervisor) handleInitLocked(id, sessionID string) {
	rec, ok := s.store.Get(id)
	if !ok {
		return
	}
	if rec.SessionID != "" && rec.SessionID != sessionID {
		s.logger.Printf("supervisor: %s expected session %s but reported %s; keeping the stored session",
			id, shortSession(rec.SessionID), shortSession(sessionID))
	}

	visibleTurn := s.turnVisible[id]
	if _, err := s.store.Update(id, func(r *agent.Record) {
		if r.SessionID == "" {
			r.SessionID = sessionID
		}
		if visibleTurn {
			r.Status = agent.StatusWorking
		}
	}); err != nil {
		s.logger.Printf("supervisor: recording session for %s: %v", id, err)
	}
}

// recordUsageLocked persists a stats snapshot. Caller holds s.mu.
func (s *Supervisor) recordUsageLocked(id string, u stream.Usage) {
	if u.ContextTokens() == 0 && u.CostUSD == 0 {
		return
	}
	if _, err := s.store.Update(id, func(r *agent.Record) {
		if ct := u.ContextTokens(); ct > 0 {
			r.ContextTokens = ct
		}
		if u.CostUSD > 0 {
			r.TotalCostUSD = u.CostUSD
		}
	}); err != nil {
		s.logger.Printf("supervisor: recording usage for %s: %v", id, err)
	}
}

// completeTurnLocked settles a finished turn: error turns surface
// immediately, successful turns flip to idle after a short delay so
// trailing output reaches subscribers before the agent is declared
// done. Caller holds s.mu.
func (s *Supervisor) completeTurnLocked(id string, c *stream.Completion) {
	s.cancelWatchdogLocked(id)

	finishedKind := s.turnKind[id]
	wasVisible := s.turnVisible[id]
	if finishedKind == kindProbe {
		delete(s.probePending, id)
	}

	s.recordUsageLocked(id, c.Usage)

	if c.Failed {
		if _, err := s.store.Update(id, func(r *agent.Record) {
			r.Status = agent.StatusError
			r.CurrentTask = ""
			r.CurrentTool = ""
		}); err != nil {
			s.logger.Printf("supervisor: marking %s failed: %v", id, err)
		}
		return
	}

	s.tracker.RecordSuccess(id)

	s.cancelIdleTimerLocked(id)
	var t *time.Timer
	t = time.AfterFunc(s.cfg.CompleteDelay(), func() { s.turnSettled(id, t, finishedKind, wasVisible) })
	s.idleTimers[id] = t
}

// turnSettled runs after the post-completion delay: the idle flip and
// the auto-probe decision both belong here, after subscribers have had
// the final output.
func (s *Supervisor) turnSettled(id string, t *time.Timer, finishedKind commandKind, wasVisible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idleTimers[id] != t {
		// A newer command took over before the flip.
		return
	}
	delete(s.idleTimers, id)

	if wasVisible {
		if _, err := s.store.Update(id, func(r *agent.Record) {
			if r.Status == agent.StatusWorking {
				r.Status = agent.StatusIdle
			}
			r.CurrentTask = ""
			r.CurrentTool = ""
		}); err != nil {
			s.logger.Printf("supervisor: settling %s: %v", id, err)
		}
	}

	s.maybeProbeLocked(id, finishedKind)
}

// onExit receives the death of a current (not superseded, not
// explicitly terminated) subprocess. Runs on the handle's exit-watcher
// goroutine.
func (s *Supervisor) onExit(h *proc.Handle, exitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ap := s.procs[h.Agent]
	if ap == nil || ap.handle != h {
		return
	}
	id := h.Agent
	delete(s.procs, id)

	c := ap.translator.ExitFallback(exitErr)
	if c == nil {
		// Exited between turns; nothing was in flight. The reconciler
		// trues up the record on its next pass if needed.
		s.logger.Printf("supervisor: %s process exited while idle (%v)", id, exitErr)
		return
	}

	s.logger.Printf("supervisor: %s process exited mid-turn: %s", id, c.Err)
	s.noteDeath()

	// A still-armed watchdog means the process died before producing a
	// single line for the injected command. Consume its retry now
	// instead of waiting out the timer.
	if w, ok := s.watchdogs[id]; ok {
		w.timer.Stop()
		delete(s.watchdogs, id)
		if s.retryLocked(id, w, "exit before output") {
			return
		}
	}

	s.publish(eventbus.Event{
		Kind:  eventbus.KindError,
		Type:  "error",
		Agent: id,
		Text:  c.Err,
	})
	s.completeTurnLocked(id, c)
}
