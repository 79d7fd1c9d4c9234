package supervisor

import (
	"fmt"
	"time"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/proc"
	"github.com/steveyegge/tower/internal/stream"
)

// commandKind classifies who authored a command. Only operator
// commands count toward task bookkeeping; probes and continuations
// are supervisor-authored housekeeping.
type commandKind int

const (
	kindUser commandKind = iota
	kindProbe
	kindContinuation
)

// probeText is the supervisor-authored refresh command. Completion of
// a probe turn updates the session transcript and stats without the
// agent being handed new work.
const probeText = "What is your current status? Reply in one short sentence."

// SendOpts controls a single dispatch.
type SendOpts struct {
	// Fresh abandons the resumable session and forces a brand new
	// conversation.
	Fresh bool

	// Silent suppresses user-visible status changes and events. Task
	// bookkeeping still happens; silence affects visibility, not state.
	Silent bool

	// SystemPrompt overrides the record's system prompt when a fresh
	// process is spawned. Ignored on inject and resume.
	SystemPrompt string
}

// Send dispatches an operator command to an agent: into the running
// process when there is one, via session resume when there is not,
// fresh as the last resort.
func (s *Supervisor) Send(id, text string, opts SendOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(id, text, opts, kindUser)
}

// SendSilent dispatches housekeeping text with no user-visible side
// effects.
func (s *Supervisor) SendSilent(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(id, text, SendOpts{Silent: true}, kindUser)
}

// StopAgent terminates the agent's subprocess and corrects its record
// to idle immediately rather than leaving the fix to the reconciler.
func (s *Supervisor) StopAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelWatchdogLocked(id)
	s.cancelIdleTimerLocked(id)
	delete(s.procs, id)
	delete(s.probePending, id)
	stopped := s.table.Terminate(id, proc.DefaultGrace)

	_, err := s.store.Update(id, func(r *agent.Record) {
		r.Status = agent.StatusIdle
		r.CurrentTask = ""
		r.CurrentTool = ""
	})
	if err != nil {
		return err
	}
	if stopped {
		s.publish(eventbus.Event{
			Kind:  eventbus.KindEvent,
			Type:  "stopped",
			Agent: id,
			Text:  "agent process stopped",
		})
	}
	return nil
}

// sendLocked runs the dispatch ladder. Caller holds s.mu.
func (s *Supervisor) sendLocked(id, text string, opts SendOpts, kind commandKind) error {
	rec, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}

	// An operator reaching for a crash-looping agent is the manual
	// intervention the loop detector waits for.
	if kind == kindUser && s.tracker.IsInCrashLoop(id) {
		s.logger.Printf("supervisor: clearing crash loop for %s on operator command", id)
		s.tracker.ClearCrashLoop(id)
	}

	// A new command supersedes the previous turn's pending idle flip.
	s.cancelIdleTimerLocked(id)

	if opts.Fresh && rec.SessionID != "" {
		// Abandon the conversation before spawning so nothing resumes
		// it later.
		updated, err := s.store.Update(id, func(r *agent.Record) { r.SessionID = "" })
		if err != nil {
			return err
		}
		rec = updated
	}

	// First choice: inject into the live process.
	if !opts.Fresh {
		if ap := s.procs[id]; ap != nil && ap.handle.Alive() {
			ap.translator.BeginTurn()
			if err := ap.handle.Inject(text); err == nil {
				s.recordDispatchLocked(id, text, opts, kind)
				s.armWatchdogLocked(id, ap.handle, text, opts, kind)
				return nil
			}
			// The stdin write failed, so the process is dead or dying.
			// Recover inside this same call by spawning a replacement;
			// the caller never sees the failed write.
			s.logger.Printf("supervisor: inject into %s failed, spawning replacement", id)
		}
	}

	resume := ""
	if !opts.Fresh {
		resume = rec.SessionID
	}

	// Reattaching to a detached session is slow enough to announce
	// before the resume starts.
	if resume != "" && rec.Status == agent.StatusDetached && visible(opts, kind) {
		s.publish(eventbus.Event{
			Kind:  eventbus.KindEvent,
			Type:  "reattaching",
			Agent: id,
			Text:  fmt.Sprintf("reattaching to session %s", shortSession(resume)),
		})
	}

	if err := s.spawnAndInjectLocked(id, rec, text, resume, opts); err != nil {
		s.markSpawnFailedLocked(id, err)
		return err
	}
	s.recordDispatchLocked(id, text, opts, kind)
	return nil
}

// spawnAndInjectLocked starts a subprocess for the agent and delivers
// the first command to it. Caller holds s.mu.
func (s *Supervisor) spawnAndInjectLocked(id string, rec agent.Record, text, resume string, opts SendOpts) error {
	systemPrompt := rec.SystemPrompt
	if opts.SystemPrompt != "" {
		systemPrompt = opts.SystemPrompt
	}

	h, err := s.table.Spawn(proc.SpawnOpts{
		Agent:          id,
		Cwd:            rec.Cwd,
		Binary:         s.cfg.ClaudeBinary(),
		Model:          rec.Model,
		PermissionMode: s.cfg.Claude.PermissionMode,
		SystemPrompt:   systemPrompt,
		ResumeSession:  resume,
		OnLine:         s.onLine,
		OnExit:         s.onExit,
	})
	if err != nil {
		return err
	}

	tr := stream.NewTranslator(id)
	tr.BeginTurn()
	s.procs[id] = &agentProc{handle: h, translator: tr}

	if err := h.Inject(text); err != nil {
		// Dead on arrival. Treat like a spawn failure.
		delete(s.procs, id)
		s.table.Terminate(id, proc.DefaultGrace)
		return fmt.Errorf("delivering command to %s: %w", id, err)
	}
	return nil
}

// recordDispatchLocked applies the per-kind bookkeeping for an
// accepted command. Caller holds s.mu.
func (s *Supervisor) recordDispatchLocked(id, text string, opts SendOpts, kind commandKind) {
	s.turnKind[id] = kind
	s.turnVisible[id] = visible(opts, kind)
	if kind == kindProbe {
		s.probePending[id] = true
		return
	}
	// A newer command takes over the stream; any outstanding probe's
	// completion will be attributed to this turn, so its pending mark
	// must not linger and suppress future probes.
	delete(s.probePending, id)

	_, err := s.store.Update(id, func(r *agent.Record) {
		switch kind {
		case kindUser:
			r.TaskCount++
			r.LastAssignedTask = text
			r.LastAssignedTaskTime = time.Now()
			if !opts.Silent {
				r.Status = agent.StatusWorking
				r.CurrentTask = text
			}
		case kindContinuation:
			r.Status = agent.StatusWorking
			r.CurrentTask = text
		}
	})
	if err != nil {
		s.logger.Printf("supervisor: recording dispatch for %s: %v", id, err)
	}

	if kind == kindUser && !opts.Silent {
		s.publish(eventbus.Event{
			Kind:  eventbus.KindEvent,
			Type:  "task_assigned",
			Agent: id,
			Text:  text,
		})
	}
}

// markSpawnFailedLocked surfaces a spawn failure: status goes to error
// and subscribers hear about it. Caller holds s.mu.
func (s *Supervisor) markSpawnFailedLocked(id string, spawnErr error) {
	s.logger.Printf("supervisor: spawn for %s failed: %v", id, spawnErr)
	// A failed spawn may have superseded the previous process on its
	// way down; drop the proc entry if the table no longer backs it.
	if ap := s.procs[id]; ap != nil && s.table.Get(id) != ap.handle {
		delete(s.procs, id)
	}
	if _, err := s.store.Update(id, func(r *agent.Record) {
		r.Status = agent.StatusError
		r.CurrentTask = ""
		r.CurrentTool = ""
	}); err != nil {
		s.logger.Printf("supervisor: marking %s failed: %v", id, err)
	}
	s.publish(eventbus.Event{
		Kind:  eventbus.KindError,
		Type:  "spawn_failed",
		Agent: id,
		Text:  spawnErr.Error(),
	})
}

// maybeProbeLocked issues the post-turn status probe unless the turn
// that just finished was itself a probe or one is already outstanding.
// The pending set is what stops probes from chaining forever. Caller
// holds s.mu.
func (s *Supervisor) maybeProbeLocked(id string, finishedKind commandKind) {
	if finishedKind == kindProbe || s.probePending[id] {
		return
	}
	ap := s.procs[id]
	if ap == nil || !ap.handle.Alive() {
		// No live process to refresh; a probe would spawn one for no
		// operator benefit.
		return
	}
	if err := s.sendLocked(id, probeText, SendOpts{Silent: true}, kindProbe); err != nil {
		s.logger.Printf("supervisor: status probe for %s failed: %v", id, err)
	}
}

// cancelIdleTimerLocked stops a scheduled idle flip. Caller holds s.mu.
func (s *Supervisor) cancelIdleTimerLocked(id string) {
	if t, ok := s.idleTimers[id]; ok {
		t.Stop()
		delete(s.idleTimers, id)
	}
}

// visible reports whether a dispatch should produce user-facing side
// effects.
func visible(opts SendOpts, kind commandKind) bool {
	return !opts.Silent && kind != kindProbe
}

// shortSession abbreviates a session UUID for event text.
func shortSession(sessionID string) string {
	if len(sessionID) <= 8 {
		return sessionID
	}
	return sessionID[:8]
}
