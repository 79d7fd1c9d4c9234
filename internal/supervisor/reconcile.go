package supervisor

import (
	"fmt"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/pidtrack"
)

// SyncAgentStatus reconciles one agent's recorded status against the
// available truth sources. A tracked live process always wins and ends
// the check; the session transcript and the persisted PID record are
// only consulted for agents the supervisor holds no handle for.
//
// Corrections:
//   - working with no evidence of life -> idle (the process is gone)
//   - working with evidence but no handle -> detached
//   - error with no evidence -> idle
//   - idle with recent transcript activity and a live orphan -> detached
//   - detached with no evidence -> idle
func (s *Supervisor) SyncAgentStatus(id string) error {
	rec, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}

	if s.table.IsRunning(id) {
		return nil
	}

	act := s.oracle.Check(rec.Cwd, rec.SessionID)

	s.mu.Lock()
	orphan := s.orphanAlive[id]
	s.mu.Unlock()

	evidence := act.Active || orphan

	var target agent.Status
	switch rec.Status {
	case agent.StatusWorking:
		if evidence {
			target = agent.StatusDetached
		} else {
			target = agent.StatusIdle
		}
	case agent.StatusError:
		if !evidence {
			target = agent.StatusIdle
		}
	case agent.StatusIdle:
		// Both signals are required to call an untracked agent busy;
		// either alone is too easy to false-positive on.
		if act.Active && orphan {
			target = agent.StatusDetached
		}
	case agent.StatusDetached:
		if !evidence {
			target = agent.StatusIdle
		}
	}

	if target == "" || target == rec.Status {
		return nil
	}
	if s.table.IsRunning(id) {
		// A dispatch spawned a process while we were looking at disk.
		return nil
	}

	prev := rec.Status
	_, err := s.store.Update(id, func(r *agent.Record) {
		if r.Status != prev {
			// Changed under us; keep the newer truth.
			return
		}
		r.Status = target
		if target == agent.StatusIdle {
			r.CurrentTask = ""
			r.CurrentTool = ""
		}
	})
	if err != nil {
		return err
	}
	s.logger.Printf("supervisor: corrected %s status %s -> %s (transcript active=%v, orphan=%v)",
		id, prev, target, act.Active, orphan)
	return nil
}

// SyncAllAgentStatus reconciles every known agent. Individual failures
// are logged, not fatal.
func (s *Supervisor) SyncAllAgentStatus() {
	for _, rec := range s.store.All() {
		if err := s.SyncAgentStatus(rec.ID); err != nil {
			s.logger.Printf("supervisor: reconciling %s: %v", rec.ID, err)
		}
	}
}

// PollOrphans refreshes the cached liveness of persisted PID records.
// Reconciliation reads the cache instead of probing the process table
// inline, so the signal-0 and ps traffic happens on this poll's
// cadence, not per reconcile per agent.
//
// Only untracked agents matter here: a tracked agent's liveness comes
// from its handle, and its PID record belongs to that process. Stale
// records for untracked agents are removed as a side effect.
func (s *Supervisor) PollOrphans() {
	binary := s.cfg.ClaudeBinary()
	pids := pidtrack.All(s.root)

	alive := make(map[string]bool, len(pids))
	for id, pid := range pids {
		if s.table.Get(id) != nil {
			continue
		}
		if pidtrack.Alive(pid) && pidtrack.LooksLikeClaude(pid, binary) {
			alive[id] = true
		} else {
			pidtrack.Untrack(s.root, id)
		}
	}

	s.mu.Lock()
	s.orphanAlive = alive
	s.mu.Unlock()
}
