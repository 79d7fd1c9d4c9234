package supervisor

import (
	"fmt"
	"time"

	"github.com/steveyegge/tower/internal/agent"
)

// AutoResumeWorkingAgents restarts work that was in flight when the
// previous supervisor stopped. Each pending agent is marked detached
// and sent a supervisor-authored continuation through the normal
// dispatch ladder, which reattaches via session resume when one
// exists. Dispatches are staggered to avoid a boot thundering herd.
//
// Failures are logged and the agent dropped from the pending set so a
// broken resume is not retried on every subsequent boot. Returns how
// many agents were resumed.
func (s *Supervisor) AutoResumeWorkingAgents() int {
	pending := s.store.PendingResume()
	if len(pending) == 0 {
		return 0
	}
	s.logger.Printf("supervisor: %d agent(s) were working at last shutdown, resuming", len(pending))

	resumed := 0
	for i, entry := range pending {
		if s.table.IsRunning(entry.ID) {
			continue
		}
		if i > 0 {
			time.Sleep(s.cfg.ResumeStagger())
		}

		if _, err := s.store.Update(entry.ID, func(r *agent.Record) {
			if r.Status == agent.StatusWorking {
				r.Status = agent.StatusDetached
			}
		}); err != nil {
			s.logger.Printf("supervisor: marking %s for resume: %v", entry.ID, err)
			continue
		}

		s.mu.Lock()
		err := s.sendLocked(entry.ID, continuationText(entry.LastTask), SendOpts{}, kindContinuation)
		s.mu.Unlock()
		if err != nil {
			s.logger.Printf("supervisor: resuming %s: %v", entry.ID, err)
			if cerr := s.store.ClearPendingResume(entry.ID); cerr != nil {
				s.logger.Printf("supervisor: clearing resume for %s: %v", entry.ID, cerr)
			}
			continue
		}
		resumed++
	}
	return resumed
}

// continuationText is the supervisor-authored message that restarts
// interrupted work, carrying the last assigned task as context.
func continuationText(lastTask string) string {
	if lastTask == "" {
		return "The supervisor restarted while you were working. Continue whatever you were doing, or summarize where things stand if you had finished."
	}
	return fmt.Sprintf("The supervisor restarted while you were working. Your last assigned task was:\n\n%s\n\nContinue where you left off, or summarize where things stand if you had finished.", lastTask)
}
