package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/util"
)

// RestartTracker tracks watchdog respawns per agent with exponential
// backoff. It persists restart history so a crash-looping agent stays
// throttled across daemon restarts.
type RestartTracker struct {
	root  string
	mu    sync.RWMutex
	state *restartState
}

type restartState struct {
	// Agents maps agent ID to restart tracking info.
	Agents map[string]*AgentRestarts `json:"agents"`
}

// AgentRestarts tracks restart information for a single agent.
type AgentRestarts struct {
	// AgentID is the fleet member this history belongs to.
	AgentID string `json:"agent_id"`

	// RestartCount is the number of consecutive restart attempts.
	RestartCount int `json:"restart_count"`

	// FirstRestart is when the current restart sequence began.
	FirstRestart time.Time `json:"first_restart"`

	// LastRestart is the most recent restart attempt time.
	LastRestart time.Time `json:"last_restart"`

	// LastSuccess is when the agent last completed a turn.
	LastSuccess time.Time `json:"last_success"`

	// CrashLoopDetected indicates this agent is in a crash loop.
	CrashLoopDetected bool `json:"crash_loop_detected"`

	// CrashLoopDetectedAt is when the crash loop was first detected.
	CrashLoopDetectedAt time.Time `json:"crash_loop_detected_at"`
}

// Backoff configuration constants.
const (
	// InitialBackoff is the starting backoff duration.
	InitialBackoff = 30 * time.Second

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff = 10 * time.Minute

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier = 2.0

	// CrashLoopThreshold is the number of restarts within the window
	// to trigger crash loop detection.
	CrashLoopThreshold = 5

	// CrashLoopWindow is the time window to detect crash loops.
	CrashLoopWindow = 15 * time.Minute

	// BackoffResetDuration is how long without crashes to reset the
	// backoff counter.
	BackoffResetDuration = 30 * time.Minute
)

// NewRestartTracker creates a RestartTracker for the fleet root.
func NewRestartTracker(root string) *RestartTracker {
	return &RestartTracker{
		root:  root,
		state: &restartState{Agents: make(map[string]*AgentRestarts)},
	}
}

// Load loads the restart state from disk.
func (rt *RestartTracker) Load() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	data, err := os.ReadFile(constants.RestartStatePath(rt.root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading restart state: %w", err)
	}

	var state restartState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshaling restart state: %w", err)
	}
	if state.Agents == nil {
		state.Agents = make(map[string]*AgentRestarts)
	}

	rt.state = &state
	return nil
}

// save persists the restart state. Callers hold rt.mu.
func (rt *RestartTracker) save() {
	path := constants.RestartStatePath(rt.root)
	if err := os.MkdirAll(constants.RuntimeDir(rt.root), 0755); err != nil {
		return
	}
	_ = util.AtomicWriteJSON(path, rt.state)
}

// RecordRestart records a restart attempt for an agent. It returns
// the backoff duration to wait before the next restart, or an error
// if the agent is in a crash loop and should not be restarted.
func (rt *RestartTracker) RecordRestart(agentID string) (time.Duration, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	info := rt.state.Agents[agentID]

	// A quiet stretch resets the sequence.
	if info != nil && now.Sub(info.LastRestart) > BackoffResetDuration {
		info.RestartCount = 0
		info.FirstRestart = now
		info.CrashLoopDetected = false
	}

	if info == nil {
		info = &AgentRestarts{
			AgentID:      agentID,
			FirstRestart: now,
		}
		rt.state.Agents[agentID] = info
	}

	info.RestartCount++
	info.LastRestart = now

	backoff := calculateBackoff(info.RestartCount)

	if detectCrashLoop(info) {
		info.CrashLoopDetected = true
		info.CrashLoopDetectedAt = now
		rt.save()
		return 0, fmt.Errorf("crash loop detected: agent %s has crashed %d times in %v",
			agentID, info.RestartCount, CrashLoopWindow)
	}

	rt.save()
	return backoff, nil
}

// RecordSuccess records a completed turn, resetting the restart
// counter.
func (rt *RestartTracker) RecordSuccess(agentID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	info := rt.state.Agents[agentID]
	if info == nil {
		info = &AgentRestarts{AgentID: agentID}
		rt.state.Agents[agentID] = info
	}

	info.LastSuccess = time.Now()
	info.RestartCount = 0
	info.CrashLoopDetected = false
	info.FirstRestart = time.Time{}

	rt.save()
}

// ShouldRestart determines whether an agent may be restarted now.
// Returns false with a reason when the agent is in a crash loop or
// its backoff has not elapsed.
func (rt *RestartTracker) ShouldRestart(agentID string) (bool, string) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	info := rt.state.Agents[agentID]
	if info == nil {
		return true, ""
	}

	if info.CrashLoopDetected && time.Since(info.CrashLoopDetectedAt) < BackoffResetDuration {
		return false, fmt.Sprintf("crash loop detected: %d restarts in %v", info.RestartCount, CrashLoopWindow)
	}

	if info.RestartCount > 0 {
		backoff := calculateBackoff(info.RestartCount)
		elapsed := time.Since(info.LastRestart)
		if elapsed < backoff {
			remaining := backoff - elapsed
			return false, fmt.Sprintf("backoff in effect: %v remaining", remaining.Round(time.Second))
		}
	}

	return true, ""
}

// IsInCrashLoop returns true while the agent's crash loop status is
// in effect.
func (rt *RestartTracker) IsInCrashLoop(agentID string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	info := rt.state.Agents[agentID]
	if info == nil {
		return false
	}
	if info.CrashLoopDetected && time.Since(info.CrashLoopDetectedAt) > BackoffResetDuration {
		return false
	}
	return info.CrashLoopDetected
}

// ClearCrashLoop clears the crash loop status for an agent. An
// operator explicitly sending work counts as manual intervention.
func (rt *RestartTracker) ClearCrashLoop(agentID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	info := rt.state.Agents[agentID]
	if info != nil {
		info.CrashLoopDetected = false
		info.RestartCount = 0
		info.FirstRestart = time.Time{}
		rt.save()
	}
}

// GetStatus returns a copy of the restart status for an agent, or nil
// when it has no history.
func (rt *RestartTracker) GetStatus(agentID string) *AgentRestarts {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if info := rt.state.Agents[agentID]; info != nil {
		copied := *info
		return &copied
	}
	return nil
}

// calculateBackoff calculates exponential backoff based on restart
// count: initial * multiplier^(count-1), capped at MaxBackoff.
func calculateBackoff(restartCount int) time.Duration {
	backoff := time.Duration(float64(InitialBackoff) * pow(BackoffMultiplier, restartCount-1))
	if backoff > MaxBackoff {
		backoff = MaxBackoff
	}
	return backoff
}

// detectCrashLoop reports whether the restart sequence crossed the
// threshold inside the crash loop window.
func detectCrashLoop(info *AgentRestarts) bool {
	if info.RestartCount < CrashLoopThreshold {
		return false
	}
	windowStart := time.Now().Add(-CrashLoopWindow)
	return !info.FirstRestart.Before(windowStart)
}

// pow returns base^exp as a float64.
func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
