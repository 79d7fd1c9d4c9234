// Package supervisor is the control core of the fleet: it owns the
// subprocess handle table, dispatches commands, translates subprocess
// output into bus events, recovers stalled or orphaned agents, and
// keeps the persisted agent records truthful.
//
// All supervisor state lives behind one mutex and is mutated only
// through Supervisor methods. Subprocess reader goroutines, timers,
// and the daemon's tickers all funnel through here, so there is a
// single owner for every map and flag.
package supervisor

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/config"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/oracle"
	"github.com/steveyegge/tower/internal/proc"
	"github.com/steveyegge/tower/internal/stream"
)

// massDeathWindow and massDeathThreshold define the fleet-wide outage
// heuristic: this many unexpected subprocess deaths inside the window
// means something systemic (API outage, credential expiry) rather
// than per-agent crashes, and respawns pause for the window.
const (
	massDeathWindow    = 30 * time.Second
	massDeathThreshold = 3
)

// agentProc pairs a live handle with the translator consuming its
// stream. Lines and exits from any other handle for the same agent
// are stale and get dropped.
type agentProc struct {
	handle     *proc.Handle
	translator *stream.Translator
}

// Supervisor coordinates the agent fleet.
type Supervisor struct {
	root    string
	cfg     *config.Config
	store   *agent.Store
	table   *proc.Table
	bus     *eventbus.Bus
	oracle  *oracle.Oracle
	tracker *RestartTracker
	logger  *log.Logger

	mu             sync.Mutex
	procs          map[string]*agentProc
	watchdogs      map[string]*watchdog
	idleTimers     map[string]*time.Timer
	probePending   map[string]bool
	turnKind       map[string]commandKind
	turnVisible    map[string]bool
	orphanAlive    map[string]bool
	recentDeaths   []time.Time
	massDeathUntil time.Time
	shuttingDown   bool
}

// New creates a supervisor. The store must already be loaded; logger
// may be nil for quiet operation.
func New(root string, cfg *config.Config, store *agent.Store, bus *eventbus.Bus, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Supervisor{
		root:    root,
		cfg:     cfg,
		store:   store,
		table:   proc.NewTable(root),
		bus:     bus,
		oracle:  oracle.New(cfg.ActivityThreshold()),
		tracker: NewRestartTracker(root),
		logger:  logger,

		procs:        make(map[string]*agentProc),
		watchdogs:    make(map[string]*watchdog),
		idleTimers:   make(map[string]*time.Timer),
		probePending: make(map[string]bool),
		turnKind:     make(map[string]commandKind),
		turnVisible:  make(map[string]bool),
		orphanAlive:  make(map[string]bool),
	}
}

// Start loads restart history and makes sure every configured agent
// has a record.
func (s *Supervisor) Start() error {
	if err := s.tracker.Load(); err != nil {
		s.logger.Printf("supervisor: restart history unavailable: %v", err)
	}
	for id := range s.cfg.Agents {
		if err := s.EnsureAgent(id); err != nil {
			return fmt.Errorf("registering agent %s: %w", id, err)
		}
	}
	return nil
}

// Shutdown stops all subprocesses and timers. Agent records keep
// their status, so agents that were mid-task resume on the next boot.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	for id, w := range s.watchdogs {
		w.timer.Stop()
		delete(s.watchdogs, id)
	}
	for id, timer := range s.idleTimers {
		timer.Stop()
		delete(s.idleTimers, id)
	}
	s.procs = make(map[string]*agentProc)
	s.mu.Unlock()

	stopped := s.table.TerminateAll(proc.DefaultGrace)
	if stopped > 0 {
		s.logger.Printf("supervisor: terminated %d subprocess(es) on shutdown", stopped)
	}
}

// EnsureAgent creates the agent's record from config if it does not
// exist yet.
func (s *Supervisor) EnsureAgent(id string) error {
	_, err := s.store.Ensure(id, s.cfg.AgentCwd(s.root, id), s.cfg.AgentModel(id), s.cfg.AgentSystemPrompt(id))
	return err
}

// IsAgentRunning reports whether the agent has a live subprocess.
func (s *Supervisor) IsAgentRunning(id string) bool {
	return s.table.IsRunning(id)
}

// Events subscribes to the supervisor's event stream. The returned
// function unsubscribes.
func (s *Supervisor) Events(kinds ...eventbus.Kind) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(kinds...)
}

// publish stamps and publishes an event. Safe to call with s.mu held;
// the bus never blocks.
func (s *Supervisor) publish(ev eventbus.Event) {
	s.bus.Publish(ev)
}

// noteDeath records an unexpected subprocess death and flips the
// mass-death switch when too many land in the window. Callers hold
// s.mu.
func (s *Supervisor) noteDeath() {
	now := time.Now()
	cutoff := now.Add(-massDeathWindow)

	fresh := s.recentDeaths[:0]
	for _, t := range s.recentDeaths {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	s.recentDeaths = append(fresh, now)

	if len(s.recentDeaths) >= massDeathThreshold && now.After(s.massDeathUntil) {
		s.massDeathUntil = now.Add(massDeathWindow)
		s.logger.Printf("supervisor: %d subprocess deaths in %v - pausing respawns until %s",
			len(s.recentDeaths), massDeathWindow, s.massDeathUntil.Format(time.TimeOnly))
		s.publish(eventbus.Event{
			Kind: eventbus.KindEvent,
			Type: "mass_death",
			Text: fmt.Sprintf("%d agent processes died within %v; pausing automatic respawns", len(s.recentDeaths), massDeathWindow),
		})
	}
}

// respawnsPaused reports whether the mass-death window is in effect.
// Callers hold s.mu.
func (s *Supervisor) respawnsPaused() bool {
	return time.Now().Before(s.massDeathUntil)
}
