// Package daemon runs the fleet's background service: the supervisor
// loop, command queue drains, status reconciliation, and startup
// recovery all live in one long-running process per fleet.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/cmdqueue"
	"github.com/steveyegge/tower/internal/config"
	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/feed"
	"github.com/steveyegge/tower/internal/supervisor"
	"github.com/steveyegge/tower/internal/util"
)

// stopGrace is how long StopDaemon waits after SIGTERM before
// escalating to SIGKILL.
const stopGrace = 2 * time.Second

// Daemon owns the supervisor and drives it from timers, signals, and
// queue watcher wakeups.
type Daemon struct {
	config   *Config
	settings *config.Config
	store    *agent.Store
	bus      *eventbus.Bus
	sup      *supervisor.Supervisor
	writer   *feed.Writer
	watcher  *queueWatcher
	logger   *log.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	lastOrphanPoll time.Time
}

// New creates a daemon for the fleet. The fleet config and agent
// records are loaded here; Run acquires the singleton lock.
func New(cfg *Config) (*Daemon, error) {
	// Ensure daemon directory exists
	daemonDir := filepath.Dir(cfg.LogFile)
	if err := os.MkdirAll(daemonDir, 0755); err != nil {
		return nil, fmt.Errorf("creating daemon directory: %w", err)
	}

	// Open log file
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := log.New(logFile, "", log.LstdFlags)

	settings, err := config.Load(cfg.FleetRoot)
	if err != nil {
		return nil, fmt.Errorf("loading fleet config: %w", err)
	}

	store := agent.NewStore(cfg.FleetRoot)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("loading agent records: %w", err)
	}

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:   cfg,
		settings: settings,
		store:    store,
		bus:      bus,
		sup:      supervisor.New(cfg.FleetRoot, settings, store, bus, logger),
		writer:   feed.NewWriter(cfg.FleetRoot, bus),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run starts the daemon main loop. It returns when the daemon shuts
// down.
func (d *Daemon) Run() error {
	d.logger.Printf("Daemon starting (PID %d)", os.Getpid())

	// Acquire exclusive lock to prevent multiple daemons from running.
	// This closes the TOCTOU race where concurrent starts all pass the
	// IsRunning() check before any writes the PID file.
	fileLock := flock.New(constants.DaemonLockPath(d.config.FleetRoot))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held by another process)")
	}
	defer func() { _ = fileLock.Unlock() }()

	// Write PID file
	if err := os.WriteFile(d.config.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() { _ = os.Remove(d.config.PidFile) }() // best-effort cleanup

	state := &State{
		Running:   true,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}
	if err := SaveState(d.config.FleetRoot, state); err != nil {
		d.logger.Printf("Warning: failed to save state: %v", err)
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, daemonSignals()...)
	defer signal.Stop(sigChan)

	if err := d.writer.Start(); err != nil {
		d.logger.Printf("Warning: failed to start feed writer: %v", err)
	} else {
		d.logger.Println("Feed writer started")
	}

	if err := d.sup.Start(); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	d.logger.Printf("Supervisor started (%d configured agent(s))", len(d.settings.Agents))

	d.watcher = newQueueWatcher(d.config.FleetRoot, d.logger.Printf)
	d.logger.Println("Queue watcher started")

	// Re-dispatch agents that were mid-task when the last daemon died.
	// Staggered, so it runs off the main loop.
	go func() {
		if n := d.sup.AutoResumeWorkingAgents(); n > 0 {
			d.logger.Printf("Auto-resume: re-dispatched %d agent(s)", n)
		}
	}()

	interval := d.config.HeartbeatInterval
	if interval <= 0 {
		interval = d.settings.ReconcileInterval()
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	d.logger.Printf("Daemon running, heartbeat interval %v", interval)

	// Initial heartbeat
	d.heartbeat(state)

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Println("Daemon context canceled, shutting down")
			return d.shutdown(state)

		case sig := <-sigChan:
			if isWakeSignal(sig) {
				// Wake signal: a CLI wants its command processed now.
				d.logger.Println("Received wake signal, processing queues immediately")
				d.drainCommandQueues()
				d.sup.SyncAllAgentStatus()
			} else {
				d.logger.Printf("Received signal %v, shutting down", sig)
				return d.shutdown(state)
			}

		case <-d.watcher.C:
			d.drainCommandQueues()

		case <-timer.C:
			d.heartbeat(state)
			timer.Reset(interval)
		}
	}
}

// heartbeat performs one recovery cycle. The queue watcher delivers
// commands promptly between heartbeats; the heartbeat is the safety
// net that also reconciles status drift and detects orphans.
func (d *Daemon) heartbeat(state *State) {
	// 1. Drain queued commands the watcher may have missed.
	d.drainCommandQueues()

	// 2. Poll persisted PID records for orphaned subprocesses.
	if time.Since(d.lastOrphanPoll) >= d.settings.OrphanPoll() {
		d.sup.PollOrphans()
		d.lastOrphanPoll = time.Now()
	}

	// 3. Reconcile recorded statuses against observed evidence.
	d.sup.SyncAllAgentStatus()

	// 4. Persist daemon state.
	state.LastHeartbeat = time.Now()
	state.HeartbeatCount++
	if err := SaveState(d.config.FleetRoot, state); err != nil {
		d.logger.Printf("Warning: failed to save state: %v", err)
	}

	if state.HeartbeatCount == 1 || state.HeartbeatCount%20 == 0 {
		d.logger.Printf("Heartbeat complete (#%d)", state.HeartbeatCount)
	}
}

// drainCommandQueues delivers every queued command to the supervisor,
// oldest first per agent.
func (d *Daemon) drainCommandQueues() {
	for _, id := range cmdqueue.Pending(d.config.FleetRoot) {
		entries, err := cmdqueue.New(d.config.FleetRoot, id).Drain()
		if err != nil {
			d.logger.Printf("Error draining queue for %s: %v", id, err)
			continue
		}
		for _, entry := range entries {
			if entry.Stop {
				if err := d.sup.StopAgent(id); err != nil {
					d.logger.Printf("Stop %s failed: %v", id, err)
				} else {
					d.logger.Printf("Stopped %s (queued stop)", id)
				}
				continue
			}
			opts := supervisor.SendOpts{
				Fresh:        entry.Fresh,
				Silent:       entry.Silent,
				SystemPrompt: entry.SystemPrompt,
			}
			if err := d.sup.Send(id, entry.Text, opts); err != nil {
				d.logger.Printf("Dispatch to %s failed: %v", id, err)
			}
		}
	}
}

// shutdown performs graceful shutdown. Running subprocesses are
// terminated but their records keep status working, so the next boot
// auto-resumes them.
func (d *Daemon) shutdown(state *State) error {
	d.logger.Println("Daemon shutting down")

	if d.watcher != nil {
		d.watcher.Stop()
		d.logger.Println("Queue watcher stopped")
	}

	d.sup.Shutdown()
	d.logger.Println("Supervisor stopped")

	d.writer.Stop()
	d.bus.Close()

	state.Running = false
	if err := SaveState(d.config.FleetRoot, state); err != nil {
		d.logger.Printf("Warning: failed to save final state: %v", err)
	}

	d.logger.Println("Daemon stopped")
	return nil
}

// Stop signals the daemon to stop.
func (d *Daemon) Stop() {
	d.cancel()
}

// IsRunning checks if a daemon is running for the given fleet.
// It checks the PID file and verifies the process is alive.
// Note: the file lock in Run() is the authoritative mechanism for
// preventing duplicate daemons. This function is for status checks and
// cleanup.
func IsRunning(root string) (bool, int, error) {
	pidFile := constants.DaemonPidPath(root)
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("reading PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		// Corrupted PID file - return error, not silent false
		return false, 0, fmt.Errorf("invalid PID in file %q: %w", pidStr, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0, nil
	}

	// On Unix, FindProcess always succeeds. Send signal 0 to check if alive.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		// Process not running, clean up stale PID file
		if err := os.Remove(pidFile); err == nil {
			return false, 0, fmt.Errorf("removed stale PID file (process %d not found)", pid)
		}
		return false, 0, nil
	}

	// Verify it's actually our daemon, not PID reuse
	if !isTowerDaemon(pid) {
		if err := os.Remove(pidFile); err == nil {
			return false, 0, fmt.Errorf("removed stale PID file (PID %d is not tower daemon)", pid)
		}
		return false, 0, nil
	}

	return true, pid, nil
}

// isTowerDaemon checks if a PID is actually a tower daemon run
// process. This prevents false positives from PID reuse. Uses ps for
// cross-platform compatibility (Linux, macOS).
func isTowerDaemon(pid int) bool {
	cmdline, err := util.ExecWithOutput("", "ps", "-p", strconv.Itoa(pid), "-o", "command=")
	if err != nil {
		return false
	}
	return strings.Contains(cmdline, "tower") && strings.Contains(cmdline, "daemon") && strings.Contains(cmdline, "run")
}

// StopDaemon stops the running daemon for the given fleet.
func StopDaemon(root string) error {
	running, pid, err := IsRunning(root)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	// SIGTERM first for graceful shutdown
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	// Wait for the loop to wind down; the supervisor has subprocesses
	// to terminate.
	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Still running, force kill
	if err := process.Signal(syscall.Signal(0)); err == nil {
		_ = process.Signal(syscall.SIGKILL)
	}

	// Clean up PID file
	_ = os.Remove(constants.DaemonPidPath(root))

	return nil
}
