// Package proc owns the live subprocess handles for the fleet: one
// Claude CLI process per working agent, spawned in stream-json mode so
// commands go in over stdin and events come back over stdout.
//
// The table enforces the one-process-per-agent rule. Spawning for an
// agent that already has a live handle supersedes it: the old process
// is terminated before the replacement starts, and its exit is
// reported to nobody.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/pidtrack"
)

// DefaultGrace is how long a terminated process gets to shut down
// before the whole group is killed.
const DefaultGrace = 5 * time.Second

// SpawnOpts describes one subprocess launch.
type SpawnOpts struct {
	Agent          string
	Cwd            string
	Binary         string
	Model          string
	PermissionMode string
	SystemPrompt   string

	// ResumeSession resumes an existing conversation. Empty means
	// start a fresh session under a newly generated ID.
	ResumeSession string

	// OnLine is called from the reader goroutine for every stdout
	// line the process emits. The buffer is reused between calls;
	// copy it before retaining.
	OnLine func(h *Handle, line []byte)

	// OnExit is called once when the process dies while still being
	// the agent's current handle. Superseded and explicitly
	// terminated processes exit silently.
	OnExit func(h *Handle, err error)
}

// Table tracks the current handle for each agent.
type Table struct {
	root string

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewTable returns an empty handle table for a fleet root.
func NewTable(root string) *Table {
	return &Table{root: root, handles: make(map[string]*Handle)}
}

// Spawn launches a subprocess for the agent, superseding any live
// handle it already has.
func (t *Table) Spawn(opts SpawnOpts) (*Handle, error) {
	if opts.Agent == "" {
		return nil, fmt.Errorf("spawn: agent id required")
	}
	binary := opts.Binary
	if binary == "" {
		binary = "claude"
	}

	sessionID := opts.ResumeSession
	resumed := sessionID != ""
	if !resumed {
		sessionID = uuid.NewString()
	}

	cmd := exec.Command(binary, buildArgs(opts, sessionID, resumed)...)
	cmd.Dir = opts.Cwd
	cmd.SysProcAttr = claudeSysProcAttr()
	cmd.Env = buildEnv(t.root, opts.Agent)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", opts.Agent, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", opts.Agent, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", opts.Agent, err)
	}

	// One live process per agent: retire the old one first.
	t.Terminate(opts.Agent, DefaultGrace)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s for %s: %w", binary, opts.Agent, err)
	}

	h := &Handle{
		Agent:     opts.Agent,
		SessionID: sessionID,
		Resumed:   resumed,
		cmd:       cmd,
		stdin:     stdin,
		started:   time.Now(),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	t.handles[opts.Agent] = h
	t.mu.Unlock()

	// Best-effort: the PID record is recovery metadata, not the kill
	// path.
	_ = pidtrack.Track(t.root, opts.Agent, h.PID())

	go readStdout(h, stdout, opts.OnLine)
	go readStderr(h, stderr)
	go t.watchExit(h, opts.OnExit)

	return h, nil
}

// Get returns the agent's current handle, or nil.
func (t *Table) Get(agent string) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[agent]
}

// IsRunning reports whether the agent has a live subprocess.
func (t *Table) IsRunning(agent string) bool {
	h := t.Get(agent)
	return h != nil && h.Alive()
}

// Agents returns the IDs with current handles, sorted.
func (t *Table) Agents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.handles))
	for id := range t.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Terminate stops the agent's subprocess if it has one. Returns true
// when there was a process to stop. The exit is silent: OnExit does
// not fire for explicitly terminated handles.
func (t *Table) Terminate(agent string, grace time.Duration) bool {
	t.mu.Lock()
	h := t.handles[agent]
	if h != nil {
		delete(t.handles, agent)
	}
	t.mu.Unlock()

	if h == nil {
		return false
	}

	h.Stop(grace)
	pidtrack.Untrack(t.root, agent)
	return true
}

// TerminateAll stops every tracked subprocess and returns how many
// were stopped.
func (t *Table) TerminateAll(grace time.Duration) int {
	stopped := 0
	for _, agent := range t.Agents() {
		if t.Terminate(agent, grace) {
			stopped++
		}
	}
	return stopped
}

// removeIfCurrent drops the handle from the table if it is still the
// agent's registered one. Returns false for superseded handles.
func (t *Table) removeIfCurrent(h *Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handles[h.Agent] != h {
		return false
	}
	delete(t.handles, h.Agent)
	return true
}

// watchExit reaps the process and reports its death, unless the
// handle was already retired by Terminate or a superseding Spawn.
func (t *Table) watchExit(h *Handle, onExit func(*Handle, error)) {
	err := h.cmd.Wait()
	if err != nil {
		if tail := h.StderrTail(); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
	}
	h.markExited(err)

	if !t.removeIfCurrent(h) {
		return
	}
	pidtrack.Untrack(t.root, h.Agent)
	if onExit != nil {
		onExit(h, err)
	}
}

// readStdout delivers stdout lines to the caller. Every line counts
// as activity, whether or not it parses.
func readStdout(h *Handle, r io.Reader, onLine func(*Handle, []byte)) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	for scanner.Scan() {
		h.recordActivity()
		if onLine != nil {
			onLine(h, scanner.Bytes())
		}
	}
}

// readStderr keeps a short diagnostic tail. The CLI logs progress
// chatter here in verbose mode, so stderr output alone is not an
// error signal.
func readStderr(h *Handle, r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			h.noteStderr(line)
		}
	}
}

// buildArgs assembles the CLI invocation: print mode with stream-json
// on both directions, so the process stays alive for injected turns.
func buildArgs(opts SpawnOpts, sessionID string, resumed bool) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if resumed {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	return args
}

// agentEnv returns the fleet variables stamped onto every subprocess.
func agentEnv(root, agent string) map[string]string {
	return map[string]string{
		constants.EnvFleetRoot: root,
		constants.EnvAgentID:   agent,
	}
}

// buildEnv flattens agentEnv on top of the daemon's own environment.
func buildEnv(root, agent string) []string {
	env := os.Environ()
	for k, v := range agentEnv(root, agent) {
		env = append(env, k+"="+v)
	}
	return env
}
