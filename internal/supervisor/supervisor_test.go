package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/config"
	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/pidtrack"
)

// responderBody is the stand-in agent CLI for supervisor tests. It
// performs the init handshake with whatever session the flags carry,
// logs every injected line to <root>/<agent>.recv, and answers each
// with an assistant message and a success result. Two magic command
// substrings change its behavior: "die-now" exits silently, and
// "stall-now" hangs without output once (a marker file makes the next
// instance answer normally).
const responderBody = `sid=""
prev=""
for a in "$@"; do
  case "$prev" in
  --session-id|--resume) sid="$a" ;;
  esac
  prev="$a"
done
printf '{"type":"system","subtype":"init","session_id":"%s"}\n' "$sid"
while IFS= read -r line; do
  printf '%s\n' "$line" >>"$TOWER_ROOT/$TOWER_AGENT.recv"
  case "$line" in
  *die-now*) exit 7 ;;
  *stall-now*)
    if [ ! -f "$TOWER_ROOT/stalled" ]; then
      : >"$TOWER_ROOT/stalled"
      sleep 30
      exit 0
    fi
    ;;
  esac
  printf '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ack"}],"usage":{"input_tokens":900,"output_tokens":40}}}\n'
  sleep 0.2
  printf '{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.0125,"usage":{"input_tokens":1000,"output_tokens":60}}\n'
done`

// failingBody answers every command with an error result.
const failingBody = `printf '{"type":"system","subtype":"init","session_id":"fail-session"}\n'
while IFS= read -r line; do
  printf '%s\n' "$line" >>"$TOWER_ROOT/$TOWER_AGENT.recv"
  printf '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"trying"}]}}\n'
  sleep 0.1
  printf '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom","total_cost_usd":0.002}\n'
done`

// slowBody takes long enough per command that tests can observe the
// working state and interrupt mid-turn.
const slowBody = `printf '{"type":"system","subtype":"init","session_id":"slow-session"}\n'
while IFS= read -r line; do
  printf '%s\n' "$line" >>"$TOWER_ROOT/$TOWER_AGENT.recv"
  sleep 5
  printf '{"type":"result","subtype":"success","is_error":false,"result":"finally"}\n'
done`

// lyingBody reports a hardcoded session regardless of what it was
// started with.
const lyingBody = `printf '{"type":"system","subtype":"init","session_id":"lying-session"}\n'
while IFS= read -r line; do
  printf '{"type":"result","subtype":"success","is_error":false,"result":"ok"}\n'
done`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSupervisor(t *testing.T, script string) *Supervisor {
	t.Helper()
	root := t.TempDir()
	t.Setenv(constants.EnvClaudeBinary, script)

	cfg := config.DefaultConfig()
	cfg.Claude.Binary = script
	cfg.Supervisor.CompleteDelayMillis = 40
	cfg.Supervisor.ResumeStaggerMillis = 1
	cfg.Supervisor.WatchdogTimeoutSeconds = 1

	store := agent.NewStore(root)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	sup := New(root, cfg, store, eventbus.New(), nil)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sup.Shutdown)
	return sup
}

func registerAgent(t *testing.T, sup *Supervisor, id string) {
	t.Helper()
	cwd := filepath.Join(sup.root, id)
	if err := os.MkdirAll(cwd, 0755); err != nil {
		t.Fatal(err)
	}
	sup.cfg.Agents[id] = config.AgentConfig{Cwd: cwd}
	if err := sup.EnsureAgent(id); err != nil {
		t.Fatal(err)
	}
}

func mustGet(t *testing.T, sup *Supervisor, id string) agent.Record {
	t.Helper()
	rec, ok := sup.store.Get(id)
	if !ok {
		t.Fatalf("agent %s has no record", id)
	}
	return rec
}

// recvLines returns the commands the fake CLI has received for an
// agent, across process restarts.
func recvLines(sup *Supervisor, id string) []string {
	data, err := os.ReadFile(filepath.Join(sup.root, id+".recv"))
	if err != nil {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func countMatching(lines []string, substr string) int {
	n := 0
	for _, l := range lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func drainEvents(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []eventbus.Event, kind eventbus.Kind, typ string) bool {
	for _, ev := range events {
		if ev.Kind == kind && (typ == "" || ev.Type == typ) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle waits long enough for any pending idle flips and auto-probes
// to have happened.
func settle() {
	time.Sleep(400 * time.Millisecond)
}

func TestSendRunsTurnAndSettlesIdle(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")
	events, unsub := sup.Events()
	defer unsub()

	if err := sup.Send("alpha", "paint the fence", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	rec := mustGet(t, sup, "alpha")
	if rec.TaskCount != 1 {
		t.Errorf("TaskCount = %d, want 1", rec.TaskCount)
	}
	if rec.LastAssignedTask != "paint the fence" {
		t.Errorf("LastAssignedTask = %q", rec.LastAssignedTask)
	}

	waitFor(t, "turn to settle idle", func() bool {
		return mustGet(t, sup, "alpha").Status == agent.StatusIdle && len(recvLines(sup, "alpha")) == 2
	})
	settle()

	rec = mustGet(t, sup, "alpha")
	if rec.CurrentTask != "" || rec.CurrentTool != "" {
		t.Errorf("transient fields not cleared: task=%q tool=%q", rec.CurrentTask, rec.CurrentTool)
	}
	if rec.SessionID == "" {
		t.Error("session never adopted from init handshake")
	}
	if rec.ContextTokens != 1060 {
		t.Errorf("ContextTokens = %d, want 1060", rec.ContextTokens)
	}
	if rec.TotalCostUSD != 0.0125 {
		t.Errorf("TotalCostUSD = %v, want 0.0125", rec.TotalCostUSD)
	}
	if rec.TaskCount != 1 {
		t.Errorf("TaskCount after probe = %d, want 1 (probes are not tasks)", rec.TaskCount)
	}

	// Exactly one auto-probe follows the turn, and the probe's own
	// completion must not chain another.
	lines := recvLines(sup, "alpha")
	if len(lines) != 2 {
		t.Fatalf("agent received %d commands, want 2 (task + one probe): %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "paint the fence") {
		t.Errorf("first command = %q", lines[0])
	}
	if !strings.Contains(lines[1], "current status") {
		t.Errorf("second command should be the status probe, got %q", lines[1])
	}

	got := drainEvents(events)
	for _, want := range []struct {
		kind eventbus.Kind
		typ  string
	}{
		{eventbus.KindEvent, "task_assigned"},
		{eventbus.KindEvent, "init"},
		{eventbus.KindOutput, ""},
		{eventbus.KindComplete, "step_complete"},
	} {
		if !hasEvent(got, want.kind, want.typ) {
			t.Errorf("missing %s/%s event", want.kind, want.typ)
		}
	}
}

func TestSendSilentSkipsVisibleSideEffects(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")
	events, unsub := sup.Events()
	defer unsub()

	if err := sup.SendSilent("alpha", "tidy the workshop"); err != nil {
		t.Fatalf("send silent: %v", err)
	}

	rec := mustGet(t, sup, "alpha")
	if rec.Status != agent.StatusIdle {
		t.Errorf("silent send flipped status to %s", rec.Status)
	}
	if rec.CurrentTask != "" {
		t.Errorf("silent send set CurrentTask = %q", rec.CurrentTask)
	}
	if rec.TaskCount != 1 {
		t.Errorf("TaskCount = %d, want 1 (silence affects visibility, not bookkeeping)", rec.TaskCount)
	}
	if rec.LastAssignedTask != "tidy the workshop" {
		t.Errorf("LastAssignedTask = %q", rec.LastAssignedTask)
	}

	waitFor(t, "silent turn to finish", func() bool {
		return len(recvLines(sup, "alpha")) >= 2
	})
	settle()

	if got := drainEvents(events); len(got) != 0 {
		t.Errorf("silent turn published %d events: %+v", len(got), got)
	}
	if rec := mustGet(t, sup, "alpha"); rec.Status != agent.StatusIdle {
		t.Errorf("status after silent turn = %s, want idle", rec.Status)
	}
}

func TestSecondSendInjectsIntoRunningProcess(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")

	if err := sup.Send("alpha", "first job", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "first turn and probe", func() bool {
		return len(recvLines(sup, "alpha")) == 2 && mustGet(t, sup, "alpha").Status == agent.StatusIdle
	})
	h1 := sup.table.Get("alpha")
	if h1 == nil {
		t.Fatal("no live handle after first turn")
	}

	if err := sup.Send("alpha", "second job", SendOpts{}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	waitFor(t, "second turn and probe", func() bool {
		return len(recvLines(sup, "alpha")) == 4 && mustGet(t, sup, "alpha").Status == agent.StatusIdle
	})

	if h2 := sup.table.Get("alpha"); h2 != h1 {
		t.Error("second send spawned a new process instead of injecting")
	}
	if rec := mustGet(t, sup, "alpha"); rec.TaskCount != 2 {
		t.Errorf("TaskCount = %d, want 2", rec.TaskCount)
	}
}

func TestFreshAbandonsSession(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")

	if err := sup.Send("alpha", "first job", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "first session", func() bool {
		return mustGet(t, sup, "alpha").SessionID != ""
	})
	first := mustGet(t, sup, "alpha").SessionID
	h1 := sup.table.Get("alpha")

	if err := sup.Send("alpha", "start over", SendOpts{Fresh: true}); err != nil {
		t.Fatalf("fresh send: %v", err)
	}
	waitFor(t, "new session", func() bool {
		rec := mustGet(t, sup, "alpha")
		return rec.SessionID != "" && rec.SessionID != first
	})
	if h2 := sup.table.Get("alpha"); h2 == h1 {
		t.Error("fresh send reused the old process")
	}
}

func TestErrorResultMarksAgentFailed(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, failingBody))
	registerAgent(t, sup, "alpha")
	events, unsub := sup.Events(eventbus.KindError)
	defer unsub()

	if err := sup.Send("alpha", "impossible job", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "error status", func() bool {
		return mustGet(t, sup, "alpha").Status == agent.StatusError
	})
	settle()

	rec := mustGet(t, sup, "alpha")
	if rec.CurrentTask != "" {
		t.Errorf("CurrentTask not cleared on failure: %q", rec.CurrentTask)
	}
	got := drainEvents(events)
	if !hasEvent(got, eventbus.KindError, "error") {
		t.Errorf("no error event published: %+v", got)
	}

	// Failed turns must not trigger the auto-probe.
	if lines := recvLines(sup, "alpha"); len(lines) != 1 {
		t.Errorf("agent received %d commands, want 1 (no probe after failure)", len(lines))
	}
}

func TestExitBeforeOutputRetriesViaWatchdog(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")

	if err := sup.Send("alpha", "warm up", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "first turn and probe", func() bool {
		return len(recvLines(sup, "alpha")) == 2 && mustGet(t, sup, "alpha").Status == agent.StatusIdle
	})

	// The injected command kills the process before it produces any
	// output. The armed watchdog's retry respawns once; the retry dies
	// the same way and the failure is surfaced.
	if err := sup.Send("alpha", "please die-now", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "retry then error", func() bool {
		return mustGet(t, sup, "alpha").Status == agent.StatusError && len(recvLines(sup, "alpha")) == 4
	})

	lines := recvLines(sup, "alpha")
	if got := countMatching(lines, "die-now"); got != 2 {
		t.Errorf("die-now delivered %d times, want 2 (original + one retry): %v", got, lines)
	}
	if rec := mustGet(t, sup, "alpha"); rec.TaskCount != 2 {
		t.Errorf("TaskCount = %d, want 2 (the retry is not a new task)", rec.TaskCount)
	}
	st := sup.tracker.GetStatus("alpha")
	if st == nil || st.RestartCount != 1 {
		t.Errorf("restart tracker status = %+v, want one recorded restart", st)
	}
}

func TestStallRespawnRetriesCommand(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")

	if err := sup.Send("alpha", "warm up", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "first turn and probe", func() bool {
		return len(recvLines(sup, "alpha")) == 2 && mustGet(t, sup, "alpha").Status == agent.StatusIdle
	})

	// The command hangs the process with no output. The watchdog
	// terminates it and retries through a replacement, which answers
	// normally thanks to the marker file.
	if err := sup.Send("alpha", "please stall-now", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "stall recovery", func() bool {
		return len(recvLines(sup, "alpha")) == 5 && mustGet(t, sup, "alpha").Status == agent.StatusIdle
	})

	lines := recvLines(sup, "alpha")
	if got := countMatching(lines, "stall-now"); got != 2 {
		t.Errorf("stall-now delivered %d times, want 2: %v", got, lines)
	}
	rec := mustGet(t, sup, "alpha")
	if rec.TaskCount != 2 {
		t.Errorf("TaskCount = %d, want 2", rec.TaskCount)
	}
	st := sup.tracker.GetStatus("alpha")
	if st == nil || st.LastRestart.IsZero() {
		t.Fatalf("restart tracker never recorded the respawn: %+v", st)
	}
	if st.RestartCount != 0 {
		t.Errorf("RestartCount = %d, want 0 after the retried turn succeeded", st.RestartCount)
	}
}

func TestStopAgentCorrectsToIdle(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, slowBody))
	registerAgent(t, sup, "alpha")

	if err := sup.Send("alpha", "slow job", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "agent working", func() bool {
		return mustGet(t, sup, "alpha").Status == agent.StatusWorking && sup.IsAgentRunning("alpha")
	})

	if err := sup.StopAgent("alpha"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if sup.IsAgentRunning("alpha") {
		t.Error("process still running after StopAgent")
	}
	rec := mustGet(t, sup, "alpha")
	if rec.Status != agent.StatusIdle {
		t.Errorf("status = %s, want idle immediately, not via reconciler", rec.Status)
	}
	if rec.CurrentTask != "" {
		t.Errorf("CurrentTask = %q after stop", rec.CurrentTask)
	}
	if _, ok := pidtrack.Read(sup.root, "alpha"); ok {
		t.Error("pid record survived StopAgent")
	}
}

func TestShutdownPreservesWorkingStatus(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, slowBody))
	registerAgent(t, sup, "alpha")

	if err := sup.Send("alpha", "long job", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "agent working", func() bool {
		return mustGet(t, sup, "alpha").Status == agent.StatusWorking
	})

	sup.Shutdown()

	if sup.IsAgentRunning("alpha") {
		t.Error("process survived shutdown")
	}
	rec := mustGet(t, sup, "alpha")
	if rec.Status != agent.StatusWorking {
		t.Errorf("status after shutdown = %s, want working so the next boot resumes it", rec.Status)
	}
	pending := sup.store.PendingResume()
	if len(pending) != 1 || pending[0].ID != "alpha" {
		t.Errorf("PendingResume = %+v, want [alpha]", pending)
	}
	if pending[0].LastTask != "long job" {
		t.Errorf("pending LastTask = %q", pending[0].LastTask)
	}
}

func TestSendUnknownAgent(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))

	err := sup.Send("ghost", "anything", SendOpts{})
	if err == nil {
		t.Fatal("send to unregistered agent succeeded")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error does not name the agent: %v", err)
	}
}

func TestResumeMismatchKeepsStoredSession(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, lyingBody))
	registerAgent(t, sup, "alpha")

	if _, err := sup.store.Update("alpha", func(r *agent.Record) {
		r.SessionID = "stored-session"
	}); err != nil {
		t.Fatal(err)
	}

	if err := sup.Send("alpha", "carry on", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "turn to settle", func() bool {
		return mustGet(t, sup, "alpha").Status == agent.StatusIdle
	})

	if rec := mustGet(t, sup, "alpha"); rec.SessionID != "stored-session" {
		t.Errorf("SessionID = %q, want the stored one kept over the process's claim", rec.SessionID)
	}
}

func TestDetachedReattachAnnouncesResume(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")
	events, unsub := sup.Events(eventbus.KindEvent)
	defer unsub()

	if _, err := sup.store.Update("alpha", func(r *agent.Record) {
		r.Status = agent.StatusDetached
		r.SessionID = "adrift-session"
	}); err != nil {
		t.Fatal(err)
	}

	if err := sup.Send("alpha", "pick it back up", SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "reattached turn to settle", func() bool {
		return mustGet(t, sup, "alpha").Status == agent.StatusIdle
	})

	got := drainEvents(events)
	if !hasEvent(got, eventbus.KindEvent, "reattaching") {
		t.Errorf("no reattaching event before the resume: %+v", got)
	}
	if rec := mustGet(t, sup, "alpha"); rec.SessionID != "adrift-session" {
		t.Errorf("SessionID = %q, want adrift-session preserved across reattach", rec.SessionID)
	}
}

func TestMassDeathPausesRespawns(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	events, unsub := sup.Events(eventbus.KindEvent)
	defer unsub()

	sup.mu.Lock()
	for i := 0; i < massDeathThreshold; i++ {
		sup.noteDeath()
	}
	paused := sup.respawnsPaused()
	sup.mu.Unlock()

	if !paused {
		t.Fatalf("%d deaths inside the window did not pause respawns", massDeathThreshold)
	}
	if !hasEvent(drainEvents(events), eventbus.KindEvent, "mass_death") {
		t.Error("no mass_death event published")
	}
}
