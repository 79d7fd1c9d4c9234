package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/pidtrack"
)

// writeTranscript drops a session transcript where the oracle's glob
// lookup finds it. age pushes the mtime into the past.
func writeTranscript(t *testing.T, projects, sessionID string, age time.Duration) {
	t.Helper()
	dir := filepath.Join(projects, "proj")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	content := `{"type":"user","message":{}}` + "\n" + `{"type":"assistant","message":{}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if age > 0 {
		old := time.Now().Add(-age)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSyncAgentStatusCorrections(t *testing.T) {
	cases := []struct {
		name       string
		status     agent.Status
		transcript bool
		orphan     bool
		want       agent.Status
	}{
		{"working-no-evidence", agent.StatusWorking, false, false, agent.StatusIdle},
		{"working-active-transcript", agent.StatusWorking, true, false, agent.StatusDetached},
		{"working-live-orphan", agent.StatusWorking, false, true, agent.StatusDetached},
		{"error-no-evidence", agent.StatusError, false, false, agent.StatusIdle},
		{"error-with-evidence", agent.StatusError, true, false, agent.StatusError},
		{"idle-transcript-only", agent.StatusIdle, true, false, agent.StatusIdle},
		{"idle-orphan-only", agent.StatusIdle, false, true, agent.StatusIdle},
		{"idle-both-signals", agent.StatusIdle, true, true, agent.StatusDetached},
		{"detached-with-evidence", agent.StatusDetached, false, true, agent.StatusDetached},
		{"detached-no-evidence", agent.StatusDetached, false, false, agent.StatusIdle},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sup := newTestSupervisor(t, writeScript(t, responderBody))
			registerAgent(t, sup, "alpha")
			sup.oracle.ProjectsDir = t.TempDir()

			sid := "sess-" + tc.name
			if _, err := sup.store.Update("alpha", func(r *agent.Record) {
				r.Status = tc.status
				r.SessionID = sid
				r.CurrentTask = "whatever it was doing"
			}); err != nil {
				t.Fatal(err)
			}
			if tc.transcript {
				writeTranscript(t, sup.oracle.ProjectsDir, sid, 0)
			}
			if tc.orphan {
				sup.mu.Lock()
				sup.orphanAlive["alpha"] = true
				sup.mu.Unlock()
			}

			if err := sup.SyncAgentStatus("alpha"); err != nil {
				t.Fatalf("sync: %v", err)
			}

			rec := mustGet(t, sup, "alpha")
			if rec.Status != tc.want {
				t.Errorf("status = %s, want %s", rec.Status, tc.want)
			}
			if tc.want == agent.StatusIdle && rec.CurrentTask != "" {
				t.Errorf("idle correction left CurrentTask = %q", rec.CurrentTask)
			}
			if tc.want == agent.StatusDetached && rec.CurrentTask == "" {
				t.Error("detach correction dropped CurrentTask")
			}
		})
	}
}

func TestSyncAgentStatusStaleTranscript(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")
	sup.oracle.ProjectsDir = t.TempDir()

	if _, err := sup.store.Update("alpha", func(r *agent.Record) {
		r.Status = agent.StatusWorking
		r.SessionID = "sess-stale"
	}); err != nil {
		t.Fatal(err)
	}
	// The transcript exists but went quiet long ago; that is not
	// evidence of life.
	writeTranscript(t, sup.oracle.ProjectsDir, "sess-stale", 10*time.Minute)

	if err := sup.SyncAgentStatus("alpha"); err != nil {
		t.Fatal(err)
	}
	if rec := mustGet(t, sup, "alpha"); rec.Status != agent.StatusIdle {
		t.Errorf("status = %s, want idle", rec.Status)
	}
}

func TestSyncTrustsTrackedProcess(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, slowBody))
	registerAgent(t, sup, "alpha")
	sup.oracle.ProjectsDir = t.TempDir()

	if err := sup.Send("alpha", "slow job", SendOpts{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "agent working", func() bool {
		return mustGet(t, sup, "alpha").Status == agent.StatusWorking
	})

	// No transcript, no orphan record: an untracked agent would be
	// corrected to idle here. The live handle must win.
	if err := sup.SyncAgentStatus("alpha"); err != nil {
		t.Fatal(err)
	}
	if rec := mustGet(t, sup, "alpha"); rec.Status != agent.StatusWorking {
		t.Errorf("status = %s, want working: tracked process outranks oracle silence", rec.Status)
	}
}

func TestSyncAllAgentStatus(t *testing.T) {
	sup := newTestSupervisor(t, writeScript(t, responderBody))
	registerAgent(t, sup, "alpha")
	registerAgent(t, sup, "beta")

	for _, id := range []string{"alpha", "beta"} {
		if _, err := sup.store.Update(id, func(r *agent.Record) {
			r.Status = agent.StatusWorking
		}); err != nil {
			t.Fatal(err)
		}
	}

	sup.SyncAllAgentStatus()

	for _, id := range []string{"alpha", "beta"} {
		if rec := mustGet(t, sup, id); rec.Status != agent.StatusIdle {
			t.Errorf("%s status = %s, want idle", id, rec.Status)
		}
	}
}

func TestPollOrphans(t *testing.T) {
	script := writeScript(t, "sleep 60")
	sup := newTestSupervisor(t, script)

	// A live process running the configured binary: a real orphan.
	cmd := exec.Command(script)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	if err := pidtrack.Track(sup.root, "orphan", cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}

	// A PID record for a process that is gone.
	gone := exec.Command("/bin/sh", "-c", "true")
	if err := gone.Run(); err != nil {
		t.Fatal(err)
	}
	if err := pidtrack.Track(sup.root, "departed", gone.Process.Pid); err != nil {
		t.Fatal(err)
	}

	// A live PID that is not the agent binary (this test process).
	if err := pidtrack.Track(sup.root, "imposter", os.Getpid()); err != nil {
		t.Fatal(err)
	}

	sup.PollOrphans()

	sup.mu.Lock()
	alive := make(map[string]bool, len(sup.orphanAlive))
	for k, v := range sup.orphanAlive {
		alive[k] = v
	}
	sup.mu.Unlock()

	if !alive["orphan"] {
		t.Error("live orphan not detected")
	}
	if alive["departed"] || alive["imposter"] {
		t.Errorf("stale records reported alive: %v", alive)
	}

	// Stale records are removed; the real orphan's stays.
	if _, ok := pidtrack.Read(sup.root, "departed"); ok {
		t.Error("dead pid record not cleaned up")
	}
	if _, ok := pidtrack.Read(sup.root, "imposter"); ok {
		t.Error("non-agent pid record not cleaned up")
	}
	if _, ok := pidtrack.Read(sup.root, "orphan"); !ok {
		t.Error("live orphan's pid record was dropped")
	}
}
