package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s := NewStore(root)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s, root
}

func TestEnsureCreatesRecord(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.Ensure("builder", "/work/builder", "claude-sonnet-4-5", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if rec.ID != "builder" {
		t.Errorf("ID = %q", rec.ID)
	}
	if rec.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", rec.Status)
	}
	if rec.Cwd != "/work/builder" {
		t.Errorf("Cwd = %q", rec.Cwd)
	}
}

func TestEnsureKeepsExistingState(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Ensure("builder", "/a", "", ""); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := s.Update("builder", func(r *Record) {
		r.Status = StatusWorking
		r.TaskCount = 3
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rec, err := s.Ensure("builder", "/different", "", "")
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if rec.Status != StatusWorking || rec.TaskCount != 3 {
		t.Errorf("Ensure clobbered state: %+v", rec)
	}
	if rec.Cwd != "/a" {
		t.Errorf("Cwd changed on re-Ensure: %q", rec.Cwd)
	}
}

func TestUpdateMissingAgent(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Update("ghost", func(r *Record) {})
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestSessionIDSetOnce(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Ensure("builder", "/a", "", ""); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// First set sticks
	rec, err := s.Update("builder", func(r *Record) { r.SessionID = "sess-1" })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", rec.SessionID)
	}

	// A later different value is discarded
	rec, err = s.Update("builder", func(r *Record) { r.SessionID = "sess-2" })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.SessionID != "sess-1" {
		t.Errorf("SessionID overwritten to %q, want sess-1", rec.SessionID)
	}

	// Same value is fine
	rec, _ = s.Update("builder", func(r *Record) { r.SessionID = "sess-1" })
	if rec.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", rec.SessionID)
	}

	// Explicit clear then re-set takes the new value
	if _, err := s.Update("builder", func(r *Record) { r.SessionID = "" }); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rec, _ = s.Update("builder", func(r *Record) { r.SessionID = "sess-3" })
	if rec.SessionID != "sess-3" {
		t.Errorf("SessionID after reset = %q, want sess-3", rec.SessionID)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	s, root := newTestStore(t)

	if _, err := s.Ensure("builder", "/a", "m1", "be careful"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := s.Update("builder", func(r *Record) {
		r.Status = StatusWorking
		r.SessionID = "sess-9"
		r.LastAssignedTask = "fix tests"
		r.TaskCount = 7
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Fresh store over the same root
	s2 := NewStore(root)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rec, ok := s2.Get("builder")
	if !ok {
		t.Fatal("record lost across reload")
	}
	if rec.Status != StatusWorking || rec.SessionID != "sess-9" || rec.TaskCount != 7 {
		t.Errorf("reloaded record = %+v", rec)
	}
	if rec.SystemPrompt != "be careful" {
		t.Errorf("SystemPrompt = %q", rec.SystemPrompt)
	}
}

func TestLoadMissingFile(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	if err := s.Load(); err != nil {
		t.Fatalf("Load with no file: %v", err)
	}
	if len(s.All()) != 0 {
		t.Errorf("expected empty store")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	root := t.TempDir()
	runtimeDir := filepath.Join(root, ".runtime")
	if err := os.MkdirAll(runtimeDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runtimeDir, "agents.json"), []byte("{nope"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := NewStore(root)
	if err := s.Load(); err == nil {
		t.Fatal("expected error for corrupt store")
	}
}

func TestAllSorted(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := s.Ensure(id, "/w", "", ""); err != nil {
			t.Fatalf("Ensure %s: %v", id, err)
		}
	}

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].ID != "alpha" || all[1].ID != "mid" || all[2].ID != "zeta" {
		t.Errorf("order = %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}
}

func TestPendingResume(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := s.Ensure(id, "/w", "", ""); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}
	mustUpdate := func(id string, fn func(*Record)) {
		t.Helper()
		if _, err := s.Update(id, fn); err != nil {
			t.Fatalf("Update %s: %v", id, err)
		}
	}
	mustUpdate("a", func(r *Record) {
		r.Status = StatusWorking
		r.LastAssignedTask = "build the parser"
	})
	mustUpdate("b", func(r *Record) { r.Status = StatusError })
	mustUpdate("c", func(r *Record) {
		r.Status = StatusDetached
		r.LastAssignedTask = "write docs"
	})

	entries := s.PendingResume()
	if len(entries) != 2 {
		t.Fatalf("PendingResume len = %d, want 2", len(entries))
	}
	if entries[0].ID != "a" || entries[0].LastTask != "build the parser" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].ID != "c" {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	// Clearing removes from the list
	if err := s.ClearPendingResume("a"); err != nil {
		t.Fatalf("ClearPendingResume: %v", err)
	}
	entries = s.PendingResume()
	if len(entries) != 1 || entries[0].ID != "c" {
		t.Errorf("after clear: %+v", entries)
	}

	rec, _ := s.Get("a")
	if rec.Status != StatusIdle {
		t.Errorf("cleared agent status = %q, want idle", rec.Status)
	}
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		status Status
		busy   bool
		label  string
	}{
		{StatusIdle, false, "Idle"},
		{StatusWorking, true, "Working"},
		{StatusError, false, "Error"},
		{StatusDetached, true, "Detached"},
		{Status("bogus"), false, "Unknown"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if tt.status.Busy() != tt.busy {
				t.Errorf("Busy() = %v", tt.status.Busy())
			}
			if tt.status.Label() != tt.label {
				t.Errorf("Label() = %q", tt.status.Label())
			}
		})
	}
}
