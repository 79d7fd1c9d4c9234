package pidtrack

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTrackReadUntrack(t *testing.T) {
	root := t.TempDir()

	if err := Track(root, "alpha", 12345); err != nil {
		t.Fatalf("Track: %v", err)
	}

	pid, ok := Read(root, "alpha")
	if !ok || pid != 12345 {
		t.Errorf("Read = (%d, %v), want (12345, true)", pid, ok)
	}

	Untrack(root, "alpha")
	if _, ok := Read(root, "alpha"); ok {
		t.Error("Read after Untrack still found a record")
	}
}

func TestReadMissing(t *testing.T) {
	if _, ok := Read(t.TempDir(), "ghost"); ok {
		t.Error("Read on empty root returned a record")
	}
}

func TestReadCorruptFileRemoved(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".runtime", "pids")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "alpha.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, ok := Read(root, "alpha"); ok {
		t.Error("corrupt record parsed as a PID")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt record not removed")
	}
}

func TestAll(t *testing.T) {
	root := t.TempDir()
	if err := Track(root, "alpha", 100); err != nil {
		t.Fatal(err)
	}
	if err := Track(root, "beta", 200); err != nil {
		t.Fatal(err)
	}

	pids := All(root)
	if len(pids) != 2 || pids["alpha"] != 100 || pids["beta"] != 200 {
		t.Errorf("All = %v", pids)
	}
}

func TestAllEmptyRoot(t *testing.T) {
	if pids := All(t.TempDir()); len(pids) != 0 {
		t.Errorf("All on empty root = %v", pids)
	}
}

func TestTrackSanitizesAgentID(t *testing.T) {
	root := t.TempDir()
	if err := Track(root, "../escape", 300); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(root, ".runtime", "pids"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "escape.pid" {
		t.Errorf("pid files = %v, want [escape.pid]", entries)
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("Alive(self) = false")
	}
	if Alive(0) {
		t.Error("Alive(0) = true")
	}
	if Alive(-1) {
		t.Error("Alive(-1) = true")
	}
	// PID max on Linux defaults to 4194304; anything above is never
	// a real process.
	if Alive(99999999) {
		t.Error("Alive(99999999) = true")
	}
}

func TestLooksLikeClaudeSelf(t *testing.T) {
	// The test binary is not the claude CLI.
	if LooksLikeClaude(os.Getpid(), "claude") {
		t.Error("test process misidentified as the claude CLI")
	}
}
