package oracle

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTranscript(t *testing.T, dir, session string, lines ...string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, session+".jsonl")
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckMissingSession(t *testing.T) {
	o := &Oracle{ProjectsDir: t.TempDir(), Threshold: time.Minute}

	act := o.Check("/work/alpha", "no-such-session")
	if act.Exists {
		t.Errorf("Check() = %+v, want Exists=false", act)
	}
	if act.Active || act.PendingWork {
		t.Errorf("missing session reported activity: %+v", act)
	}
}

func TestCheckEmptySessionID(t *testing.T) {
	o := &Oracle{ProjectsDir: t.TempDir(), Threshold: time.Minute}
	if act := o.Check("/work/alpha", ""); act.Exists {
		t.Errorf("empty session id matched a transcript: %+v", act)
	}
}

func TestCheckDirectPath(t *testing.T) {
	projects := t.TempDir()
	cwd := "/work/alpha"
	writeTranscript(t, filepath.Join(projects, projectDirName(cwd)), "sess-1",
		`{"type":"assistant","message":{}}`,
	)

	o := &Oracle{ProjectsDir: projects, Threshold: time.Minute}
	act := o.Check(cwd, "sess-1")
	if !act.Exists {
		t.Fatal("transcript not found via munged project dir")
	}
	if !act.Active {
		t.Error("freshly written transcript not active")
	}
	if !act.PendingWork {
		t.Error("assistant tail not reported as pending work")
	}
}

func TestCheckGlobFallback(t *testing.T) {
	projects := t.TempDir()
	// Transcript lives under a directory that doesn't match the munge.
	writeTranscript(t, filepath.Join(projects, "legacy-name"), "sess-2",
		`{"type":"system","subtype":"turn_duration","duration_ms":1200}`,
	)

	o := &Oracle{ProjectsDir: projects, Threshold: time.Minute}
	act := o.Check("/work/beta", "sess-2")
	if !act.Exists {
		t.Fatal("transcript not found via glob fallback")
	}
	if act.PendingWork {
		t.Error("turn_duration tail reported as pending work")
	}
}

func TestCheckStaleTranscript(t *testing.T) {
	projects := t.TempDir()
	path := writeTranscript(t, filepath.Join(projects, "old"), "sess-3",
		`{"type":"assistant","message":{}}`,
	)
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	o := &Oracle{ProjectsDir: projects, Threshold: 90 * time.Second}
	act := o.Check("", "sess-3")
	if !act.Exists {
		t.Fatal("stale transcript not found")
	}
	if act.Active {
		t.Error("10-minute-old transcript reported active")
	}
	// Mid-turn tail still counts as pending even when stale; that is
	// exactly the stalled-agent signal the reconciler wants.
	if !act.PendingWork {
		t.Error("stale mid-turn transcript lost its pending flag")
	}
}

func TestCheckPicksNewestMatch(t *testing.T) {
	projects := t.TempDir()
	oldPath := writeTranscript(t, filepath.Join(projects, "proj-a"), "sess-4",
		`{"type":"system","subtype":"turn_duration"}`,
	)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldPath, old, old); err != nil {
		t.Fatal(err)
	}
	writeTranscript(t, filepath.Join(projects, "proj-b"), "sess-4",
		`{"type":"assistant","message":{}}`,
	)

	o := &Oracle{ProjectsDir: projects, Threshold: time.Minute}
	act := o.Check("", "sess-4")
	if !act.PendingWork {
		t.Error("oracle read the stale duplicate instead of the newest transcript")
	}
}

func TestTranscriptPendingSkipsNoise(t *testing.T) {
	projects := t.TempDir()
	// Trailing lines are non-status noise; the assistant entry above
	// them decides.
	writeTranscript(t, filepath.Join(projects, "p"), "sess-5",
		`{"type":"assistant","message":{}}`,
		`{"type":"progress","data":{}}`,
		`not json at all`,
	)

	o := &Oracle{ProjectsDir: projects, Threshold: time.Minute}
	if act := o.Check("", "sess-5"); !act.PendingWork {
		t.Error("noise after assistant entry masked pending work")
	}
}

func TestProjectDirName(t *testing.T) {
	tests := []struct {
		cwd  string
		want string
	}{
		{"/work/alpha", "-work-alpha"},
		{"/home/user/my.project", "-home-user-my-project"},
		{"/srv/agents/a_b", "-srv-agents-a-b"},
	}
	for _, tt := range tests {
		if got := projectDirName(tt.cwd); got != tt.want {
			t.Errorf("projectDirName(%q) = %q, want %q", tt.cwd, got, tt.want)
		}
	}
}
