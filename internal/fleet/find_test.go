package fleet

import (
	"os"
	"path/filepath"
	"testing"
)

func realPath(t *testing.T, path string) string {
	t.Helper()
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("realpath: %v", err)
	}
	return real
}

func writeMarker(t *testing.T, root string) {
	t.Helper()
	marker := filepath.Join(root, Marker)
	if err := os.WriteFile(marker, []byte("[fleet]\nname = \"test\"\n"), 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

func TestFindFromNestedDir(t *testing.T) {
	root := realPath(t, t.TempDir())
	writeMarker(t, root)

	nested := filepath.Join(root, "some", "deep", "path")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	found, err := Find(nested)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != root {
		t.Errorf("Find = %q, want %q", found, root)
	}
}

func TestFindNotFound(t *testing.T) {
	dir := t.TempDir()

	found, err := Find(dir)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != "" {
		t.Errorf("Find = %q, want empty string", found)
	}
}

func TestFindOrErrorNotFound(t *testing.T) {
	dir := t.TempDir()

	_, err := FindOrError(dir)
	if err != ErrNotFound {
		t.Errorf("FindOrError = %v, want ErrNotFound", err)
	}
}

func TestFindAtRoot(t *testing.T) {
	root := realPath(t, t.TempDir())
	writeMarker(t, root)

	found, err := Find(root)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != root {
		t.Errorf("Find = %q, want %q", found, root)
	}
}

func TestFindInnermostRootWins(t *testing.T) {
	outer := realPath(t, t.TempDir())
	writeMarker(t, outer)

	inner := filepath.Join(outer, "nested-fleet")
	if err := os.MkdirAll(inner, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeMarker(t, inner)

	start := filepath.Join(inner, "agentdir")
	if err := os.MkdirAll(start, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	found, err := Find(start)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != inner {
		t.Errorf("Find = %q, want inner root %q", found, inner)
	}
}

func TestIsFleetRoot(t *testing.T) {
	root := t.TempDir()

	is, err := IsFleetRoot(root)
	if err != nil {
		t.Fatalf("IsFleetRoot: %v", err)
	}
	if is {
		t.Error("expected not a fleet root initially")
	}

	writeMarker(t, root)

	is, err = IsFleetRoot(root)
	if err != nil {
		t.Fatalf("IsFleetRoot: %v", err)
	}
	if !is {
		t.Error("expected to be a fleet root")
	}
}

func TestFindFromCwdEnvOverride(t *testing.T) {
	root := realPath(t, t.TempDir())
	writeMarker(t, root)

	t.Setenv("TOWER_ROOT", root)

	found, err := FindFromCwd()
	if err != nil {
		t.Fatalf("FindFromCwd: %v", err)
	}
	if found != root {
		t.Errorf("FindFromCwd = %q, want %q", found, root)
	}
}

func TestResolvePath(t *testing.T) {
	root := realPath(t, t.TempDir())
	subdir := filepath.Join(root, "some", "path")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	resolved, err := ResolvePath(subdir)
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}

	if resolved != subdir {
		t.Errorf("ResolvePath = %q, want %q", resolved, subdir)
	}
}

func TestResolvePath_Symlink(t *testing.T) {
	root := realPath(t, t.TempDir())
	actual := filepath.Join(root, "actual")
	if err := os.MkdirAll(actual, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	link := filepath.Join(root, "link")
	if err := os.Symlink(actual, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	resolved, err := ResolvePath(link)
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}

	if resolved != actual {
		t.Errorf("ResolvePath(%q) = %q, want %q", link, resolved, actual)
	}
}
