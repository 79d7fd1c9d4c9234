// Package fleet provides fleet root detection and management.
package fleet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/steveyegge/tower/internal/constants"
)

// ErrNotFound indicates no fleet root was found.
var ErrNotFound = errors.New("not inside a tower fleet")

// Marker is the config file that identifies a fleet root.
// A directory is only a fleet root if tower.toml sits directly in it;
// runtime directories like .runtime/ or daemon/ are NOT markers because
// stale copies of those can outlive a deleted fleet.
const Marker = constants.ConfigFile

// Find locates the fleet root by walking up from the given directory.
// It requires tower.toml to identify a root. Returns "" (no error) when
// no marker is found anywhere up the tree.
// Does not resolve symlinks to stay consistent with os.Getwd().
func Find(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	current := absDir
	for {
		if _, err := os.Stat(filepath.Join(current, Marker)); err == nil {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil
		}
		current = parent
	}
}

// FindOrError is like Find but returns a user-friendly error if not found.
func FindOrError(startDir string) (string, error) {
	root, err := Find(startDir)
	if err != nil {
		return "", err
	}
	if root == "" {
		return "", ErrNotFound
	}
	return root, nil
}

// FindFromCwd locates the fleet root from the current working directory.
// The TOWER_ROOT environment variable overrides the walk when set, which
// lets the daemon and tests pin a root regardless of cwd.
func FindFromCwd() (string, error) {
	if env := os.Getenv(constants.EnvFleetRoot); env != "" {
		return filepath.Abs(env)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return Find(cwd)
}

// FindFromCwdOrError is like FindFromCwd but returns an error if not found.
func FindFromCwdOrError() (string, error) {
	root, err := FindFromCwd()
	if err != nil {
		return "", err
	}
	if root == "" {
		return "", ErrNotFound
	}
	return root, nil
}

// IsFleetRoot checks if the given directory is a fleet root.
// Only the presence of tower.toml in the directory itself counts.
func IsFleetRoot(dir string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}

	if _, err := os.Stat(filepath.Join(absDir, Marker)); err == nil {
		return true, nil
	}
	return false, nil
}

// ResolvePath resolves symlinks in the given path so that comparisons
// against roots returned by Find behave on systems where temp dirs are
// symlinked (macOS /var -> /private/var).
func ResolvePath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks: %w", err)
	}
	return resolved, nil
}
