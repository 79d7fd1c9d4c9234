// Package util provides shared utility functions.
package util

import (
	"encoding/json"
	"fmt"
	"os"
)

// AtomicWriteJSON marshals data as indented JSON and writes it atomically.
// The file is written to a temp path and renamed into place so readers
// never observe a partially written file.
func AtomicWriteJSON(path string, data interface{}) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	return AtomicWriteFile(path, encoded, 0644)
}

// AtomicWriteFile writes data to path atomically via a temp file + rename.
// The rename is atomic on POSIX filesystems when source and destination
// are on the same volume, which holds because the temp file lives next
// to the target.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Clean up the temp file so retries start clean
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
