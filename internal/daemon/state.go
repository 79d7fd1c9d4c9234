package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/util"
)

// State is the daemon's persisted status, written to
// daemon/state.json on startup, every heartbeat, and at shutdown.
// `tower daemon status` reads it for display.
type State struct {
	Running        bool      `json:"running"`
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatCount int       `json:"heartbeat_count"`
}

// SaveState writes the daemon state atomically.
func SaveState(root string, state *State) error {
	if err := os.MkdirAll(constants.DaemonDir(root), 0755); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	if err := util.AtomicWriteFile(constants.DaemonStatePath(root), data, 0644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

// LoadState reads the daemon state. A missing file returns a zero
// state, not an error.
func LoadState(root string) (*State, error) {
	data, err := os.ReadFile(constants.DaemonStatePath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	return &state, nil
}
