package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/config"
)

// loadStore loads the agent records for a fleet root.
func loadStore(root string) (*agent.Store, error) {
	store := agent.NewStore(root)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("loading agent records: %w", err)
	}
	return store, nil
}

// knownAgents returns every agent id from tower.toml and the record
// store, deduped and sorted.
func knownAgents(root string) ([]string, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	store, err := loadStore(root)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for id := range cfg.Agents {
		seen[id] = true
	}
	for _, rec := range store.All() {
		seen[rec.ID] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// resolveAgent validates that id names a known agent, returning a
// helpful error listing the fleet's agents when it does not.
func resolveAgent(root, id string) error {
	ids, err := knownAgents(root)
	if err != nil {
		return err
	}
	for _, known := range ids {
		if known == id {
			return nil
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("unknown agent %q: the fleet has no agents yet (add one to tower.toml)", id)
	}
	return fmt.Errorf("unknown agent %q (known: %s)", id, strings.Join(ids, ", "))
}
