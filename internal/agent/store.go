package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/util"
)

// ErrNotFound indicates the agent id has no record.
var ErrNotFound = errors.New("agent not found")

// Store is the on-disk agent record store (.runtime/agents.json).
// All mutation goes through Update so invariants (session set-once,
// monotonic task count) are enforced in one place. Every mutation is
// persisted atomically before Update returns.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
}

// storeFile is the persisted shape of the store.
type storeFile struct {
	Agents map[string]*Record `json:"agents"`
}

// NewStore creates a store rooted at the fleet directory. Call Load
// before use.
func NewStore(root string) *Store {
	return &Store{
		path:    constants.AgentsStatePath(root),
		records: make(map[string]*Record),
	}
}

// Load reads agents.json. A missing file is an empty fleet, not an
// error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.records = make(map[string]*Record)
			return nil
		}
		return fmt.Errorf("reading agent store: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing agent store: %w", err)
	}

	if f.Agents == nil {
		f.Agents = make(map[string]*Record)
	}
	for id, rec := range f.Agents {
		if rec.ID == "" {
			rec.ID = id
		}
		if !rec.Status.Valid() {
			rec.Status = StatusIdle
		}
	}
	s.records = f.Agents
	return nil
}

// save persists the store. Caller holds the mutex.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}
	return util.AtomicWriteJSON(s.path, storeFile{Agents: s.records})
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns copies of every record, sorted by id.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ensure registers an agent if it does not exist yet and returns its
// record. Existing records keep their state; cwd and model are only
// applied on creation.
func (s *Store) Ensure(id, cwd, model, systemPrompt string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		return *rec, nil
	}

	rec := &Record{
		ID:           id,
		Status:       StatusIdle,
		Cwd:          cwd,
		Model:        model,
		SystemPrompt: systemPrompt,
		UpdatedAt:    time.Now(),
	}
	s.records[id] = rec

	if err := s.save(); err != nil {
		delete(s.records, id)
		return Record{}, err
	}
	return *rec, nil
}

// Update applies fn to the record for id and persists the result.
// Returns the updated copy. The session set-once invariant is enforced
// here: once SessionID is non-empty, a different non-empty value from
// fn is discarded (a mismatch indicates a failed resume, not a new
// truth). Clearing to empty is allowed — that is the explicit reset a
// force-new-session dispatch performs before spawning.
func (s *Store) Update(id string, fn func(*Record)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prevSession := rec.SessionID
	fn(rec)
	if prevSession != "" && rec.SessionID != "" && rec.SessionID != prevSession {
		rec.SessionID = prevSession
	}
	rec.ID = id
	rec.UpdatedAt = time.Now()

	if err := s.save(); err != nil {
		return Record{}, err
	}
	return *rec, nil
}

// PendingResume returns agents whose persisted status says work was in
// progress (working or detached) — the boot-time resume list. Derived
// from the records themselves so a crash between shutdown and persist
// cannot lose the list.
func (s *Store) PendingResume() []ResumeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []ResumeEntry
	for _, rec := range s.records {
		if rec.Status == StatusWorking || rec.Status == StatusDetached {
			entries = append(entries, ResumeEntry{ID: rec.ID, LastTask: rec.LastAssignedTask})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// ClearPendingResume drops id from the pending resume list by marking
// the record idle. Used when a boot-time resume could not be dispatched
// so the agent is not retried on every subsequent boot.
func (s *Store) ClearPendingResume(id string) error {
	_, err := s.Update(id, func(r *Record) {
		if r.Status == StatusWorking || r.Status == StatusDetached {
			r.Status = StatusIdle
		}
	})
	return err
}
