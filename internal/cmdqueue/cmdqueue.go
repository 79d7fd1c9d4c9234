// Package cmdqueue hands commands from the CLI to the daemon.
//
// `tower send` runs in the operator's shell; the subprocess fleet
// lives in the daemon. Sends are appended to a per-agent JSONL queue
// under .runtime/commands/, and the daemon drains each queue in order.
// Append and drain both hold a sidecar flock next to the queue file,
// so concurrent sends from several shells interleave whole lines
// rather than corrupting each other.
package cmdqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/util"
)

// Entry is one queued command for an agent.
type Entry struct {
	// Text is the command to deliver to the agent.
	Text string `json:"text"`

	// Fresh forces a new session: the agent's conversation history is
	// abandoned and a fresh subprocess is spawned for this command.
	Fresh bool `json:"fresh,omitempty"`

	// Silent delivers the command without recording it as the agent's
	// current task or bumping its task counter.
	Silent bool `json:"silent,omitempty"`

	// SystemPrompt is appended to the agent's system prompt when this
	// command causes a spawn. Ignored for injections into a running
	// process.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Stop terminates the agent's subprocess instead of delivering
	// text. Text is ignored when set.
	Stop bool `json:"stop,omitempty"`

	// Timestamp is when the command was enqueued, in Unix
	// milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Queue is one agent's command queue.
type Queue struct {
	agent string
	dir   string
	lock  *util.FileLock
}

// New returns the command queue for an agent.
func New(root, agent string) *Queue {
	dir := constants.CommandsDir(root)
	return &Queue{
		agent: agent,
		dir:   dir,
		lock:  util.NewFileLock(filepath.Join(dir, util.SanitizeID(agent)+".lock")),
	}
}

func (q *Queue) queueFile() string {
	return filepath.Join(q.dir, util.SanitizeID(q.agent)+".jsonl")
}

// Enqueue appends a command to the queue.
func (q *Queue) Enqueue(entry Entry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}

	// Lock acquisition creates the commands directory.
	return q.lock.WithLock(func() error {
		f, err := os.OpenFile(q.queueFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening queue file: %w", err)
		}
		defer f.Close()

		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("writing to queue: %w", err)
		}
		return nil
	})
}

// Drain reads all queued commands and removes them, oldest first.
// Corrupt lines are skipped rather than wedging the queue.
func (q *Queue) Drain() ([]Entry, error) {
	var entries []Entry
	err := q.lock.WithLock(func() error {
		data, err := os.ReadFile(q.queueFile())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("reading queue file: %w", err)
		}
		entries = parseEntries(data)

		if err := os.Remove(q.queueFile()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing queue file: %w", err)
		}
		return nil
	})
	return entries, err
}

// Peek returns queued commands without removing them.
func (q *Queue) Peek() ([]Entry, error) {
	var entries []Entry
	err := q.lock.WithLock(func() error {
		data, err := os.ReadFile(q.queueFile())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("reading queue file: %w", err)
		}
		entries = parseEntries(data)
		return nil
	})
	return entries, err
}

// Count returns the number of queued commands.
func (q *Queue) Count() (int, error) {
	entries, err := q.Peek()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Clear drops all queued commands.
func (q *Queue) Clear() error {
	return q.lock.WithLock(func() error {
		if err := os.Remove(q.queueFile()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing queue file: %w", err)
		}
		return nil
	})
}

// Pending returns the agents with non-empty queues, in directory
// order. The daemon uses this to decide which queues to drain after a
// watcher wakeup.
func Pending(root string) []string {
	entries, err := os.ReadDir(constants.CommandsDir(root))
	if err != nil {
		return nil
	}

	var agents []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		agents = append(agents, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return agents
}

func parseEntries(data []byte) []Entry {
	var entries []Entry
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// splitLines splits data into lines, handling both \n and \r\n.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			end := i
			if end > start && data[end-1] == '\r' {
				end--
			}
			lines = append(lines, data[start:end])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
