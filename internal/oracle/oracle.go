// Package oracle answers "is this agent actually doing something?" by
// reading the session transcripts the Claude CLI writes under
// ~/.claude/projects. The supervisor consults it when it has no live
// handle for an agent (detached after a daemon restart) and when
// deciding whether a believed-working agent has gone quiet.
package oracle

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Activity is what the session transcript says about an agent.
type Activity struct {
	// Exists is true when a transcript for the session was found.
	Exists bool

	// LastModified is the transcript's mtime.
	LastModified time.Time

	// Active is true when the transcript changed within the oracle's
	// threshold, meaning the session is still producing output.
	Active bool

	// PendingWork is true when the last meaningful transcript entry
	// is mid-turn (an assistant or user message rather than a
	// turn_duration marker).
	PendingWork bool
}

// Oracle locates and classifies session transcripts.
type Oracle struct {
	// ProjectsDir is the Claude projects directory. Defaults to
	// ~/.claude/projects when constructed via New.
	ProjectsDir string

	// Threshold is how recently a transcript must have changed to
	// count as active.
	Threshold time.Duration
}

// New returns an oracle over the default Claude projects directory.
func New(threshold time.Duration) *Oracle {
	dir := ""
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".claude", "projects")
	}
	return &Oracle{ProjectsDir: dir, Threshold: threshold}
}

// Check looks up the transcript for (cwd, sessionID) and classifies
// it. A zero Activity (Exists false) means no transcript was found,
// which callers should read as "no evidence", not "idle".
func (o *Oracle) Check(cwd, sessionID string) Activity {
	if sessionID == "" || o.ProjectsDir == "" {
		return Activity{}
	}

	path := o.findTranscript(cwd, sessionID)
	if path == "" {
		return Activity{}
	}

	fi, err := os.Stat(path)
	if err != nil {
		return Activity{}
	}

	act := Activity{
		Exists:       true,
		LastModified: fi.ModTime(),
		Active:       time.Since(fi.ModTime()) <= o.Threshold,
	}
	act.PendingWork = transcriptPending(path)
	return act
}

// findTranscript returns the transcript path for the session, trying
// the project directory derived from cwd first and falling back to a
// glob across all projects (the CLI's directory naming has changed
// across versions).
func (o *Oracle) findTranscript(cwd, sessionID string) string {
	if cwd != "" {
		direct := filepath.Join(o.ProjectsDir, projectDirName(cwd), sessionID+".jsonl")
		if _, err := os.Stat(direct); err == nil {
			return direct
		}
	}

	matches, err := filepath.Glob(filepath.Join(o.ProjectsDir, "*", sessionID+".jsonl"))
	if err != nil || len(matches) == 0 {
		return ""
	}

	// Several projects can carry a transcript for the same ID after
	// directory renames; take the most recently touched one.
	best := ""
	var bestTime time.Time
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		if best == "" || fi.ModTime().After(bestTime) {
			best = m
			bestTime = fi.ModTime()
		}
	}
	return best
}

// projectDirName munges a working directory into the CLI's project
// directory name: every non-alphanumeric rune becomes a hyphen.
func projectDirName(cwd string) string {
	var b strings.Builder
	for _, r := range cwd {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// transcriptEntry is the slice of a transcript line the oracle cares
// about.
type transcriptEntry struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// transcriptPending reports whether the transcript's tail looks
// mid-turn. It scans backwards through a small window because the
// final line is often a bookkeeping entry rather than a status one.
func transcriptPending(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	const windowSize = 10
	ring := make([]string, 0, windowSize)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(ring) >= windowSize {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}

	for i := len(ring) - 1; i >= 0; i-- {
		var entry transcriptEntry
		if json.Unmarshal([]byte(ring[i]), &entry) != nil {
			continue
		}
		switch entry.Type {
		case "system":
			if entry.Subtype == "turn_duration" {
				return false
			}
			// Other system subtypes carry no status; keep searching.
		case "assistant", "user":
			return true
		}
	}
	return false
}
