// Package agent defines agent records and their on-disk store.
package agent

// Status is the supervisor's view of what an agent is doing.
type Status string

const (
	// StatusIdle indicates no task in flight.
	StatusIdle Status = "idle"

	// StatusWorking indicates a task in flight with a tracked subprocess.
	StatusWorking Status = "working"

	// StatusError indicates the last spawn failed or the subprocess
	// reported a fatal error. Cleared by the next successful dispatch.
	StatusError Status = "error"

	// StatusDetached indicates the record believes work is in progress
	// but the supervisor holds no handle for it (post-restart state).
	// Commands sent to a detached agent reattach via session resume.
	StatusDetached Status = "detached"
)

// Label returns a human-readable label for the status.
func (s Status) Label() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusWorking:
		return "Working"
	case StatusError:
		return "Error"
	case StatusDetached:
		return "Detached"
	default:
		return "Unknown"
	}
}

// Icon returns an emoji icon for the status.
func (s Status) Icon() string {
	switch s {
	case StatusIdle:
		return "⚪"
	case StatusWorking:
		return "🟢"
	case StatusError:
		return "🔴"
	case StatusDetached:
		return "🟡"
	default:
		return "❓"
	}
}

// Busy reports whether the status means work is believed in progress.
// Detached counts: the record claims activity, the supervisor just
// lacks a handle for it.
func (s Status) Busy() bool {
	return s == StatusWorking || s == StatusDetached
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusWorking, StatusError, StatusDetached:
		return true
	}
	return false
}
