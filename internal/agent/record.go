package agent

import "time"

// Record is the persistent state of one agent. Records are created by
// registration (config or CLI), never by the supervisor core; the core
// only transitions status, session, and task bookkeeping fields.
type Record struct {
	// ID is the stable agent identifier.
	ID string `json:"id"`

	// Status is the supervisor's view of the agent.
	Status Status `json:"status"`

	// SessionID identifies the resumable conversation. Set once on
	// first response; never silently overwritten once set. A resume
	// that reports a different session is a failed resume, not a new
	// truth.
	SessionID string `json:"session_id,omitempty"`

	// Cwd is the working directory, also the oracle's lookup key.
	Cwd string `json:"cwd"`

	// Model overrides the fleet default model when set.
	Model string `json:"model,omitempty"`

	// SystemPrompt is appended when a fresh process is spawned.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// LastAssignedTask is the most recent non-internal command text.
	LastAssignedTask string `json:"last_assigned_task,omitempty"`

	// LastAssignedTaskTime is when that command was sent.
	LastAssignedTaskTime time.Time `json:"last_assigned_task_time,omitempty"`

	// CurrentTask and CurrentTool are transient, cleared on completion.
	CurrentTask string `json:"current_task,omitempty"`
	CurrentTool string `json:"current_tool,omitempty"`

	// TaskCount increments exactly once per accepted command,
	// independent of dispatch path.
	TaskCount int `json:"task_count"`

	// ContextTokens and TotalCostUSD mirror the latest stats snapshot.
	ContextTokens int     `json:"context_tokens,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`

	// UpdatedAt is bumped on every store mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// ResumeEntry is one agent in the boot-time pending resume list.
type ResumeEntry struct {
	ID       string
	LastTask string
}
