// Package config loads fleet configuration from tower.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/steveyegge/tower/internal/constants"
)

// Config is the fleet-level configuration from tower.toml.
type Config struct {
	Fleet      FleetConfig            `toml:"fleet"`
	Claude     ClaudeConfig           `toml:"claude"`
	Supervisor SupervisorConfig       `toml:"supervisor"`
	Agents     map[string]AgentConfig `toml:"agents"`
}

// FleetConfig names the fleet.
type FleetConfig struct {
	Name string `toml:"name"`
}

// ClaudeConfig controls how agent subprocesses are invoked.
type ClaudeConfig struct {
	// Binary is the claude executable. Overridden by TOWER_CLAUDE_BIN.
	Binary string `toml:"binary"`

	// Model is the default model flag for new sessions. Empty means
	// let the CLI pick.
	Model string `toml:"model"`

	// PermissionMode is passed through as --permission-mode when set.
	PermissionMode string `toml:"permission_mode"`
}

// AgentConfig declares an agent the daemon should know about at boot.
// Agents can also be registered at runtime; these are just the ones the
// fleet starts with.
type AgentConfig struct {
	// Cwd is the agent's working directory. Relative paths resolve
	// against the fleet root. Empty defaults to <root>/<agent-id>.
	Cwd string `toml:"cwd"`

	// Model overrides claude.model for this agent.
	Model string `toml:"model"`

	// SystemPrompt is appended to fresh spawns for this agent.
	SystemPrompt string `toml:"system_prompt"`
}

// SupervisorConfig tunes supervisor timing. All zero values take the
// defaults below.
type SupervisorConfig struct {
	// WatchdogTimeoutSeconds bounds how long an injected command may go
	// without any stdout activity before terminate-and-respawn.
	WatchdogTimeoutSeconds int `toml:"watchdog_timeout_seconds"`

	// CompleteDelayMillis delays the working->idle flip after a turn
	// completes so trailing output reaches subscribers first.
	CompleteDelayMillis int `toml:"complete_delay_ms"`

	// ReconcileIntervalSeconds is the status reconciliation period.
	ReconcileIntervalSeconds int `toml:"reconcile_interval_seconds"`

	// OrphanPollSeconds is how often persisted PID records are checked
	// for liveness. Lower values detect orphan exits sooner at the cost
	// of more signal-0 probes; this is deliberately a tunable.
	OrphanPollSeconds int `toml:"orphan_poll_seconds"`

	// ResumeStaggerMillis spaces out startup auto-resumes.
	ResumeStaggerMillis int `toml:"resume_stagger_ms"`

	// ActivityThresholdSeconds is how recent session-log activity must
	// be for the oracle to call an agent active.
	ActivityThresholdSeconds int `toml:"activity_threshold_seconds"`
}

// Default supervisor timing.
const (
	DefaultWatchdogTimeout   = 45 * time.Second
	DefaultCompleteDelay     = 500 * time.Millisecond
	DefaultReconcileInterval = 30 * time.Second
	DefaultOrphanPoll        = 45 * time.Second
	DefaultResumeStagger     = 1500 * time.Millisecond
	DefaultActivityThreshold = 90 * time.Second
)

// DefaultClaudeBinary is used when neither tower.toml nor
// TOWER_CLAUDE_BIN names one.
const DefaultClaudeBinary = "claude"

// DefaultConfig returns a config with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		Fleet: FleetConfig{Name: "fleet"},
		Claude: ClaudeConfig{
			Binary: DefaultClaudeBinary,
		},
		Agents: map[string]AgentConfig{},
	}
}

// Load reads tower.toml from the fleet root. A missing file returns
// defaults rather than an error so a bare directory still works.
func Load(root string) (*Config, error) {
	path := filepath.Join(root, constants.ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", constants.ConfigFile, err)
	}

	return cfg, nil
}

// ClaudeBinary resolves the claude executable: TOWER_CLAUDE_BIN wins,
// then tower.toml, then the default.
func (c *Config) ClaudeBinary() string {
	if env := os.Getenv(constants.EnvClaudeBinary); env != "" {
		return env
	}
	if c.Claude.Binary != "" {
		return c.Claude.Binary
	}
	return DefaultClaudeBinary
}

// AgentCwd resolves the working directory for a declared agent.
func (c *Config) AgentCwd(root, id string) string {
	ac := c.Agents[id]
	if ac.Cwd == "" {
		return filepath.Join(root, id)
	}
	if filepath.IsAbs(ac.Cwd) {
		return ac.Cwd
	}
	return filepath.Join(root, ac.Cwd)
}

// AgentModel resolves the model flag for an agent (agent override, then
// fleet default, then empty = CLI default).
func (c *Config) AgentModel(id string) string {
	if ac, ok := c.Agents[id]; ok && ac.Model != "" {
		return ac.Model
	}
	return c.Claude.Model
}

// AgentSystemPrompt returns the declared system prompt for an agent,
// empty when none is configured.
func (c *Config) AgentSystemPrompt(id string) string {
	return c.Agents[id].SystemPrompt
}

// WatchdogTimeout returns the configured watchdog timeout.
func (c *Config) WatchdogTimeout() time.Duration {
	return secondsOr(c.Supervisor.WatchdogTimeoutSeconds, DefaultWatchdogTimeout)
}

// CompleteDelay returns the delayed-idle interval.
func (c *Config) CompleteDelay() time.Duration {
	return millisOr(c.Supervisor.CompleteDelayMillis, DefaultCompleteDelay)
}

// ReconcileInterval returns the status reconciliation period.
func (c *Config) ReconcileInterval() time.Duration {
	return secondsOr(c.Supervisor.ReconcileIntervalSeconds, DefaultReconcileInterval)
}

// OrphanPoll returns the orphan PID liveness polling period.
func (c *Config) OrphanPoll() time.Duration {
	return secondsOr(c.Supervisor.OrphanPollSeconds, DefaultOrphanPoll)
}

// ResumeStagger returns the delay between startup auto-resumes.
func (c *Config) ResumeStagger() time.Duration {
	return millisOr(c.Supervisor.ResumeStaggerMillis, DefaultResumeStagger)
}

// ActivityThreshold returns the oracle recency threshold.
func (c *Config) ActivityThreshold() time.Duration {
	return secondsOr(c.Supervisor.ActivityThresholdSeconds, DefaultActivityThreshold)
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func millisOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
