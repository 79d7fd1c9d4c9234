package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/cmdqueue"
	"github.com/steveyegge/tower/internal/daemon"
	"github.com/steveyegge/tower/internal/fleet"
	"github.com/steveyegge/tower/internal/pidtrack"
	"github.com/steveyegge/tower/internal/style"
)

var stopCmd = &cobra.Command{
	Use:     "stop <agent>",
	GroupID: GroupAgents,
	Short:   "Stop an agent's subprocess",
	Long: `Terminate an agent's headless session. The agent record keeps its
session id, so a later 'tower send' resumes the same conversation.

With the daemon running the stop is queued and delivered like any other
command. Without it, the tracked process is terminated directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}
	id := args[0]
	if err := resolveAgent(root, id); err != nil {
		return err
	}

	running, pid, _ := daemon.IsRunning(root)
	if running {
		entry := cmdqueue.Entry{Stop: true, Timestamp: time.Now().UnixMilli()}
		if err := cmdqueue.New(root, id).Enqueue(entry); err != nil {
			return fmt.Errorf("queueing stop: %w", err)
		}
		_ = daemon.Wake(pid)
		fmt.Printf("%s Stop queued for %s\n", style.SuccessPrefix, style.Bold.Render(id))
		return nil
	}

	// No daemon: terminate the tracked process ourselves.
	agentPid, ok := pidtrack.Read(root, id)
	if !ok || !pidtrack.Alive(agentPid) {
		pidtrack.Untrack(root, id)
		fmt.Printf("%s is not running\n", style.Bold.Render(id))
		return nil
	}
	if err := pidtrack.Terminate(agentPid); err != nil {
		return fmt.Errorf("terminating PID %d: %w", agentPid, err)
	}
	pidtrack.Untrack(root, id)

	store, err := loadStore(root)
	if err != nil {
		return err
	}
	if _, ok := store.Get(id); ok {
		if _, err := store.Update(id, func(rec *agent.Record) {
			rec.Status = agent.StatusIdle
			rec.CurrentTask = ""
			rec.CurrentTool = ""
		}); err != nil {
			return fmt.Errorf("updating record for %s: %w", id, err)
		}
	}
	fmt.Printf("%s Stopped %s (PID %d)\n", style.SuccessPrefix, style.Bold.Render(id), agentPid)
	return nil
}
