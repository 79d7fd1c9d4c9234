package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tower/internal/cmdqueue"
	"github.com/steveyegge/tower/internal/daemon"
	"github.com/steveyegge/tower/internal/fleet"
	"github.com/steveyegge/tower/internal/ui"
)

var sendCmd = &cobra.Command{
	Use:     "send <agent> <command...>",
	GroupID: GroupAgents,
	Short:   "Send a command to an agent",
	Long: `Queue a command for an agent.

The daemon delivers queued commands in order: injected into the
agent's running subprocess when it has one, otherwise resumed into its
recorded session, otherwise a fresh session is spawned.

Commands queued while the daemon is down are delivered when it next
starts.`,
	Example: `  tower send builder "run the test suite and fix failures"
  tower send builder --fresh "start over: summarize the repo layout"
  tower send reviewer --silent "status check"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

var (
	sendFresh        bool
	sendSilent       bool
	sendSystemPrompt string
)

func init() {
	sendCmd.Flags().BoolVar(&sendFresh, "fresh", false, "Abandon the recorded session and spawn a new one")
	sendCmd.Flags().BoolVar(&sendSilent, "silent", false, "Deliver without recording a task (health checks)")
	sendCmd.Flags().StringVar(&sendSystemPrompt, "system-prompt", "", "Extra system prompt if this send spawns a session")

	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	id := args[0]
	text := strings.TrimSpace(strings.Join(args[1:], " "))
	if text == "" {
		return fmt.Errorf("empty command")
	}

	if err := resolveAgent(root, id); err != nil {
		return err
	}

	q := cmdqueue.New(root, id)
	if err := q.Enqueue(cmdqueue.Entry{
		Text:         text,
		Fresh:        sendFresh,
		Silent:       sendSilent,
		SystemPrompt: sendSystemPrompt,
	}); err != nil {
		return fmt.Errorf("queueing command: %w", err)
	}

	running, pid, _ := daemon.IsRunning(root)
	if running {
		// Best-effort nudge; the queue watcher catches it regardless.
		_ = daemon.Wake(pid)
		fmt.Printf("%s Queued for %s\n", ui.RenderPassIcon(), id)
	} else {
		fmt.Printf("%s Queued for %s\n", ui.RenderPassIcon(), id)
		fmt.Printf("  %s daemon not running; delivers on next start (%s)\n",
			ui.RenderWarnIcon(), ui.RenderMuted("tower daemon start"))
	}
	return nil
}
