package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tower/internal/daemon"
	"github.com/steveyegge/tower/internal/fleet"
	"github.com/steveyegge/tower/internal/style"
	"github.com/steveyegge/tower/internal/ui"
)

var resumeClear bool

var resumeCmd = &cobra.Command{
	Use:     "resume",
	GroupID: GroupAgents,
	Short:   "Show agents the daemon will resume at startup",
	Long: `List agents whose last known status says work was in progress. The
daemon resumes these automatically when it starts; this command shows
what that resume pass would pick up.

--clear marks them idle instead, so the next daemon start leaves them
alone.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeClear, "clear", false, "mark pending agents idle instead of listing them")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}
	store, err := loadStore(root)
	if err != nil {
		return err
	}

	pending := store.PendingResume()
	if len(pending) == 0 {
		fmt.Println(ui.RenderMuted("No agents pending resume."))
		return nil
	}

	if resumeClear {
		for _, entry := range pending {
			if err := store.ClearPendingResume(entry.ID); err != nil {
				return fmt.Errorf("clearing %s: %w", entry.ID, err)
			}
			fmt.Printf("%s Cleared %s\n", style.SuccessPrefix, style.Bold.Render(entry.ID))
		}
		return nil
	}

	fmt.Printf("%d agent(s) pending resume:\n\n", len(pending))
	for _, entry := range pending {
		task := entry.LastTask
		if task == "" {
			task = ui.RenderMuted("(no recorded task)")
		}
		fmt.Printf("  %s %s\n    %s\n", style.ArrowPrefix, style.Bold.Render(entry.ID), task)
	}

	if running, _, _ := daemon.IsRunning(root); !running {
		fmt.Printf("\n%s\n", ui.RenderMuted("Start the daemon to resume them: tower daemon start"))
	}
	return nil
}
