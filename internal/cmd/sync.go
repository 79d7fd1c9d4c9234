package cmd

import (
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tower/internal/config"
	"github.com/steveyegge/tower/internal/daemon"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/fleet"
	"github.com/steveyegge/tower/internal/style"
	"github.com/steveyegge/tower/internal/supervisor"
)

var syncCmd = &cobra.Command{
	Use:     "sync [agent]",
	GroupID: GroupAgents,
	Short:   "Reconcile agent statuses against reality",
	Long: `Re-derive agent statuses from the evidence on disk: tracked PIDs,
session transcripts, and orphaned processes.

With the daemon running this nudges it to reconcile immediately.
Without it, the reconcile runs in-process against the same state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if err := resolveAgent(root, args[0]); err != nil {
			return err
		}
	}

	if running, pid, _ := daemon.IsRunning(root); running {
		if err := daemon.Wake(pid); err != nil {
			return fmt.Errorf("waking daemon PID %d: %w", pid, err)
		}
		fmt.Printf("%s Asked daemon (PID %d) to reconcile\n", style.SuccessPrefix, pid)
		return nil
	}

	// Daemon down: reconcile here from on-disk evidence.
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	store, err := loadStore(root)
	if err != nil {
		return err
	}
	bus := eventbus.New()
	defer bus.Close()
	sup := supervisor.New(root, cfg, store, bus, log.New(io.Discard, "", 0))

	if len(args) == 1 {
		id := args[0]
		if err := sup.SyncAgentStatus(id); err != nil {
			return err
		}
		if rec, ok := store.Get(id); ok {
			fmt.Printf("%s %s is %s\n", style.SuccessPrefix, style.Bold.Render(id), renderStatus(rec.Status))
		}
		return nil
	}

	sup.PollOrphans()
	sup.SyncAllAgentStatus()
	for _, rec := range store.All() {
		fmt.Printf("  %-14s %s\n", rec.ID, renderStatus(rec.Status))
	}
	fmt.Printf("%s Reconciled %d agent(s)\n", style.SuccessPrefix, len(store.All()))
	return nil
}
