package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/cmdqueue"
	"github.com/steveyegge/tower/internal/config"
	"github.com/steveyegge/tower/internal/daemon"
	"github.com/steveyegge/tower/internal/fleet"
	"github.com/steveyegge/tower/internal/style"
	"github.com/steveyegge/tower/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status [agent]",
	GroupID: GroupAgents,
	Short:   "Show fleet status",
	Long: `Show the daemon and every agent at a glance, or one agent in
detail when named.

Statuses come from the record store the daemon maintains; run
'tower sync' if you suspect they have drifted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return runAgentStatus(root, args[0])
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	store, err := loadStore(root)
	if err != nil {
		return err
	}

	title := cases.Title(language.English).String(cfg.Fleet.Name)
	records := store.All()

	running, pid, _ := daemon.IsRunning(root)
	daemonNote := ui.RenderMuted("daemon stopped")
	if running {
		daemonNote = fmt.Sprintf("daemon PID %d", pid)
	}
	fmt.Printf("%s %s (%d agent(s), %s)\n\n", style.Bold.Render(title), ui.RenderMuted(ui.ShortenPath(root)), len(records), daemonNote)

	if len(records) == 0 {
		fmt.Println(ui.RenderMuted("  No agents yet. Declare one in tower.toml and start the daemon."))
		return nil
	}

	tbl := style.NewTable(
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "STATUS", Width: 12},
		style.Column{Name: "TASK", Width: 34},
		style.Column{Name: "SESSION", Width: 9},
		style.Column{Name: "TASKS", Width: 5, Align: style.AlignRight},
		style.Column{Name: "UPDATED", Width: 10},
	)

	for _, rec := range records {
		task := rec.CurrentTask
		if task == "" {
			task = ui.RenderMuted("-")
		}
		if n, err := cmdqueue.New(root, rec.ID).Count(); err == nil && n > 0 {
			task = fmt.Sprintf("%s (+%d queued)", task, n)
		}

		tbl.AddRow(
			rec.ID,
			renderStatus(rec.Status),
			task,
			shortSession(rec.SessionID),
			fmt.Sprintf("%d", rec.TaskCount),
			ui.RelativeTime(rec.UpdatedAt),
		)
	}

	fmt.Print(tbl.Render())
	return nil
}

// runAgentStatus prints the full record for a single agent.
func runAgentStatus(root, id string) error {
	if err := resolveAgent(root, id); err != nil {
		return err
	}
	store, err := loadStore(root)
	if err != nil {
		return err
	}
	rec, ok := store.Get(id)
	if !ok {
		fmt.Printf("%s  %s\n", style.Bold.Render(id), style.Dim.Render("unregistered"))
		fmt.Println(ui.RenderMuted("  Declared in tower.toml but never started. Send it a command to spawn it."))
		return nil
	}

	fmt.Printf("%s  %s\n\n", style.Bold.Render(rec.ID), renderStatus(rec.Status))

	row := func(name, value string) {
		if value == "" {
			value = ui.RenderMuted("-")
		}
		fmt.Printf("  %-14s %s\n", name, value)
	}

	row("Session", rec.SessionID)
	row("Directory", ui.ShortenPath(rec.Cwd))
	row("Model", rec.Model)
	row("Current task", rec.CurrentTask)
	row("Current tool", rec.CurrentTool)
	row("Last task", rec.LastAssignedTask)
	if !rec.LastAssignedTaskTime.IsZero() {
		row("Assigned", ui.RelativeTime(rec.LastAssignedTaskTime))
	}
	row("Tasks done", fmt.Sprintf("%d", rec.TaskCount))
	if rec.ContextTokens > 0 {
		row("Context", fmt.Sprintf("%d tokens", rec.ContextTokens))
	}
	if rec.TotalCostUSD > 0 {
		row("Cost", fmt.Sprintf("$%.4f", rec.TotalCostUSD))
	}
	row("Updated", ui.RelativeTime(rec.UpdatedAt))

	if n, err := cmdqueue.New(root, rec.ID).Count(); err == nil && n > 0 {
		fmt.Printf("\n  %s\n", style.Yellow.Render(fmt.Sprintf("%d command(s) queued", n)))
	}
	return nil
}

// renderStatus colors a status label, with the icon when emoji are on.
func renderStatus(s agent.Status) string {
	label := s.Label()
	switch s {
	case agent.StatusWorking:
		label = style.Green.Render(label)
	case agent.StatusError:
		label = style.Red.Render(label)
	case agent.StatusDetached:
		label = style.Yellow.Render(label)
	default:
		label = style.Dim.Render(label)
	}
	if ui.ShouldUseEmoji() {
		return s.Icon() + " " + label
	}
	return label
}

// shortSession abbreviates a session UUID for table display.
func shortSession(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
