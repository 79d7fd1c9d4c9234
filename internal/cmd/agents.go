package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tower/internal/config"
	"github.com/steveyegge/tower/internal/fleet"
	"github.com/steveyegge/tower/internal/style"
	"github.com/steveyegge/tower/internal/ui"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	GroupID: GroupAgents,
	Short:   "List agents in this fleet",
	Long: `List every agent the fleet knows about: agents declared in
tower.toml plus any the daemon has seen. Agents declared but never
started show as unregistered.`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	store, err := loadStore(root)
	if err != nil {
		return err
	}

	ids, err := knownAgents(root)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println(ui.RenderMuted("No agents declared. Add an [agents.<name>] section to tower.toml."))
		return nil
	}

	tbl := style.NewTable(
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "STATUS", Width: 12},
		style.Column{Name: "MODEL", Width: 18},
		style.Column{Name: "SESSION", Width: 9},
		style.Column{Name: "CWD", Width: 36},
	)

	for _, id := range ids {
		rec, ok := store.Get(id)
		if !ok {
			tbl.AddRow(id, style.Dim.Render("unregistered"), modelFor(cfg, id), "-", ui.ShortenPath(cfg.AgentCwd(root, id)))
			continue
		}
		model := rec.Model
		if model == "" {
			model = modelFor(cfg, id)
		}
		tbl.AddRow(
			rec.ID,
			renderStatus(rec.Status),
			model,
			shortSession(rec.SessionID),
			ui.ShortenPath(rec.Cwd),
		)
	}

	fmt.Print(tbl.Render())
	return nil
}

func modelFor(cfg *config.Config, id string) string {
	if m := cfg.AgentModel(id); m != "" {
		return m
	}
	return ui.RenderMuted("default")
}
