package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tower/internal/dash"
	"github.com/steveyegge/tower/internal/fleet"
)

var dashCmd = &cobra.Command{
	Use:     "dash",
	GroupID: GroupDiag,
	Short:   "Live fleet dashboard",
	Long: `Full-screen dashboard: agent table, live event feed, and the
selected agent's last answer. Reads the same files the daemon writes,
so it works whether or not the daemon is up.`,
	Args: cobra.NoArgs,
	RunE: runDash,
}

func init() {
	rootCmd.AddCommand(dashCmd)
}

func runDash(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	m, err := dash.New(root)
	if err != nil {
		return err
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}
