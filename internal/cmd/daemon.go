package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/daemon"
	"github.com/steveyegge/tower/internal/fleet"
	"github.com/steveyegge/tower/internal/ui"
	"github.com/steveyegge/tower/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupServices,
	Short:   "Manage the tower daemon",
	RunE:    requireSubcommand,
	Long: `Manage the tower background daemon.

The daemon owns the agent subprocesses. It:
- Drains queued commands and delivers them to agents
- Watches running turns for stalls and respawns stuck agents
- Reconciles recorded agent statuses against observed evidence
- Resumes interrupted agents after a restart

One daemon runs per fleet; a file lock enforces the singleton.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start the tower daemon in the background.

The daemon will run until stopped with 'tower daemon stop'.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long: `Stop the running tower daemon.

Subprocesses are terminated, but agents mid-task keep their working
status and resume on the next start.`,
	RunE: runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	RunE:  runDaemonLogs,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run daemon in foreground (internal)",
	Hidden: true,
	RunE:   runDaemonRun,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Long:  `Stop and start the daemon. Useful after upgrading tower.`,
	RunE:  runDaemonRestart,
}

var (
	daemonLogLines  int
	daemonLogFollow bool
)

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonRunCmd)

	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 50, "Number of lines to show")
	daemonLogsCmd.Flags().BoolVarP(&daemonLogFollow, "follow", "f", false, "Follow log output")

	rootCmd.AddCommand(daemonCmd)
}

// spawnDaemon launches 'tower daemon run' detached and waits for it to
// claim the lock. Returns the PID recorded by the winner.
func spawnDaemon(root string) (int, error) {
	towerPath, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("finding executable: %w", err)
	}

	proc := exec.Command(towerPath, "daemon", "run")
	proc.Dir = root

	// Detach from terminal
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil

	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon: %w", err)
	}

	// Poll with backoff until the child has acquired the lock and
	// written its PID file.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pid, err := util.Retry(ctx, util.RetryConfig{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
	}, func() (int, error) {
		running, pid, err := daemon.IsRunning(root)
		if err != nil {
			// A corrupt PID file will not fix itself.
			return 0, util.MarkPermanent(err)
		}
		if !running {
			return 0, errors.New("daemon not ready")
		}
		return pid, nil
	})
	if err != nil {
		return 0, fmt.Errorf("daemon failed to start (check logs with 'tower daemon logs'): %w", err)
	}
	return pid, nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	// Check if already running
	running, pid, err := daemon.IsRunning(root)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	pid, err = spawnDaemon(root)
	if err != nil {
		return err
	}

	fmt.Printf("%s Daemon started (PID %d, v%s)\n", ui.RenderPassIcon(), pid, Version)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	running, pid, err := daemon.IsRunning(root)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	if err := daemon.StopDaemon(root); err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}

	fmt.Printf("%s Daemon stopped (was PID %d)\n", ui.RenderPassIcon(), pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	running, pid, err := daemon.IsRunning(root)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}

	if running {
		state, err := daemon.LoadState(root)

		fmt.Printf("%s Daemon running (PID %d, v%s)\n",
			ui.RenderPassIcon(), pid, Version)
		fmt.Println()

		fmt.Printf("  Fleet:      %s\n", ui.ShortenPath(root))

		if err == nil && !state.StartedAt.IsZero() {
			fmt.Printf("  Started:    %s (%s)\n",
				state.StartedAt.Format("2006-01-02 15:04:05"),
				ui.RelativeTime(state.StartedAt))

			if !state.LastHeartbeat.IsZero() {
				fmt.Printf("  Heartbeat:  #%d (%s)\n",
					state.HeartbeatCount,
					ui.RelativeTime(state.LastHeartbeat))
			}
		}

		fmt.Printf("  Log:        %s\n", ui.ShortenPath(constants.DaemonLogPath(root)))

		// Version mismatch warning: binary rebuilt since daemon start
		if err == nil && !state.StartedAt.IsZero() {
			if binaryModTime, err := getBinaryModTime(); err == nil {
				if binaryModTime.After(state.StartedAt) {
					fmt.Println()
					fmt.Printf("  %s Binary updated since daemon start\n", ui.RenderWarnIcon())
					fmt.Printf("    Run: %s\n", ui.RenderMuted("tower daemon restart"))
				}
			}
		}
	} else {
		fmt.Printf("%s Daemon not running\n", ui.RenderMuted("○"))
		fmt.Println()
		fmt.Printf("  Fleet:      %s\n", ui.ShortenPath(root))
		fmt.Println()
		fmt.Printf("  Start with: %s\n", ui.RenderMuted("tower daemon start"))
	}

	return nil
}

// getBinaryModTime returns the modification time of the current executable
func getBinaryModTime() (time.Time, error) {
	exePath, err := os.Executable()
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(exePath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	logFile := constants.DaemonLogPath(root)

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		return fmt.Errorf("no log file found at %s", logFile)
	}

	if daemonLogFollow {
		tailCmd := exec.Command("tail", "-f", logFile)
		tailCmd.Stdout = os.Stdout
		tailCmd.Stderr = os.Stderr
		return tailCmd.Run()
	}

	tailCmd := exec.Command("tail", "-n", fmt.Sprintf("%d", daemonLogLines), logFile)
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr
	return tailCmd.Run()
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.DefaultConfig(root))
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	return d.Run()
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	root, err := fleet.FindFromCwdOrError()
	if err != nil {
		return err
	}

	// Check if running and stop if so
	running, pid, err := daemon.IsRunning(root)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}

	if running {
		fmt.Printf("Stopping daemon (PID %d)...\n", pid)
		if err := daemon.StopDaemon(root); err != nil {
			return fmt.Errorf("stopping daemon: %w", err)
		}
		// Brief pause to ensure clean shutdown
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Println("Starting daemon...")
	newPid, err := spawnDaemon(root)
	if err != nil {
		return err
	}

	if pid > 0 {
		fmt.Printf("%s Daemon restarted (PID %d → %d, v%s)\n",
			ui.RenderPassIcon(), pid, newPid, Version)
	} else {
		fmt.Printf("%s Daemon started (PID %d, v%s)\n",
			ui.RenderPassIcon(), newPid, Version)
	}
	return nil
}
