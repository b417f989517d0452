package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"camgate/internal/daemonctl"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 5 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startSynthetic bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the camgate daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.configValue(),
				exe,
				daemonLaunchOptions(ctx, startSynthetic),
				startWaitTimeout,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			}
			return nil
		},
	}
	startCmd.Flags().BoolVar(&startSynthetic, "synthetic", false, "Capture from the built-in synthetic camera instead of hardware")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the camgate daemon and remove its segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not stop in time, killed pid %d\n", result.PID)
			}
			printSegmentCleanup(stdout, result.Segments)
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var restartSynthetic bool
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the camgate daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.Restart(
				ctx.configValue(),
				exe,
				daemonLaunchOptions(ctx, restartSynthetic),
				stopGracePeriod,
				startWaitTimeout,
			)
			if err != nil {
				return err
			}

			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Daemon did not stop in time, killed pid %d\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintln(stdout, "Daemon restarted")
			return nil
		},
	}
	restartCmd.Flags().BoolVar(&restartSynthetic, "synthetic", false, "Capture from the built-in synthetic camera instead of hardware")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, segment, and last-run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemonctl.BuildSnapshot(cmd.Context(), ctx.configValue())
			if err != nil {
				return err
			}
			renderSnapshot(cmd.OutOrStdout(), ctx.configValue(), snap)
			return nil
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove shared memory segments left behind by a dead daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			results, err := daemonctl.CleanupOrphans(cmd.Context(), ctx.configValue())
			if err != nil {
				return err
			}
			printSegmentCleanup(stdout, results)
			fmt.Fprintln(stdout, "Cleanup complete")
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd, cleanupCmd}
}

func printSegmentCleanup(stdout io.Writer, results []daemonctl.SegmentCleanup) {
	for _, res := range results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(stdout, "Segment %s: cleanup failed: %v\n", res.Name, res.Err)
		case res.Removed:
			fmt.Fprintf(stdout, "Segment %s: removed\n", res.Name)
		default:
			fmt.Fprintf(stdout, "Segment %s: already gone\n", res.Name)
		}
	}
}

// daemonExecutable locates the camgated binary, preferring one installed
// next to the CLI.
func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	sibling := filepath.Join(filepath.Dir(exe), "camgated")
	if info, statErr := os.Stat(sibling); statErr == nil && !info.IsDir() {
		return sibling, nil
	}
	path, lookErr := exec.LookPath("camgated")
	if lookErr != nil {
		return "", fmt.Errorf("locate camgated binary: %w", lookErr)
	}
	return path, nil
}

func daemonLaunchOptions(ctx *commandContext, synthetic bool) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{Synthetic: synthetic}
	if config := ctx.configPath(); config != "" {
		opts.ConfigPath = config
	}
	return opts
}

func formatBytes(size int64) string {
	const unit = 1024
	if size < unit {
		return strconv.FormatInt(size, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
