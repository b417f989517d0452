package main

import (
	"github.com/spf13/cobra"

	"camgate/internal/daemonrun"
)

// newDaemonRunCommand runs the daemon in the foreground inside the CLI
// binary. Useful under systemd or while debugging; `camgate start` launches
// the standalone camgated binary instead.
func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var synthetic bool
	var logLevel string
	cmd := &cobra.Command{
		Use:          "daemon",
		Short:        "Run the camgate daemon in the foreground",
		Hidden:       true,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:  logLevel,
				Synthetic: synthetic,
			})
		},
	}
	cmd.Flags().BoolVar(&synthetic, "synthetic", false, "Capture from the built-in synthetic camera instead of hardware")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}
