package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"camgate/internal/client"
	"camgate/internal/logging"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration
	var count int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach to the frame bus and print arriving frames",
		Long: "Connects to the shared memory segments directly (no IPC) and " +
			"prints one line per new frame, proving the daemon is publishing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			stdout := cmd.OutOrStdout()

			c, err := client.Connect(cfg, logging.NewNop())
			if err != nil {
				if errors.Is(err, client.ErrDaemonNotRunning) {
					return fmt.Errorf("no active daemon: %w (start it with `camgate start`)", err)
				}
				return err
			}
			defer c.Close()

			seen := 0
			lastAt := time.Time{}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}

				frame, ok, err := c.ReadLatestFrame()
				if err != nil {
					if errors.Is(err, client.ErrConnectionLost) {
						return fmt.Errorf("daemon heartbeat went stale: %w", err)
					}
					return err
				}
				if !ok {
					continue
				}

				gap := ""
				if !lastAt.IsZero() {
					gap = fmt.Sprintf(" +%s", frame.CapturedAt.Sub(lastAt).Round(time.Millisecond))
				}
				lastAt = frame.CapturedAt
				depth := "-"
				if frame.DepthValid {
					depth = fmt.Sprintf("%d bytes", len(frame.Depth))
				}
				fmt.Fprintf(stdout, "seq=%d %dx%d color=%d bytes depth=%s captured=%s%s\n",
					frame.Seq, frame.Width, frame.Height, len(frame.Color), depth,
					frame.CapturedAt.Format("15:04:05.000"), gap)

				seen++
				if count > 0 && seen >= count {
					return nil
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 50*time.Millisecond, "Polling interval")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many frames (0 = run until interrupted)")
	return cmd
}
