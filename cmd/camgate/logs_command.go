package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"camgate/internal/ipc"
	"camgate/internal/logs"
)

const followWait = 2 * time.Second

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()

			client, err := ctx.dialClient()
			if err != nil {
				// A stopped daemon still has logs on disk worth showing.
				return tailOffline(cmd, ctx, lines, follow)
			}
			defer client.Close()

			resp, err := client.LogTail(ipc.LogTailRequest{Limit: lines})
			if err != nil {
				return fmt.Errorf("tail logs: %w", err)
			}
			for _, line := range resp.Lines {
				fmt.Fprintln(stdout, line)
			}
			if !follow {
				return nil
			}

			offset := resp.Offset
			for {
				if err := cmd.Context().Err(); err != nil {
					return nil
				}
				next, err := client.LogTail(ipc.LogTailRequest{
					Offset:     offset,
					Follow:     true,
					WaitMillis: int(followWait / time.Millisecond),
				})
				if err != nil {
					return fmt.Errorf("follow logs: %w", err)
				}
				for _, line := range next.Lines {
					fmt.Fprintln(stdout, line)
				}
				offset = next.Offset
			}
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 40, "Number of trailing log lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new log lines")
	return cmd
}

func tailOffline(cmd *cobra.Command, ctx *commandContext, lines int, follow bool) error {
	cfg := ctx.configValue()
	if cfg == nil {
		return fmt.Errorf("no configuration available")
	}
	path, err := logs.LatestLogFile(cfg.Paths.LogDir)
	if err != nil {
		return fmt.Errorf("locate log file: %w", err)
	}
	if path == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "No daemon logs found")
		return nil
	}

	stdout := cmd.OutOrStdout()
	result, err := logs.Tail(cmd.Context(), path, logs.TailOptions{Limit: lines})
	if err != nil {
		return fmt.Errorf("tail %s: %w", path, err)
	}
	for _, line := range result.Lines {
		fmt.Fprintln(stdout, line)
	}
	if !follow {
		return nil
	}

	offset := result.Offset
	for {
		if err := cmd.Context().Err(); err != nil {
			return nil
		}
		next, err := logs.Tail(cmd.Context(), path, logs.TailOptions{
			Offset: offset,
			Follow: true,
			Wait:   followWait,
		})
		if err != nil {
			return fmt.Errorf("follow %s: %w", path, err)
		}
		for _, line := range next.Lines {
			fmt.Fprintln(stdout, line)
		}
		offset = next.Offset
	}
}
