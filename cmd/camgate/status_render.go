package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"camgate/internal/config"
	"camgate/internal/daemonctl"
	"camgate/internal/logs"
	"camgate/internal/shm"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderSnapshot(stdout io.Writer, cfg *config.Config, snap daemonctl.Snapshot) {
	colorize := shouldColorize(stdout)

	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout, renderStatusLine("State", stateKind(snap.State), snap.State, colorize))

	if snap.Live != nil {
		live := snap.Live
		fmt.Fprintln(stdout, renderStatusLine("PID", statusInfo, fmt.Sprintf("%d", live.PID), colorize))
		fmt.Fprintln(stdout, renderStatusLine("Run ID", statusInfo, live.RunID, colorize))
		fmt.Fprintln(stdout, renderStatusLine("Uptime", statusInfo, (time.Duration(live.UptimeSeconds)*time.Second).String(), colorize))
		fmt.Fprintln(stdout, renderStatusLine("Device", statusInfo, live.Device, colorize))
		fmt.Fprintln(stdout, renderStatusLine("Synthetic", statusInfo, yesNo(live.Synthetic), colorize))
		if live.DeviceAbsent {
			fmt.Fprintln(stdout, renderStatusLine("Device present", statusWarn, "unplugged, waiting for replug", colorize))
		}
		fmt.Fprintln(stdout, renderStatusLine("Last sequence", statusInfo, fmt.Sprintf("%d", live.LastSeq), colorize))
		if live.MetricsAddr != "" {
			fmt.Fprintln(stdout, renderStatusLine("Metrics", statusInfo, live.MetricsAddr, colorize))
		}
		if strings.TrimSpace(live.LastError) != "" {
			fmt.Fprintln(stdout, renderStatusLine("Last error", statusError, live.LastError, colorize))
		}
	} else if snap.LastRun != nil {
		run := snap.LastRun
		fmt.Fprintln(stdout, renderStatusLine("Last run", statusInfo, run.RunID, colorize))
		fmt.Fprintln(stdout, renderStatusLine("Last PID", statusInfo, fmt.Sprintf("%d", run.PID), colorize))
		if run.Ended() {
			detail := fmt.Sprintf("%s at %s", run.EndState, run.EndedAt.Local().Format(time.RFC3339))
			kind := statusInfo
			if run.EndState != "stopped" {
				kind = statusWarn
			}
			fmt.Fprintln(stdout, renderStatusLine("Ended", kind, detail, colorize))
		}
	}

	fmt.Fprintln(stdout)
	for _, line := range renderSectionHeader("Shared Memory", colorize) {
		fmt.Fprintln(stdout, line)
	}
	rows := segmentRows(cfg, snap)
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No segments present")
		return
	}
	fmt.Fprintln(stdout, renderTable([]string{"Segment", "Present", "Size"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))

	if snap.Probe.MetadataValid {
		freshness := "stale"
		kind := statusWarn
		if snap.Probe.HeartbeatFresh {
			freshness = fmt.Sprintf("fresh (%s ago)", time.Since(snap.Probe.HeartbeatAt).Round(time.Millisecond))
			kind = statusOK
		} else if !snap.Probe.HeartbeatAt.IsZero() {
			freshness = fmt.Sprintf("stale (last beat %s ago)", time.Since(snap.Probe.HeartbeatAt).Round(time.Second))
		}
		fmt.Fprintln(stdout, renderStatusLine("Heartbeat", kind, freshness, colorize))
	}

	renderRecentLogs(stdout, cfg, snap, colorize)
}

const statusLogLines = 5

func renderRecentLogs(stdout io.Writer, cfg *config.Config, snap daemonctl.Snapshot, colorize bool) {
	path := ""
	if snap.Live != nil {
		path = snap.Live.LogPath
	}
	if path == "" {
		latest, err := logs.LatestLogFile(cfg.Paths.LogDir)
		if err != nil || latest == "" {
			return
		}
		path = latest
	}

	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Limit: statusLogLines})
	if err != nil || len(result.Lines) == 0 {
		return
	}

	fmt.Fprintln(stdout)
	for _, line := range renderSectionHeader("Recent Logs", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, line := range result.Lines {
		fmt.Fprintln(stdout, statusIndent+line)
	}
}

func segmentRows(cfg *config.Config, snap daemonctl.Snapshot) [][]string {
	if snap.Live != nil && len(snap.Live.Segments) > 0 {
		rows := make([][]string, 0, len(snap.Live.Segments))
		for _, seg := range snap.Live.Segments {
			rows = append(rows, []string{seg.Name, "yes", formatBytes(int64(seg.Size))})
		}
		return rows
	}

	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)
	rows := make([][]string, 0, 3)
	any := false
	for _, name := range names.All() {
		present, size := shm.Exists(cfg.SharedMemory.Dir, name)
		if present {
			any = true
			rows = append(rows, []string{name, "yes", formatBytes(size)})
		} else {
			rows = append(rows, []string{name, "no", "-"})
		}
	}
	if !any {
		return nil
	}
	return rows
}

func stateKind(state string) statusKind {
	switch state {
	case "running":
		return statusOK
	case "crashed":
		return statusError
	case "starting", "stopping":
		return statusWarn
	default:
		return statusInfo
	}
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
