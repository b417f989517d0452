// Package daemonctl orchestrates the daemon from the outside: launching
// the process, stopping it with SIGKILL escalation, probing liveness
// without IPC, and cleaning up shared memory segments that a crashed
// daemon left behind.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"camgate/internal/config"
	"camgate/internal/ipc"
	"camgate/internal/registry"
	"camgate/internal/shm"
)

var (
	// ErrDaemonNotRunning indicates daemon IPC is unavailable.
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrStartTimeout indicates the daemon never became active within the
	// start wait window.
	ErrStartTimeout = errors.New("daemon start timed out")
)

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	Synthetic  bool
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

// Launch starts a detached camgated process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	var args []string
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if opts.Synthetic {
		args = append(args, "--synthetic")
	}

	proc := exec.Command(executablePath, args...)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient waits for IPC socket availability and returns a connected
// client.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for daemon socket")
	}
	return nil, fmt.Errorf("%w: %v", ErrStartTimeout, lastErr)
}

// EnsureStarted launches the daemon if needed and waits for the metadata
// heartbeat to become active.
func EnsureStarted(cfg *config.Config, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	socketPath := cfg.SocketPath()

	if client, err := ipc.Dial(socketPath); err == nil {
		status, statusErr := client.Status()
		_ = client.Close()
		if statusErr == nil && status.State == "running" {
			return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
		}
	}

	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}

	// The daemon counts as started once the heartbeat in the metadata
	// segment is moving, not merely once the socket answers.
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		probe := ProbeSegments(cfg)
		if probe.HeartbeatFresh {
			result := StartResult{State: StartStateStarted, Launched: true, PID: probe.ProducerPID}
			if client, err := ipc.Dial(socketPath); err == nil {
				if status, statusErr := client.Status(); statusErr == nil {
					result.PID = status.PID
				}
				_ = client.Close()
			}
			return result, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return StartResult{}, fmt.Errorf("%w after %v", ErrStartTimeout, waitTimeout)
}

// WaitForShutdown waits for daemon IPC to disappear or report stopped.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			if isDaemonUnavailable(err) {
				return nil
			}
			lastErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		status, statusErr := client.Status()
		_ = client.Close()
		if statusErr == nil && status.State == "stopped" {
			return nil
		}
		if statusErr != nil {
			lastErr = statusErr
		} else {
			lastErr = errors.New("daemon still running")
		}
		time.Sleep(100 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for shutdown")
	}
	return fmt.Errorf("daemon did not stop: %w", lastErr)
}

// ForceKillProcess sends SIGKILL to the daemon process recorded in the
// PID file and removes the pid and lock files.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	data, err := os.ReadFile(pidPath)
	if err == nil {
		if parsed, parseErr := strconv.Atoi(strings.TrimSpace(string(data))); parseErr == nil && parsed > 0 {
			pid = parsed
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// SegmentCleanup reports the outcome of removing one segment.
type SegmentCleanup struct {
	Name    string
	Removed bool
	Err     error
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
	Segments         []SegmentCleanup
}

// StopAndTerminate requests daemon stop, escalates to SIGKILL if the
// process survives the grace period, and then unlinks the segment set,
// reporting per-segment results.
func StopAndTerminate(cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	socketPath := cfg.SocketPath()

	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}

	pid := 0
	if status, statusErr := client.Status(); statusErr == nil {
		pid = status.PID
	}
	resp, err := client.Stop()
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}
	result := StopResult{PID: pid}
	if resp != nil {
		result.StopAcknowledged = resp.Stopped
	}

	if waitErr := WaitForShutdown(socketPath, gracePeriod); waitErr != nil {
		killedPID, killErr := ForceKillProcess(cfg.PIDFilePath(), cfg.LockPath(), pid)
		if killErr != nil {
			return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
		}
		result.ForcedKill = true
		result.PID = killedPID
	}
	_ = os.Remove(socketPath)

	result.Segments = CleanupSegments(cfg)
	closeRunRecords(cfg, registry.EndStateStopped)
	return result, nil
}

// CleanupSegments unlinks all three segments and reports each outcome
// separately so partial failures are visible.
func CleanupSegments(cfg *config.Config) []SegmentCleanup {
	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)
	results := make([]SegmentCleanup, 0, 3)
	for _, name := range names.All() {
		removed, err := shm.Remove(cfg.SharedMemory.Dir, name)
		results = append(results, SegmentCleanup{Name: name, Removed: removed, Err: err})
	}
	return results
}

// Probe is the offline view of the daemon gathered without IPC.
type Probe struct {
	SegmentsPresent []string
	MetadataValid   bool
	HeartbeatFresh  bool
	HeartbeatAt     time.Time
	ProducerPID     int
	PIDAlive        bool
}

// ProbeSegments inspects the shared memory segments directly.
func ProbeSegments(cfg *config.Config) Probe {
	var probe Probe
	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)
	for _, name := range names.All() {
		if ok, _ := shm.Exists(cfg.SharedMemory.Dir, name); ok {
			probe.SegmentsPresent = append(probe.SegmentsPresent, name)
		}
	}

	seg, err := shm.Open(cfg.SharedMemory.Dir, names.Meta)
	if err != nil {
		return probe
	}
	defer seg.Close()
	view, err := shm.NewMetaView(seg)
	if err != nil || !view.Valid() {
		return probe
	}
	probe.MetadataValid = true
	_, probe.HeartbeatAt = view.Heartbeat()
	probe.HeartbeatFresh = !probe.HeartbeatAt.IsZero() &&
		time.Since(probe.HeartbeatAt) <= cfg.StalenessThreshold()
	probe.ProducerPID = view.ProducerPID()
	probe.PIDAlive = pidAlive(probe.ProducerPID)
	return probe
}

// Snapshot is the combined daemon view for status reporting.
type Snapshot struct {
	State   string
	Live    *ipc.StatusResponse
	Probe   Probe
	LastRun *registry.Run
}

// BuildSnapshot collects live status over IPC when possible, falling back
// to an offline probe that classifies crashed versus stopped.
func BuildSnapshot(ctx context.Context, cfg *config.Config) (Snapshot, error) {
	if client, err := ipc.Dial(cfg.SocketPath()); err == nil {
		status, statusErr := client.Status()
		_ = client.Close()
		if statusErr == nil {
			return Snapshot{State: status.State, Live: status, Probe: ProbeSegments(cfg)}, nil
		}
	}

	probe := ProbeSegments(cfg)
	snap := Snapshot{Probe: probe}

	if store, err := registry.Open(cfg); err == nil {
		if run, runErr := store.ActiveRun(ctx); runErr == nil && run != nil {
			snap.LastRun = run
		} else if history, histErr := store.History(ctx, 1); histErr == nil && len(history) > 0 {
			snap.LastRun = &history[0]
		}
		_ = store.Close()
	}

	switch {
	case probe.HeartbeatFresh && probe.PIDAlive:
		// Producer alive but its control socket is gone or unresponsive.
		snap.State = "running"
	case probe.MetadataValid && !probe.HeartbeatFresh && !probe.PIDAlive:
		snap.State = "crashed"
	default:
		snap.State = "stopped"
	}
	return snap, nil
}

// CleanupOrphans removes segments, socket, and pid file left behind by a
// dead daemon. It is idempotent and needs no live PID; the only refusal
// is a demonstrably fresh heartbeat from a live producer.
func CleanupOrphans(ctx context.Context, cfg *config.Config) ([]SegmentCleanup, error) {
	probe := ProbeSegments(cfg)
	if probe.HeartbeatFresh && probe.PIDAlive {
		return nil, fmt.Errorf("refusing cleanup: producer pid %d is alive with a fresh heartbeat (stop it first)", probe.ProducerPID)
	}

	results := CleanupSegments(cfg)
	_ = os.Remove(cfg.SocketPath())
	if err := os.Remove(cfg.PIDFilePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return results, fmt.Errorf("remove pid file: %w", err)
	}
	closeRunRecords(cfg, registry.EndStateCrashed)
	return results, nil
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(cfg *config.Config, executablePath string, opts LaunchOptions, stopGracePeriod, startWaitTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(cfg, stopGracePeriod)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(cfg, executablePath, opts, startWaitTimeout)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}

// closeRunRecords marks the open registry run with endState when its
// process is gone.
func closeRunRecords(cfg *config.Config, endState string) {
	store, err := registry.Open(cfg)
	if err != nil {
		return
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	run, err := store.ActiveRun(ctx)
	if err != nil || run == nil {
		return
	}
	if !pidAlive(run.PID) {
		_ = store.MarkEnded(ctx, run.RunID, endState, time.Now())
	}
}

// pidAlive reports whether a process with the given pid exists. EPERM
// still means the process is there, just not ours to signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
