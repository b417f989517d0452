package daemonctl_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"camgate/internal/camera"
	"camgate/internal/config"
	"camgate/internal/daemon"
	"camgate/internal/daemonctl"
	"camgate/internal/ipc"
	"camgate/internal/logging"
	"camgate/internal/registry"
	"camgate/internal/shm"
	"camgate/internal/testsupport"
)

// deadPID is above the kernel's default pid_max, so no live process can
// ever hold it.
const deadPID = 1 << 23

// writeSegmentSet lays down a full segment triple the way a producer would,
// stamping the metadata with the given pid and heartbeat time.
func writeSegmentSet(t *testing.T, cfg *config.Config, pid int, beatAt time.Time) {
	t.Helper()
	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)

	rgb, err := shm.Create(cfg.SharedMemory.Dir, names.RGB, shm.RGBSize(cfg.Camera.Width, cfg.Camera.Height))
	if err != nil {
		t.Fatalf("create rgb segment: %v", err)
	}
	defer rgb.Close()
	depth, err := shm.Create(cfg.SharedMemory.Dir, names.Depth, shm.DepthSize(cfg.Camera.Width, cfg.Camera.Height))
	if err != nil {
		t.Fatalf("create depth segment: %v", err)
	}
	defer depth.Close()
	meta, err := shm.Create(cfg.SharedMemory.Dir, names.Meta, shm.MetadataSize)
	if err != nil {
		t.Fatalf("create meta segment: %v", err)
	}
	defer meta.Close()

	view, err := shm.NewMetaView(meta)
	if err != nil {
		t.Fatalf("meta view: %v", err)
	}
	view.Init(pid, cfg.Camera.Width, cfg.Camera.Height)
	if !beatAt.IsZero() {
		view.Beat(beatAt)
	}
}

func segmentCount(cfg *config.Config) int {
	count := 0
	for _, name := range shm.SegmentNames(cfg.SharedMemory.NamePrefix).All() {
		if ok, _ := shm.Exists(cfg.SharedMemory.Dir, name); ok {
			count++
		}
	}
	return count
}

func TestProbeSegmentsEmpty(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	probe := daemonctl.ProbeSegments(cfg)
	if len(probe.SegmentsPresent) != 0 {
		t.Fatalf("expected no segments, got %v", probe.SegmentsPresent)
	}
	if probe.MetadataValid || probe.HeartbeatFresh {
		t.Fatalf("empty directory should not look like a live daemon: %+v", probe)
	}
}

func TestProbeSegmentsFreshHeartbeat(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	writeSegmentSet(t, cfg, os.Getpid(), time.Now())

	probe := daemonctl.ProbeSegments(cfg)
	if len(probe.SegmentsPresent) != 3 {
		t.Fatalf("expected 3 segments, got %v", probe.SegmentsPresent)
	}
	if !probe.MetadataValid {
		t.Fatal("metadata should validate")
	}
	if !probe.HeartbeatFresh {
		t.Fatalf("heartbeat written just now should be fresh (at %v, threshold %v)", probe.HeartbeatAt, cfg.StalenessThreshold())
	}
	if probe.ProducerPID != os.Getpid() || !probe.PIDAlive {
		t.Fatalf("expected own live pid, got pid=%d alive=%v", probe.ProducerPID, probe.PIDAlive)
	}
}

func TestCleanupOrphansRemovesStaleSegments(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	writeSegmentSet(t, cfg, deadPID, time.Now().Add(-time.Hour))

	results, err := daemonctl.CleanupOrphans(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 cleanup results, got %d", len(results))
	}
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("segment %s cleanup failed: %v", res.Name, res.Err)
		}
		if !res.Removed {
			t.Fatalf("segment %s should have been removed", res.Name)
		}
	}
	if n := segmentCount(cfg); n != 0 {
		t.Fatalf("expected empty segment dir, %d remain", n)
	}

	// Idempotent: a second pass finds nothing and reports no errors.
	again, err := daemonctl.CleanupOrphans(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second CleanupOrphans: %v", err)
	}
	for _, res := range again {
		if res.Removed || res.Err != nil {
			t.Fatalf("second pass should be a no-op, got %+v", res)
		}
	}
}

func TestCleanupOrphansRefusesLiveProducer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	writeSegmentSet(t, cfg, os.Getpid(), time.Now())

	if _, err := daemonctl.CleanupOrphans(context.Background(), cfg); err == nil {
		t.Fatal("expected refusal while heartbeat is fresh and producer alive")
	}
	if n := segmentCount(cfg); n != 3 {
		t.Fatalf("refused cleanup must not remove segments, %d remain", n)
	}
}

func TestCleanupOrphansClosesCrashedRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	store, err := registry.Open(cfg)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	run := registry.Run{
		RunID:         "crashed-run",
		PID:           deadPID,
		StartedAt:     time.Now().Add(-time.Minute),
		LastAliveAt:   time.Now().Add(-time.Minute),
		Device:        "synthetic",
		SegmentPrefix: cfg.SharedMemory.NamePrefix,
	}
	if err := store.Begin(ctx, run); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close registry: %v", err)
	}

	writeSegmentSet(t, cfg, deadPID, time.Now().Add(-time.Hour))
	if _, err := daemonctl.CleanupOrphans(ctx, cfg); err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}

	store, err = registry.Open(cfg)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	defer store.Close()
	active, err := store.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	if active != nil {
		t.Fatalf("run should have been closed, still active: %+v", active)
	}
	history, err := store.History(ctx, 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("history: %v (%d rows)", err, len(history))
	}
	if history[0].EndState != registry.EndStateCrashed {
		t.Fatalf("expected end state %q, got %q", registry.EndStateCrashed, history[0].EndState)
	}
}

func TestBuildSnapshotClassifiesCrash(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	writeSegmentSet(t, cfg, deadPID, time.Now().Add(-time.Hour))

	snap, err := daemonctl.BuildSnapshot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if snap.State != "crashed" {
		t.Fatalf("stale segments with a dead pid should classify as crashed, got %q", snap.State)
	}
}

func TestBuildSnapshotStoppedWhenClean(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	snap, err := daemonctl.BuildSnapshot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if snap.State != "stopped" {
		t.Fatalf("no segments and no socket should classify as stopped, got %q", snap.State)
	}
	if snap.Live != nil {
		t.Fatal("offline snapshot should carry no live status")
	}
}

func TestForceKillProcessRefusesSelf(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "camgated.pid")
	if err := os.WriteFile(pidPath, []byte("  "+strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	if _, err := daemonctl.ForceKillProcess(pidPath, "", 0); err == nil {
		t.Fatal("expected refusal to kill own pid")
	}
}

func TestStopAndTerminateWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	_, err := daemonctl.StopAndTerminate(cfg, time.Second)
	if !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestWaitForShutdownMissingSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "camgated.sock")
	if err := daemonctl.WaitForShutdown(socket, time.Second); err != nil {
		t.Fatalf("missing socket should count as shut down: %v", err)
	}
}

func TestStopAndTerminateAgainstLiveDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	logPath := filepath.Join(cfg.Paths.LogDir, "camgated-ctl-test.log")

	store, err := registry.Open(cfg)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	factory := func() camera.Device {
		return camera.NewSynthetic(camera.Config{
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		})
	}
	d, err := daemon.New(cfg, store, logging.NewNop(), factory, nil, "ctl-test-run", logPath)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, err := ipc.NewServer(ctx, cfg.SocketPath(), d, logging.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping socket-backed test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}

	result, err := daemonctl.StopAndTerminate(cfg, 5*time.Second)
	if err != nil {
		t.Fatalf("StopAndTerminate: %v", err)
	}
	if !result.StopAcknowledged {
		t.Fatal("stop should have been acknowledged over IPC")
	}
	if result.ForcedKill {
		t.Fatal("a cooperative daemon must not be SIGKILLed")
	}
	if len(result.Segments) != 3 {
		t.Fatalf("expected 3 segment cleanup results, got %d", len(result.Segments))
	}
	for _, res := range result.Segments {
		if res.Err != nil {
			t.Fatalf("segment %s cleanup failed: %v", res.Name, res.Err)
		}
	}
	if n := segmentCount(cfg); n != 0 {
		t.Fatalf("expected segments removed after stop, %d remain", n)
	}
}
