// Package daemonrun assembles and runs the camgated daemon process:
// logging, pid file, registry, capture daemon, and IPC server.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"camgate/internal/camera"
	"camgate/internal/config"
	"camgate/internal/daemon"
	"camgate/internal/ipc"
	"camgate/internal/logging"
	"camgate/internal/metrics"
	"camgate/internal/registry"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel  string
	Synthetic bool
}

// Run starts the camgate daemon runtime loop. It returns once the daemon
// stops, whether by signal or by an unrecoverable capture failure.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.Synthetic {
		cfg.Camera.Synthetic = true
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := uuid.NewString()
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("camgated-%s.log", runID))

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update camgated.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "camgated-*.log", Exclude: []string{logPath}},
	)

	pidPath := cfg.PIDFilePath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := registry.Open(cfg)
	if err != nil {
		logger.Error("open run registry", logging.Error(err))
		return err
	}
	defer store.Close()

	var met *metrics.Metrics
	if cfg.Metrics.Enabled {
		met = metrics.New()
	}

	factory := deviceFactory(cfg)
	d, err := daemon.New(cfg, store, logger, factory, met, runID, logPath)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed", logging.Error(err))
		return err
	}
	logger.Info("camgate daemon running",
		logging.String("run_id", runID),
		logging.String("socket", cfg.SocketPath()),
		logging.Bool("synthetic", cfg.Camera.Synthetic),
	)

	select {
	case <-signalCtx.Done():
		logger.Info("camgate daemon shutting down")
		d.Stop()
		return nil
	case <-d.Done():
		// Capture failed terminally (device stalled past the replug grace,
		// or crashed). Exit so a supervisor can restart us.
		err := d.Err()
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("camgate daemon exiting after capture failure", logging.Error(err))
			return err
		}
		return nil
	}
}

// deviceFactory builds fresh capture devices; the daemon calls it again
// after a replug.
func deviceFactory(cfg *config.Config) daemon.DeviceFactory {
	camCfg := camera.Config{
		ColorDevice: cfg.Camera.ColorDevice,
		DepthDevice: cfg.Camera.DepthDevice,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		FPS:         cfg.Camera.FPS,
	}
	if cfg.Camera.Synthetic {
		return func() camera.Device { return camera.NewSynthetic(camCfg) }
	}
	return func() camera.Device { return camera.NewV4L2(camCfg) }
}

// ensureCurrentLogPointer keeps camgated.log pointing at the active run's
// log file. Hard link is the fallback for filesystems without symlinks.
func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "camgated.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
