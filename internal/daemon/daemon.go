// Package daemon wires the capture producer, run registry, metrics
// server, and hotplug monitor into one single-instance camera daemon
// with an explicit lifecycle state machine.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"camgate/internal/camera"
	"camgate/internal/config"
	"camgate/internal/logging"
	"camgate/internal/metrics"
	"camgate/internal/producer"
	"camgate/internal/registry"
	"camgate/internal/shm"
)

// replugGrace is how long a stalled daemon waits for the camera to come
// back on the hotplug bus before giving up and exiting.
const replugGrace = 10 * time.Second

// registryBeatInterval paces last-alive refreshes of the run record.
const registryBeatInterval = time.Second

// DeviceFactory builds a fresh camera device, used at start and again
// when a replugged camera needs a clean open.
type DeviceFactory func() camera.Device

// Daemon coordinates the capture services and enforces single-instance
// execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *registry.Store
	met       *metrics.Metrics
	newDevice DeviceFactory
	runID     string
	logPath   string

	lockPath string
	lock     *flock.Flock

	state      stateVar
	startedAt  time.Time
	replugWait time.Duration

	hotplug    *hotplugMonitor
	metricsSrv *metrics.Server

	mu        sync.Mutex
	prod      *producer.Producer
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	replug    chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
	runErr    error
	lastError string

	deviceAbsent bool
}

// Status is the daemon's self-reported runtime information.
type Status struct {
	State        string
	PID          int
	RunID        string
	StartedAt    time.Time
	Device       string
	Synthetic    bool
	DeviceAbsent bool
	LastSeq      uint64
	Segments     []producer.SegmentInfo
	LogPath      string
	LockPath     string
	RegistryPath string
	MetricsAddr  string
	LastError    string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *registry.Store, logger *slog.Logger, newDevice DeviceFactory, met *metrics.Metrics, runID, logPath string) (*Daemon, error) {
	if cfg == nil || store == nil || newDevice == nil {
		return nil, errors.New("daemon requires config, registry store, and device factory")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		met:        met,
		newDevice:  newDevice,
		runID:      runID,
		logPath:    logPath,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
		replugWait: replugGrace,
		replug:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	d.hotplug = newHotplugMonitor(cfg, logger, d.handleDeviceEvent)
	return d, nil
}

// Start acquires the instance lock, opens the camera, maps the segments,
// and launches the capture loop.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.state.Transition(StateStopped, StateStarting) {
		return fmt.Errorf("daemon is %s, not stopped", d.state.Load())
	}
	if d.met != nil {
		d.met.StateCode.Store(uint64(StateStarting))
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		d.state.Store(StateStopped)
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		d.state.Store(StateStopped)
		return errors.New("another camgated instance is already running")
	}

	prod := producer.New(d.cfg, d.newDevice(), d.logger, d.met)
	if err := prod.Start(ctx); err != nil {
		_ = d.lock.Unlock()
		d.state.Store(StateStopped)
		return err
	}

	d.startedAt = time.Now()
	if err := d.beginRunRecord(ctx); err != nil {
		_ = prod.Close()
		_ = d.lock.Unlock()
		d.state.Store(StateStopped)
		return err
	}

	if d.cfg.Metrics.Enabled && d.met != nil {
		srv, err := metrics.NewServer(d.cfg.Metrics.Bind, d.met)
		if err != nil {
			d.logger.Warn("metrics server unavailable",
				logging.Error(err),
				logging.String(logging.FieldEventType, "metrics_bind_failed"),
				logging.String(logging.FieldImpact, "scrapes disabled for this run"))
		} else {
			d.metricsSrv = srv
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.prod = prod
	d.cancelRun = cancel
	d.mu.Unlock()

	d.wg.Add(2)
	go d.captureLoop(runCtx, prod)
	go d.registryBeatLoop(runCtx)

	_ = d.hotplug.Start(runCtx)

	d.state.Store(StateRunning)
	if d.met != nil {
		d.met.StateCode.Store(uint64(StateRunning))
	}
	d.logger.Info("daemon running",
		logging.String(logging.FieldRunID, d.runID),
		logging.Int(logging.FieldPID, os.Getpid()),
		logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) beginRunRecord(ctx context.Context) error {
	run := registry.Run{
		RunID:         d.runID,
		PID:           os.Getpid(),
		StartedAt:     d.startedAt,
		Device:        d.deviceLabel(),
		SegmentPrefix: d.cfg.SharedMemory.NamePrefix,
		LogPath:       d.logPath,
	}
	run.RGBBytes = int64(shm.RGBSize(d.cfg.Camera.Width, d.cfg.Camera.Height))
	run.DepthBytes = int64(shm.DepthSize(d.cfg.Camera.Width, d.cfg.Camera.Height))
	if err := d.store.Begin(ctx, run); err != nil {
		return fmt.Errorf("record daemon run: %w", err)
	}
	return nil
}

func (d *Daemon) deviceLabel() string {
	if d.cfg.Camera.Synthetic {
		return "synthetic"
	}
	return d.cfg.Camera.ColorDevice
}

// captureLoop runs the producer until shutdown. A stalled device gets one
// replug grace window; after that the run is marked stalled and the
// daemon reports itself done so the process can exit for a supervised
// restart.
func (d *Daemon) captureLoop(ctx context.Context, prod *producer.Producer) {
	defer d.wg.Done()
	for {
		err := prod.Run(ctx)
		if err == nil {
			return
		}
		if !errors.Is(err, producer.ErrDeviceStalled) {
			d.fail(ctx, err, registry.EndStateCrashed)
			return
		}

		d.logger.Error("capture stalled",
			logging.Error(err),
			logging.String(logging.FieldEventType, "device_stalled"),
			logging.String(logging.FieldErrorHint, "check camera cabling; waiting for hotplug re-add"),
			logging.String(logging.FieldImpact, "no new frames published"))
		d.setDeviceAbsent(true)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.replugWait):
			d.fail(ctx, err, registry.EndStateStalled)
			return
		case <-d.replug:
		}

		restarted, rerr := d.restartProducer(ctx, prod)
		if rerr != nil {
			d.fail(ctx, rerr, registry.EndStateStalled)
			return
		}
		prod = restarted
		d.setDeviceAbsent(false)
		d.logger.Info("capture restarted after replug",
			logging.String(logging.FieldEventType, "device_recovered"))
	}
}

// restartProducer tears down the stalled producer and brings up a fresh
// one on a newly opened device, reusing the existing segment files.
func (d *Daemon) restartProducer(ctx context.Context, old *producer.Producer) (*producer.Producer, error) {
	if err := old.Close(); err != nil {
		d.logger.Warn("close stalled producer", logging.Error(err))
	}
	prod := producer.New(d.cfg, d.newDevice(), d.logger, d.met)
	if err := prod.Start(ctx); err != nil {
		return nil, fmt.Errorf("restart after replug: %w", err)
	}
	d.mu.Lock()
	d.prod = prod
	d.mu.Unlock()
	return prod, nil
}

func (d *Daemon) registryBeatLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(registryBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := d.store.Heartbeat(ctx, d.runID, now); err != nil && ctx.Err() == nil {
				d.logger.Warn("registry heartbeat failed", logging.Error(err))
			}
		}
	}
}

// handleDeviceEvent receives hotplug notifications from the netlink
// monitor.
func (d *Daemon) handleDeviceEvent(action, device string) {
	switch action {
	case "remove":
		d.logger.Warn("camera removed",
			logging.String(logging.FieldDevice, device),
			logging.String(logging.FieldEventType, "device_removed"),
			logging.String(logging.FieldImpact, "capture will stall until the camera returns"))
		d.setDeviceAbsent(true)
	case "add":
		d.logger.Info("camera attached",
			logging.String(logging.FieldDevice, device),
			logging.String(logging.FieldEventType, "device_added"))
		d.setDeviceAbsent(false)
		select {
		case d.replug <- struct{}{}:
		default:
		}
	}
}

func (d *Daemon) setDeviceAbsent(absent bool) {
	d.mu.Lock()
	d.deviceAbsent = absent
	d.mu.Unlock()
}

// fail records a fatal run error and releases Done waiters.
func (d *Daemon) fail(ctx context.Context, err error, endState string) {
	d.mu.Lock()
	d.runErr = err
	d.lastError = err.Error()
	d.mu.Unlock()
	if d.met != nil {
		d.met.StateCode.Store(uint64(StateCrashed))
	}
	if merr := d.store.MarkEnded(context.WithoutCancel(ctx), d.runID, endState, time.Now()); merr != nil {
		d.logger.Warn("mark run ended", logging.Error(merr))
	}
	d.doneOnce.Do(func() { close(d.done) })
}

// Done is closed when the daemon hits a fatal error and wants the
// process to exit.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Err returns the fatal error that closed Done, if any.
func (d *Daemon) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}

// Stop shuts down the capture loop, closes the producer, records the run
// end, and releases the instance lock. Segment files stay behind unless
// configured otherwise; removal belongs to explicit cleanup.
func (d *Daemon) Stop() {
	if !d.state.Transition(StateRunning, StateStopping) {
		if !d.state.Transition(StateStarting, StateStopping) {
			return
		}
	}
	if d.met != nil {
		d.met.StateCode.Store(uint64(StateStopping))
	}
	d.logger.Info("daemon stopping", logging.String(logging.FieldRunID, d.runID))

	d.hotplug.Stop()

	d.mu.Lock()
	cancel := d.cancelRun
	d.cancelRun = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	prod := d.prod
	d.prod = nil
	d.mu.Unlock()
	if prod != nil {
		if err := prod.Close(); err != nil {
			d.logger.Warn("close producer", logging.Error(err))
		}
	}

	if d.metricsSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.metricsSrv.Close(shutdownCtx); err != nil {
			d.logger.Warn("close metrics server", logging.Error(err))
		}
		cancelShutdown()
		d.metricsSrv = nil
	}

	if err := d.store.MarkEnded(context.Background(), d.runID, registry.EndStateStopped, time.Now()); err != nil {
		d.logger.Warn("mark run ended", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}

	d.state.Store(StateStopped)
	if d.met != nil {
		d.met.StateCode.Store(uint64(StateStopped))
	}
	d.doneOnce.Do(func() { close(d.done) })
	d.logger.Info("daemon stopped", logging.String(logging.FieldRunID, d.runID))
}

// Close stops the daemon and releases the registry handle.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// State returns the current lifecycle state.
func (d *Daemon) State() State { return d.state.Load() }

// Status returns the daemon's self-reported status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	prod := d.prod
	absent := d.deviceAbsent
	lastErr := d.lastError
	d.mu.Unlock()

	status := Status{
		State:        d.state.Load().String(),
		PID:          os.Getpid(),
		RunID:        d.runID,
		StartedAt:    d.startedAt,
		Device:       d.deviceLabel(),
		Synthetic:    d.cfg.Camera.Synthetic,
		DeviceAbsent: absent,
		LogPath:      d.logPath,
		LockPath:     d.lockPath,
		RegistryPath: d.store.Path(),
		LastError:    lastErr,
	}
	if prod != nil {
		status.LastSeq = prod.LastSeq()
		status.Segments = prod.Segments()
	}
	if d.metricsSrv != nil {
		status.MetricsAddr = d.metricsSrv.Addr()
	}
	return status
}

// LogPath returns the path of this run's log file.
func (d *Daemon) LogPath() string { return d.logPath }
