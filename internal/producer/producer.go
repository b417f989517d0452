// Package producer owns the write side of the frame bus: it pulls frame
// pairs from a camera device and publishes them into the shared memory
// segments, maintaining the heartbeat that tells consumers the publisher
// is alive.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"camgate/internal/camera"
	"camgate/internal/config"
	"camgate/internal/depth"
	"camgate/internal/logging"
	"camgate/internal/metrics"
	"camgate/internal/shm"
)

// ErrDeviceStalled reports that the camera stopped delivering frames and
// the retry budget ran out.
var ErrDeviceStalled = errors.New("camera device stalled")

// Producer captures frame pairs and publishes them to shared memory.
// Exactly one producer may own a segment set at a time; the daemon's
// instance lock enforces that upstream.
type Producer struct {
	cfg    *config.Config
	device camera.Device
	logger *slog.Logger
	met    *metrics.Metrics

	names shm.Names
	rgb   *shm.Segment
	depth *shm.Segment
	meta  *shm.Segment
	view  *shm.MetaView

	filter *depth.Filter

	mu        sync.Mutex
	started   bool
	stopBeats context.CancelFunc
	beatsDone chan struct{}
}

// New wires a producer. The device is opened in Start, not here.
func New(cfg *config.Config, device camera.Device, logger *slog.Logger, met *metrics.Metrics) *Producer {
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Producer{
		cfg:    cfg,
		device: device,
		logger: logging.NewComponentLogger(logger, "producer"),
		met:    met,
		names:  shm.SegmentNames(cfg.SharedMemory.NamePrefix),
	}
	if cfg.Producer.DepthFilters {
		p.filter = depth.NewFilter(cfg.Camera.Width, cfg.Camera.Height)
	}
	return p
}

// Start opens the camera, creates the segment set, and begins heartbeating.
// On failure nothing is left mapped and the device is closed again.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("producer already started")
	}

	if err := p.device.Open(ctx); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}

	w, h := p.cfg.Camera.Width, p.cfg.Camera.Height
	dir := p.cfg.SharedMemory.Dir

	var err error
	if p.rgb, err = shm.Create(dir, p.names.RGB, shm.RGBSize(w, h)); err != nil {
		p.teardownLocked()
		return err
	}
	if p.depth, err = shm.Create(dir, p.names.Depth, shm.DepthSize(w, h)); err != nil {
		p.teardownLocked()
		return err
	}
	if p.meta, err = shm.Create(dir, p.names.Meta, shm.MetadataSize); err != nil {
		p.teardownLocked()
		return err
	}
	if p.view, err = shm.NewMetaView(p.meta); err != nil {
		p.teardownLocked()
		return err
	}

	p.view.Init(os.Getpid(), w, h)
	p.view.Beat(time.Now())

	beatCtx, cancel := context.WithCancel(context.Background())
	p.stopBeats = cancel
	p.beatsDone = make(chan struct{})
	go p.heartbeatLoop(beatCtx)

	p.started = true
	p.logger.Info("segments created",
		logging.String(logging.FieldSegment, p.names.RGB),
		logging.Int("rgb_bytes", p.rgb.Size()),
		logging.Int("depth_bytes", p.depth.Size()),
		logging.Int(logging.FieldPID, os.Getpid()))
	return nil
}

// Run drives the capture loop until ctx is cancelled or the device stalls
// past the retry budget. A cancelled context is a clean return.
func (p *Producer) Run(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return errors.New("producer not started")
	}
	rgbBuf := p.rgb.Bytes()
	depthBuf := p.depth.Bytes()
	view := p.view
	p.mu.Unlock()

	timeout := p.cfg.ReadTimeout()
	retryLimit := p.cfg.Producer.ReadRetryLimit

	var seq uint64
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		pair, err := p.device.ReadPair(ctx, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if p.met != nil {
				p.met.DeviceRetries.Add(1)
				if errors.Is(err, camera.ErrReadTimeout) {
					p.met.DeviceTimeouts.Add(1)
				}
			}
			p.logger.Warn("camera read failed",
				logging.Error(err),
				logging.Int("consecutive_failures", failures),
				logging.Int("retry_limit", retryLimit))
			if failures > retryLimit {
				return fmt.Errorf("%w: %d consecutive read failures: %w", ErrDeviceStalled, failures, err)
			}
			continue
		}
		failures = 0
		if p.met != nil {
			p.met.FramesCaptured.Add(1)
		}

		if p.filter != nil && len(pair.Depth) > 0 {
			p.filter.Apply(pair.Depth)
		}

		// Payload writes happen before the sequence store so a reader
		// that observes the new sequence also observes the new pixels.
		copy(rgbBuf, pair.Color)
		depthValid := len(pair.Depth) > 0
		if depthValid {
			copy(depthBuf, pair.Depth)
		}

		seq++
		view.Publish(seq, pair.CapturedAt, true, depthValid)
		if p.met != nil {
			p.met.ObservePublish(pair.CapturedAt)
		}

		if seq == 1 {
			p.logger.Info("first frame published",
				logging.Uint64(logging.FieldSequence, seq),
				logging.Duration("capture_latency", time.Since(pair.CapturedAt)))
		}
	}
}

// LastSeq reports the most recently published sequence number, zero
// before the first frame.
func (p *Producer) LastSeq() uint64 {
	p.mu.Lock()
	view := p.view
	p.mu.Unlock()
	if view == nil {
		return 0
	}
	return view.Seq()
}

// SegmentInfo describes one mapped segment for status reporting.
type SegmentInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int    `json:"size"`
}

// Segments lists the mapped segment set, empty before Start.
func (p *Producer) Segments() []SegmentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var infos []SegmentInfo
	for _, seg := range []*shm.Segment{p.rgb, p.depth, p.meta} {
		if seg != nil {
			infos = append(infos, SegmentInfo{Name: seg.Name(), Path: seg.Path(), Size: seg.Size()})
		}
	}
	return infos
}

// Close stops the heartbeat, closes the camera, and unmaps the segments.
// The backing files stay on disk unless unlink_on_stop is set; explicit
// cleanup owns their removal so consumers can outlive the producer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopBeats != nil {
		p.stopBeats()
		<-p.beatsDone
		p.stopBeats = nil
	}
	err := p.teardownLocked()
	p.started = false

	if p.cfg.Producer.UnlinkOnStop {
		for _, name := range p.names.All() {
			if _, rmErr := shm.Remove(p.cfg.SharedMemory.Dir, name); rmErr != nil && err == nil {
				err = rmErr
			}
		}
	}
	return err
}

// teardownLocked closes the device and unmaps whatever was mapped so far.
func (p *Producer) teardownLocked() error {
	var first error
	if cerr := p.device.Close(); cerr != nil {
		first = cerr
	}
	for _, seg := range []**shm.Segment{&p.rgb, &p.depth, &p.meta} {
		if *seg == nil {
			continue
		}
		if cerr := (*seg).Close(); cerr != nil && first == nil {
			first = cerr
		}
		*seg = nil
	}
	p.view = nil
	return first
}

func (p *Producer) heartbeatLoop(ctx context.Context) {
	defer close(p.beatsDone)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.view.Beat(now)
			if p.met != nil {
				p.met.HeartbeatsWritten.Add(1)
			}
		}
	}
}
