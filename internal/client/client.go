// Package client is the read side of the frame bus. It attaches to the
// daemon's shared memory segments by their well-known names and exposes
// non-blocking access to the latest published frame pair.
package client

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"camgate/internal/config"
	"camgate/internal/logging"
	"camgate/internal/shm"
)

var (
	// ErrDaemonNotRunning reports that the segments are missing or the
	// producer heartbeat was already stale at connect time.
	ErrDaemonNotRunning = errors.New("camera daemon not running")

	// ErrConnectionLost reports that the producer heartbeat went stale
	// after a successful connect. Callers are expected to fall back to
	// direct camera access or reconnect.
	ErrConnectionLost = errors.New("connection to camera daemon lost")
)

// Frame is the latest published frame pair. Color and Depth alias buffers
// owned by the client and are overwritten by the next successful read.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
	Color      []byte
	Depth      []byte
	DepthValid bool
}

// Client attaches to a segment set read-only. It is not safe for
// concurrent use; run one client per consuming goroutine.
type Client struct {
	logger     *slog.Logger
	dir        string
	names      shm.Names
	staleness  time.Duration
	tornRetry  int
	rgb        *shm.Segment
	depth      *shm.Segment
	meta       *shm.Segment
	view       *shm.MetaView
	colorBuf   []byte
	depthBuf   []byte
	lastSeq    uint64
	width      int
	height     int
	closeOnce  sync.Once
	closeErr   error
}

// Connect attaches to the daemon's segments. It fails with
// ErrDaemonNotRunning when any segment is missing, the metadata block was
// never initialized, or the heartbeat is already past the staleness
// threshold.
func Connect(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Client{
		logger:    logging.NewComponentLogger(logger, "client"),
		dir:       cfg.SharedMemory.Dir,
		names:     shm.SegmentNames(cfg.SharedMemory.NamePrefix),
		staleness: cfg.StalenessThreshold(),
		tornRetry: cfg.Client.TornReadRetryLimit,
	}

	var err error
	if c.meta, err = shm.Open(c.dir, c.names.Meta); err != nil {
		return nil, connectErr(c.names.Meta, err)
	}
	if c.view, err = shm.NewMetaView(c.meta); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	if !c.view.Valid() {
		c.Close()
		return nil, fmt.Errorf("%w: metadata segment %s not initialized", ErrDaemonNotRunning, c.names.Meta)
	}
	if !c.heartbeatFresh() {
		c.Close()
		return nil, fmt.Errorf("%w: heartbeat stale beyond %v", ErrDaemonNotRunning, c.staleness)
	}

	if c.rgb, err = shm.Open(c.dir, c.names.RGB); err != nil {
		c.Close()
		return nil, connectErr(c.names.RGB, err)
	}
	if c.depth, err = shm.Open(c.dir, c.names.Depth); err != nil {
		c.Close()
		return nil, connectErr(c.names.Depth, err)
	}

	snap := c.view.Snapshot()
	c.width, c.height = snap.Width, snap.Height
	c.colorBuf = make([]byte, shm.RGBSize(snap.Width, snap.Height))
	c.depthBuf = make([]byte, shm.DepthSize(snap.Width, snap.Height))

	c.logger.Debug("attached to segment set",
		logging.String(logging.FieldSegment, c.names.Meta),
		logging.Int(logging.FieldPID, snap.ProducerPID),
		logging.Int("width", snap.Width),
		logging.Int("height", snap.Height))
	return c, nil
}

func connectErr(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: segment %s does not exist", ErrDaemonNotRunning, name)
	}
	return fmt.Errorf("attach segment %s: %w", name, err)
}

// ReadLatestFrame returns the newest complete frame pair. It never
// blocks: ok is false when no frame newer than the previous successful
// read is available or when every double-read attempt in the retry budget
// was torn. ErrConnectionLost is returned only once the heartbeat exceeds
// the staleness threshold.
func (c *Client) ReadLatestFrame() (Frame, bool, error) {
	if !c.heartbeatFresh() {
		return Frame{}, false, ErrConnectionLost
	}

	for attempt := 0; attempt <= c.tornRetry; attempt++ {
		before := c.view.Seq()
		if before == 0 || before == c.lastSeq {
			return Frame{}, false, nil
		}
		snap := c.view.Snapshot()

		copy(c.colorBuf, c.rgb.Bytes())
		depthValid := snap.DepthValid
		if depthValid {
			copy(c.depthBuf, c.depth.Bytes())
		}

		if after := c.view.Seq(); after != before {
			// Torn copy, the producer published mid-read.
			continue
		}

		c.lastSeq = before
		return Frame{
			Seq:        before,
			CapturedAt: snap.Timestamp,
			Width:      c.width,
			Height:     c.height,
			Color:      c.colorBuf,
			Depth:      c.depthBuf,
			DepthValid: depthValid,
		}, true, nil
	}
	return Frame{}, false, nil
}

// Alive reports whether the producer heartbeat is within the staleness
// threshold.
func (c *Client) Alive() bool {
	return c.heartbeatFresh()
}

// LastSeq reports the sequence number of the last frame returned, zero
// before the first successful read.
func (c *Client) LastSeq() uint64 {
	return c.lastSeq
}

func (c *Client) heartbeatFresh() bool {
	if c.view == nil {
		return false
	}
	_, at := c.view.Heartbeat()
	if at.IsZero() {
		return false
	}
	return time.Since(at) <= c.staleness
}

// Close detaches from the segments. It never removes them; segment
// lifetime belongs to the lifecycle controller.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		for _, seg := range []*shm.Segment{c.rgb, c.depth, c.meta} {
			if seg == nil {
				continue
			}
			if err := seg.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		c.view = nil
	})
	return c.closeErr
}
