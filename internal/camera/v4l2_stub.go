//go:build !linux

package camera

import (
	"context"
	"fmt"
	"time"
)

// V4L2 capture is linux-only. This stub keeps the CLI buildable on other
// platforms; Open always fails so callers fall back to the synthetic device.
type V4L2 struct {
	cfg Config
}

// NewV4L2 builds a V4L2 device for the given configuration.
func NewV4L2(cfg Config) *V4L2 {
	return &V4L2{cfg: cfg}
}

func (d *V4L2) Open(_ context.Context) error {
	return fmt.Errorf("%w: v4l2 capture requires linux", ErrDeviceUnavailable)
}

func (d *V4L2) ReadPair(_ context.Context, _ time.Duration) (FramePair, error) {
	return FramePair{}, ErrDeviceUnavailable
}

func (d *V4L2) Close() error { return nil }
