package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeviceUnavailable indicates the camera could not be opened.
var ErrDeviceUnavailable = errors.New("camera device unavailable")

// ErrReadTimeout indicates no frame pair arrived within the bounded wait.
var ErrReadTimeout = errors.New("camera read timed out")

// Config describes the capture configuration for a device.
type Config struct {
	ColorDevice string
	DepthDevice string
	Width       int
	Height      int
	FPS         int
}

// FramePair is one aligned color+depth capture. Color is packed RGB24,
// Depth is little-endian Z16 with zero meaning "no measurement".
type FramePair struct {
	Color      []byte
	Depth      []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// checkFrameSize rejects truncated driver payloads. Drivers signal error
// frames by dequeuing buffers with fewer bytes than a full frame; those must
// surface as a retriable read error, never reach the pixel converters.
func checkFrameSize(stream string, got, want int) error {
	if got < want {
		return fmt.Errorf("%s frame truncated: %d bytes, want %d", stream, got, want)
	}
	return nil
}

// Device is a camera capable of delivering aligned color+depth frame pairs.
// Implementations own the underlying hardware handles exclusively.
type Device interface {
	// Open claims the device and starts streaming. It returns
	// ErrDeviceUnavailable (possibly wrapped) when the hardware cannot be
	// claimed.
	Open(ctx context.Context) error

	// ReadPair blocks until the next aligned frame pair arrives or the
	// timeout elapses, returning ErrReadTimeout in the latter case. The
	// returned buffers are owned by the device and only valid until the
	// next ReadPair call.
	ReadPair(ctx context.Context, timeout time.Duration) (FramePair, error)

	// Close releases the device. Safe to call on an unopened device.
	Close() error
}
