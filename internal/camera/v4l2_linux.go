//go:build linux

package camera

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2 captures aligned color+depth pairs from two video4linux nodes: a
// color stream negotiated as YUYV (converted to RGB24 in Go) and a depth
// stream negotiated as Z16. Both nodes use mmap streaming I/O with a small
// ring of kernel buffers.
type V4L2 struct {
	cfg   Config
	color *v4l2Stream
	depth *v4l2Stream
	rgb   []byte
	z16   []byte
}

// NewV4L2 builds a V4L2 device for the given configuration.
func NewV4L2(cfg Config) *V4L2 {
	return &V4L2{cfg: cfg}
}

func (d *V4L2) Open(_ context.Context) error {
	color, err := openStream(d.cfg.ColorDevice, d.cfg.Width, d.cfg.Height, d.cfg.FPS, pixFmtYUYV)
	if err != nil {
		return fmt.Errorf("%w: color node %s: %v", ErrDeviceUnavailable, d.cfg.ColorDevice, err)
	}
	depth, err := openStream(d.cfg.DepthDevice, d.cfg.Width, d.cfg.Height, d.cfg.FPS, pixFmtZ16)
	if err != nil {
		color.close()
		return fmt.Errorf("%w: depth node %s: %v", ErrDeviceUnavailable, d.cfg.DepthDevice, err)
	}
	d.color = color
	d.depth = depth
	d.rgb = make([]byte, d.cfg.Width*d.cfg.Height*3)
	d.z16 = make([]byte, d.cfg.Width*d.cfg.Height*2)
	return nil
}

func (d *V4L2) ReadPair(ctx context.Context, timeout time.Duration) (FramePair, error) {
	if d.color == nil || d.depth == nil {
		return FramePair{}, ErrDeviceUnavailable
	}
	deadline := time.Now().Add(timeout)

	// Both formats are 2 bytes per pixel (YUYV 4:2:2 and Z16).
	wantBytes := d.cfg.Width * d.cfg.Height * 2

	raw, err := d.color.capture(ctx, timeout)
	if err != nil {
		return FramePair{}, err
	}
	if err := checkFrameSize("color", len(raw), wantBytes); err != nil {
		d.color.requeue()
		return FramePair{}, err
	}
	yuyvToRGB24(d.rgb, raw, d.cfg.Width, d.cfg.Height)
	d.color.requeue()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return FramePair{}, ErrReadTimeout
	}
	raw, err = d.depth.capture(ctx, remaining)
	if err != nil {
		return FramePair{}, err
	}
	if err := checkFrameSize("depth", len(raw), wantBytes); err != nil {
		d.depth.requeue()
		return FramePair{}, err
	}
	copy(d.z16, raw)
	d.depth.requeue()

	return FramePair{
		Color:      d.rgb,
		Depth:      d.z16,
		Width:      d.cfg.Width,
		Height:     d.cfg.Height,
		CapturedAt: time.Now(),
	}, nil
}

func (d *V4L2) Close() error {
	var firstErr error
	for _, s := range []*v4l2Stream{d.color, d.depth} {
		if s == nil {
			continue
		}
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.color, d.depth = nil, nil
	return firstErr
}

const (
	bufTypeCapture = 1 // V4L2_BUF_TYPE_VIDEO_CAPTURE
	memoryMMAP     = 1 // V4L2_MEMORY_MMAP
	fieldNone      = 1 // V4L2_FIELD_NONE
	streamBuffers  = 4
)

func fourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	pixFmtYUYV = fourCC('Y', 'U', 'Y', 'V')
	pixFmtZ16  = fourCC('Z', '1', '6', ' ')
)

// ioctl request encoding, linux asm-generic flavor.
const (
	iocWrite     = 1
	iocRead      = 2
	iocNrBits    = 8
	iocTypeBits  = 8
	iocSizeBits  = 14
	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr uint32, size uintptr) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | uint32(size)<<iocSizeShift
}

func iowr(nr uint32, size uintptr) uint32 {
	return ioc(iocRead|iocWrite, 'V', nr, size)
}

func iow(nr uint32, size uintptr) uint32 {
	return ioc(iocWrite, 'V', nr, size)
}

// Kernel struct mirrors. Layouts match videodev2.h on 64-bit; the anonymous
// pad fields reproduce the kernel's alignment.
type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

type v4l2Format struct {
	Type uint32
	_    [4]byte
	Pix  v4l2PixFormat
	_    [200 - unsafe.Sizeof(v4l2PixFormat{})]byte
}

type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	_            [3]uint8
}

type v4l2Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type v4l2Timeval struct {
	Sec  int64
	Usec int64
}

type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         [4]byte
	Timestamp v4l2Timeval
	Timecode  v4l2Timecode
	Sequence  uint32
	Memory    uint32
	M         uint64 // union: mmap offset in the low 32 bits
	Length    uint32
	Reserved2 uint32
	RequestFD uint32
	_         [4]byte
}

type v4l2CaptureParm struct {
	Capability   uint32
	CaptureMode  uint32
	TpfNumerator uint32
	TpfDenom     uint32
	ExtendedMode uint32
	ReadBuffers  uint32
	_            [4]uint32
}

type v4l2StreamParm struct {
	Type    uint32
	Capture v4l2CaptureParm
	_       [200 - unsafe.Sizeof(v4l2CaptureParm{})]byte
}

var (
	vidiocSFmt      = iowr(5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs   = iowr(8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQueryBuf  = iowr(9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf      = iowr(15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf     = iowr(17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn  = iow(18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = iow(19, unsafe.Sizeof(int32(0)))
	vidiocSParm     = iowr(22, unsafe.Sizeof(v4l2StreamParm{}))
)

func ioctl(fd int, req uint32, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

// v4l2Stream is one streaming capture node with its mapped buffer ring.
type v4l2Stream struct {
	fd      int
	bufs    [][]byte
	current int // buffer index held by the caller, -1 when none
}

func openStream(path string, width, height, fps int, pixelFormat uint32) (*v4l2Stream, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &v4l2Stream{fd: fd, current: -1}

	format := v4l2Format{Type: bufTypeCapture}
	format.Pix.Width = uint32(width)
	format.Pix.Height = uint32(height)
	format.Pix.PixelFormat = pixelFormat
	format.Pix.Field = fieldNone
	if err := ioctl(fd, vidiocSFmt, unsafe.Pointer(&format)); err != nil {
		s.close()
		return nil, fmt.Errorf("set format: %w", err)
	}
	if format.Pix.PixelFormat != pixelFormat {
		s.close()
		return nil, fmt.Errorf("driver refused pixel format %08x, offered %08x", pixelFormat, format.Pix.PixelFormat)
	}
	if format.Pix.Width != uint32(width) || format.Pix.Height != uint32(height) {
		s.close()
		return nil, fmt.Errorf("driver adjusted resolution to %dx%d, want %dx%d",
			format.Pix.Width, format.Pix.Height, width, height)
	}

	parm := v4l2StreamParm{Type: bufTypeCapture}
	parm.Capture.TpfNumerator = 1
	parm.Capture.TpfDenom = uint32(fps)
	// Frame interval is advisory; drivers that cannot honor it still stream.
	_ = ioctl(fd, vidiocSParm, unsafe.Pointer(&parm))

	req := v4l2RequestBuffers{Count: streamBuffers, Type: bufTypeCapture, Memory: memoryMMAP}
	if err := ioctl(fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		s.close()
		return nil, fmt.Errorf("request buffers: %w", err)
	}
	if req.Count == 0 {
		s.close()
		return nil, fmt.Errorf("driver granted no mmap buffers")
	}

	for i := uint32(0); i < req.Count; i++ {
		buf := v4l2Buffer{Index: i, Type: bufTypeCapture, Memory: memoryMMAP}
		if err := ioctl(fd, vidiocQueryBuf, unsafe.Pointer(&buf)); err != nil {
			s.close()
			return nil, fmt.Errorf("query buffer %d: %w", i, err)
		}
		mapped, err := unix.Mmap(fd, int64(uint32(buf.M)), int(buf.Length),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("map buffer %d: %w", i, err)
		}
		s.bufs = append(s.bufs, mapped)
		if err := ioctl(fd, vidiocQBuf, unsafe.Pointer(&buf)); err != nil {
			s.close()
			return nil, fmt.Errorf("queue buffer %d: %w", i, err)
		}
	}

	streamType := int32(bufTypeCapture)
	if err := ioctl(fd, vidiocStreamOn, unsafe.Pointer(&streamType)); err != nil {
		s.close()
		return nil, fmt.Errorf("stream on: %w", err)
	}
	return s, nil
}

// capture waits for the next filled buffer and returns its payload. The
// buffer stays dequeued until requeue, so the slice is valid meanwhile.
func (s *v4l2Stream) capture(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		waitMs := int(time.Until(deadline).Milliseconds())
		if waitMs <= 0 {
			return nil, ErrReadTimeout
		}
		if waitMs > 100 {
			// Re-check ctx at least every 100ms while waiting on the fd.
			waitMs = 100
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, waitMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		buf := v4l2Buffer{Type: bufTypeCapture, Memory: memoryMMAP}
		if err := ioctl(s.fd, vidiocDQBuf, unsafe.Pointer(&buf)); err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		s.current = int(buf.Index)
		used := int(buf.BytesUsed)
		if used == 0 || used > len(s.bufs[buf.Index]) {
			used = len(s.bufs[buf.Index])
		}
		return s.bufs[buf.Index][:used], nil
	}
}

// requeue hands the buffer returned by the last capture back to the driver.
func (s *v4l2Stream) requeue() {
	if s.current < 0 {
		return
	}
	buf := v4l2Buffer{Index: uint32(s.current), Type: bufTypeCapture, Memory: memoryMMAP}
	_ = ioctl(s.fd, vidiocQBuf, unsafe.Pointer(&buf))
	s.current = -1
}

func (s *v4l2Stream) close() error {
	streamType := int32(bufTypeCapture)
	_ = ioctl(s.fd, vidiocStreamOff, unsafe.Pointer(&streamType))
	for _, b := range s.bufs {
		_ = unix.Munmap(b)
	}
	s.bufs = nil
	return unix.Close(s.fd)
}
