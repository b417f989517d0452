package shm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Metadata block wire layout. This is a process-external contract: clients
// written against it must keep working across daemon releases, so fields
// live at fixed little-endian offsets and the block never grows past
// MetadataSize.
//
//	off  0  u32  magic
//	off  4  u32  layout version
//	off  8  u64  frame sequence number
//	off 16  i64  capture timestamp, unix nanoseconds
//	off 24  u32  width
//	off 28  u32  height
//	off 32  u32  pixel format tag
//	off 36  u32  validity flags
//	off 40  u32  producer PID
//	off 44  u32  reserved
//	off 48  u64  heartbeat counter
//	off 56  i64  heartbeat timestamp, unix nanoseconds
//
// The sequence number and the heartbeat fields are accessed with 8-byte
// atomics; everything else is written before the sequence publish and is
// therefore covered by the optimistic double-read protocol.
const (
	MetadataSize = 64

	metaMagic     uint32 = 0x43414d47 // "CAMG"
	LayoutVersion uint32 = 1

	offMagic         = 0
	offVersion       = 4
	offSeq           = 8
	offTimestamp     = 16
	offWidth         = 24
	offHeight        = 28
	offPixelFormat   = 32
	offFlags         = 36
	offPID           = 40
	offHeartbeat     = 48
	offHeartbeatTime = 56
)

// Pixel format tags carried in the metadata block.
const (
	PixelRGB24 uint32 = 1
	PixelZ16   uint32 = 2
)

// Validity flags.
const (
	FlagRGBValid   uint32 = 1 << 0
	FlagDepthValid uint32 = 1 << 1
)

// Metadata is a decoded snapshot of the metadata block.
type Metadata struct {
	Seq         uint64
	Timestamp   time.Time
	Width       int
	Height      int
	PixelFormat uint32
	RGBValid    bool
	DepthValid  bool
	ProducerPID int
	Heartbeat   uint64
	HeartbeatAt time.Time
}

// MetaView provides typed access to a mapped metadata segment.
type MetaView struct {
	buf []byte
}

// NewMetaView wraps a mapped metadata segment. The segment must be at least
// MetadataSize bytes; writable views additionally require a writable mapping.
func NewMetaView(seg *Segment) (*MetaView, error) {
	if seg.Size() < MetadataSize {
		return nil, fmt.Errorf("metadata segment %s is %d bytes, need %d", seg.Name(), seg.Size(), MetadataSize)
	}
	return &MetaView{buf: seg.Bytes()[:MetadataSize]}, nil
}

// Init stamps magic, layout version, producer PID, and dimensions, and
// resets the sequence number. Producer-only.
func (v *MetaView) Init(pid, width, height int) {
	binary.LittleEndian.PutUint32(v.buf[offMagic:], metaMagic)
	binary.LittleEndian.PutUint32(v.buf[offVersion:], LayoutVersion)
	binary.LittleEndian.PutUint32(v.buf[offWidth:], uint32(width))
	binary.LittleEndian.PutUint32(v.buf[offHeight:], uint32(height))
	binary.LittleEndian.PutUint32(v.buf[offPixelFormat:], PixelRGB24)
	binary.LittleEndian.PutUint32(v.buf[offFlags:], 0)
	binary.LittleEndian.PutUint32(v.buf[offPID:], uint32(pid))
	binary.LittleEndian.PutUint64(v.buf[offTimestamp:], 0)
	atomic.StoreUint64(v.seqPtr(), 0)
	atomic.StoreUint64(v.heartbeatPtr(), 0)
	atomic.StoreUint64(v.heartbeatTimePtr(), 0)
}

// Valid reports whether the block carries the expected magic and version.
func (v *MetaView) Valid() bool {
	return binary.LittleEndian.Uint32(v.buf[offMagic:]) == metaMagic &&
		binary.LittleEndian.Uint32(v.buf[offVersion:]) == LayoutVersion
}

// Publish announces a completed frame pair. The caller must have finished
// writing both payload segments first: the sequence store is the single
// publish point consumers key on, so it goes last.
func (v *MetaView) Publish(seq uint64, capturedAt time.Time, rgbValid, depthValid bool) {
	binary.LittleEndian.PutUint64(v.buf[offTimestamp:], uint64(capturedAt.UnixNano()))
	var flags uint32
	if rgbValid {
		flags |= FlagRGBValid
	}
	if depthValid {
		flags |= FlagDepthValid
	}
	binary.LittleEndian.PutUint32(v.buf[offFlags:], flags)
	atomic.StoreUint64(v.seqPtr(), seq)
}

// Seq returns the current frame sequence number.
func (v *MetaView) Seq() uint64 {
	return atomic.LoadUint64(v.seqPtr())
}

// Beat increments the heartbeat counter and stamps the heartbeat time.
func (v *MetaView) Beat(now time.Time) uint64 {
	atomic.StoreUint64(v.heartbeatTimePtr(), uint64(now.UnixNano()))
	return atomic.AddUint64(v.heartbeatPtr(), 1)
}

// Heartbeat returns the alive counter and the time of the last beat.
func (v *MetaView) Heartbeat() (uint64, time.Time) {
	count := atomic.LoadUint64(v.heartbeatPtr())
	nanos := atomic.LoadUint64(v.heartbeatTimePtr())
	if nanos == 0 {
		return count, time.Time{}
	}
	return count, time.Unix(0, int64(nanos))
}

// ProducerPID returns the PID stamped at Init.
func (v *MetaView) ProducerPID() int {
	return int(binary.LittleEndian.Uint32(v.buf[offPID:]))
}

// Snapshot decodes the whole block. Callers that copy payloads must use the
// Seq double-read protocol around the copy; Snapshot alone is only for
// status reporting.
func (v *MetaView) Snapshot() Metadata {
	heartbeat, beatAt := v.Heartbeat()
	meta := Metadata{
		Seq:         v.Seq(),
		Width:       int(binary.LittleEndian.Uint32(v.buf[offWidth:])),
		Height:      int(binary.LittleEndian.Uint32(v.buf[offHeight:])),
		PixelFormat: binary.LittleEndian.Uint32(v.buf[offPixelFormat:]),
		ProducerPID: v.ProducerPID(),
		Heartbeat:   heartbeat,
		HeartbeatAt: beatAt,
	}
	flags := binary.LittleEndian.Uint32(v.buf[offFlags:])
	meta.RGBValid = flags&FlagRGBValid != 0
	meta.DepthValid = flags&FlagDepthValid != 0
	if nanos := binary.LittleEndian.Uint64(v.buf[offTimestamp:]); nanos != 0 {
		meta.Timestamp = time.Unix(0, int64(nanos))
	}
	return meta
}

// The mapped region is page aligned, so these fixed offsets satisfy the
// 8-byte alignment required for cross-process atomics.
func (v *MetaView) seqPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&v.buf[offSeq]))
}

func (v *MetaView) heartbeatPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&v.buf[offHeartbeat]))
}

func (v *MetaView) heartbeatTimePtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&v.buf[offHeartbeatTime]))
}

// RGBSize returns the fixed RGB payload capacity for a resolution.
func RGBSize(width, height int) int { return width * height * 3 }

// DepthSize returns the fixed 16-bit depth payload capacity for a resolution.
func DepthSize(width, height int) int { return width * height * 2 }
