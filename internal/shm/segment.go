package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAllocation indicates a segment could not be created or mapped.
var ErrAllocation = errors.New("shared memory allocation failed")

// Names holds the well-known segment names for one frame bus.
type Names struct {
	RGB   string
	Depth string
	Meta  string
}

// SegmentNames derives the well-known segment names from a prefix.
func SegmentNames(prefix string) Names {
	prefix = strings.TrimSpace(prefix)
	return Names{
		RGB:   prefix + "-rgb",
		Depth: prefix + "-depth",
		Meta:  prefix + "-meta",
	}
}

// All returns the names in a fixed order (rgb, depth, meta).
func (n Names) All() []string {
	return []string{n.RGB, n.Depth, n.Meta}
}

// Segment is a fixed-size named shared-memory region backed by a file,
// conventionally under /dev/shm. The size is established at creation and
// never changes.
type Segment struct {
	name     string
	path     string
	size     int
	data     []byte
	readOnly bool
}

// Create creates (or reattaches to) a writable segment of exactly size
// bytes. A pre-existing segment is reused and truncated to the requested
// size so a restarted daemon picks up where the previous instance left off.
func Create(dir, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: segment %q size %d", ErrAllocation, name, size)
	}
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrAllocation, path, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("%w: size %s to %d bytes: %v", ErrAllocation, path, size, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: map %s: %v", ErrAllocation, path, err)
	}

	return &Segment{name: name, path: path, size: size, data: data}, nil
}

// Open attaches to an existing segment read-only. The mapped size is taken
// from the segment itself. A missing segment yields fs.ErrNotExist.
func Open(dir, name string) (*Segment, error) {
	path := filepath.Join(dir, name)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	size := int(info.Size())
	if size == 0 {
		return nil, fmt.Errorf("segment %s is empty", path)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment %s: %w", path, err)
	}

	return &Segment{name: name, path: path, size: size, data: data, readOnly: true}, nil
}

// Bytes exposes the mapped region. The slice stays valid until Close.
func (s *Segment) Bytes() []byte { return s.data }

// Name returns the well-known segment name.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the fixed byte capacity.
func (s *Segment) Size() int { return s.size }

// ReadOnly reports whether the mapping is read-only.
func (s *Segment) ReadOnly() bool { return s.readOnly }

// Close unmaps the segment. It does not remove the backing file; segment
// removal is a separate, explicit operation (see Remove).
func (s *Segment) Close() error {
	if s == nil || s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if err != nil {
		return fmt.Errorf("unmap segment %s: %w", s.path, err)
	}
	return nil
}

// Remove unlinks a segment by name. It reports whether a segment was
// actually removed; a missing segment is not an error so cleanup stays
// idempotent.
func Remove(dir, name string) (bool, error) {
	path := filepath.Join(dir, name)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove segment %s: %w", path, err)
	}
	return true, nil
}

// Exists reports whether a segment file is present and returns its size.
func Exists(dir, name string) (bool, int64) {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}
