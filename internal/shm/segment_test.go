package shm_test

import (
	"testing"
	"time"

	"camgate/internal/shm"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	writer, err := shm.Create(dir, "camgate-rgb", 64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer writer.Close()

	copy(writer.Bytes(), []byte("frame payload"))

	reader, err := shm.Open(dir, "camgate-rgb")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	if !reader.ReadOnly() {
		t.Fatal("expected read-only consumer mapping")
	}
	if got := string(reader.Bytes()[:13]); got != "frame payload" {
		t.Fatalf("consumer read %q", got)
	}
}

func TestCreateReusesExistingSegment(t *testing.T) {
	dir := t.TempDir()

	first, err := shm.Create(dir, "camgate-meta", shm.MetadataSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first.Bytes()[0] = 0xAB
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := shm.Create(dir, "camgate-meta", shm.MetadataSize)
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	defer second.Close()
	if second.Bytes()[0] != 0xAB {
		t.Fatal("expected pre-existing segment contents to survive reattach")
	}
}

func TestOpenMissingSegment(t *testing.T) {
	if _, err := shm.Open(t.TempDir(), "camgate-rgb"); err == nil {
		t.Fatal("expected error for missing segment")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seg, err := shm.Create(dir, "camgate-depth", 32)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	removed, err := shm.Remove(dir, "camgate-depth")
	if err != nil || !removed {
		t.Fatalf("first Remove: removed=%v err=%v", removed, err)
	}
	removed, err = shm.Remove(dir, "camgate-depth")
	if err != nil || removed {
		t.Fatalf("second Remove should be a no-op: removed=%v err=%v", removed, err)
	}
}

func TestSegmentNames(t *testing.T) {
	names := shm.SegmentNames("camgate")
	if names.RGB != "camgate-rgb" || names.Depth != "camgate-depth" || names.Meta != "camgate-meta" {
		t.Fatalf("unexpected names: %+v", names)
	}
	if len(names.All()) != 3 {
		t.Fatalf("expected 3 names, got %d", len(names.All()))
	}
}

func TestMetaViewPublishAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	seg, err := shm.Create(dir, "camgate-meta", shm.MetadataSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Close()

	view, err := shm.NewMetaView(seg)
	if err != nil {
		t.Fatalf("NewMetaView: %v", err)
	}
	view.Init(4321, 1280, 720)
	if !view.Valid() {
		t.Fatal("expected valid magic after Init")
	}
	if view.Seq() != 0 {
		t.Fatalf("expected zero sequence after Init, got %d", view.Seq())
	}

	captured := time.Unix(1700000000, 123456789)
	view.Publish(7, captured, true, true)
	view.Beat(captured.Add(time.Second))

	// Read the same block through a consumer mapping.
	reader, err := shm.Open(dir, "camgate-meta")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	rview, err := shm.NewMetaView(reader)
	if err != nil {
		t.Fatalf("NewMetaView reader: %v", err)
	}

	meta := rview.Snapshot()
	if meta.Seq != 7 {
		t.Fatalf("Seq = %d, want 7", meta.Seq)
	}
	if !meta.Timestamp.Equal(captured) {
		t.Fatalf("Timestamp = %v, want %v", meta.Timestamp, captured)
	}
	if meta.Width != 1280 || meta.Height != 720 {
		t.Fatalf("dimensions = %dx%d", meta.Width, meta.Height)
	}
	if !meta.RGBValid || !meta.DepthValid {
		t.Fatalf("validity flags = %+v", meta)
	}
	if meta.ProducerPID != 4321 {
		t.Fatalf("ProducerPID = %d", meta.ProducerPID)
	}
	if meta.Heartbeat != 1 || meta.HeartbeatAt.IsZero() {
		t.Fatalf("heartbeat = %d at %v", meta.Heartbeat, meta.HeartbeatAt)
	}
}

func TestMetaViewRejectsShortSegment(t *testing.T) {
	seg, err := shm.Create(t.TempDir(), "camgate-meta", 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Close()
	if _, err := shm.NewMetaView(seg); err == nil {
		t.Fatal("expected error for undersized metadata segment")
	}
}

func TestPayloadSizes(t *testing.T) {
	if shm.RGBSize(1280, 720) != 1280*720*3 {
		t.Fatal("rgb size")
	}
	if shm.DepthSize(1280, 720) != 1280*720*2 {
		t.Fatal("depth size")
	}
}
