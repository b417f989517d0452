package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"camgate/internal/camera"
	"camgate/internal/config"
	"camgate/internal/logging"
	"camgate/internal/metrics"
	"camgate/internal/shm"
	"camgate/internal/testsupport"
)

func cameraConfig(cfg *config.Config) camera.Config {
	return camera.Config{
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    cfg.Camera.FPS,
	}
}

func startProducer(t *testing.T, cfg *config.Config) *Producer {
	t.Helper()
	p := New(cfg, camera.NewSynthetic(cameraConfig(cfg)), logging.NewNop(), metrics.New())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start producer: %v", err)
	}
	return p
}

func TestStartCreatesSegmentSet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p := startProducer(t, cfg)
	defer p.Close()

	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)
	wantSizes := map[string]int64{
		names.RGB:   int64(shm.RGBSize(cfg.Camera.Width, cfg.Camera.Height)),
		names.Depth: int64(shm.DepthSize(cfg.Camera.Width, cfg.Camera.Height)),
		names.Meta:  shm.MetadataSize,
	}
	for name, want := range wantSizes {
		ok, size := shm.Exists(cfg.SharedMemory.Dir, name)
		if !ok {
			t.Fatalf("segment %s missing after start", name)
		}
		if size != want {
			t.Fatalf("segment %s size = %d, want %d", name, size, want)
		}
	}

	if infos := p.Segments(); len(infos) != 3 {
		t.Fatalf("Segments() returned %d entries, want 3", len(infos))
	}
}

func TestRunPublishesMonotonicSequences(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p := startProducer(t, cfg)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var last uint64
	for time.Now().Before(deadline) && last < 5 {
		seq := p.LastSeq()
		if seq < last {
			t.Fatalf("sequence went backwards: %d after %d", seq, last)
		}
		last = seq
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error on cancel: %v", err)
	}
	if last < 5 {
		t.Fatalf("published only %d frames in 2s", last)
	}
}

func TestRunPublishesPayloadBeforeSequence(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p := startProducer(t, cfg)
	defer p.Close()

	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)
	rgb, err := shm.Open(cfg.SharedMemory.Dir, names.RGB)
	if err != nil {
		t.Fatalf("open rgb segment: %v", err)
	}
	defer rgb.Close()
	meta, err := shm.Open(cfg.SharedMemory.Dir, names.Meta)
	if err != nil {
		t.Fatalf("open meta segment: %v", err)
	}
	defer meta.Close()
	view, err := shm.NewMetaView(meta)
	if err != nil {
		t.Fatalf("meta view: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The synthetic source encodes the sequence number in the blue channel
	// of the background. A stable double-read around the pixel copy must
	// therefore always see a blue value matching the sequence it observed.
	checked := 0
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && checked < 10 {
		before := view.Seq()
		if before == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		blue := rgb.Bytes()[2]
		after := view.Seq()
		if before != after {
			continue // torn, retry
		}
		if int(before)*8%cfg.Camera.Width == 0 {
			// The moving bar covers pixel (0,0) at these sequences.
			continue
		}
		if blue != byte(before) {
			t.Fatalf("sequence %d visible with stale payload blue=%d", before, blue)
		}
		checked++
	}
	cancel()
	<-done
	if checked == 0 {
		t.Fatal("never observed a stable read")
	}
}

func TestRunReturnsDeviceStalledAfterRetryBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Producer.ReadRetryLimit = 2
	cfg.Producer.ReadTimeoutMillis = 10

	p := New(cfg, &stallingDevice{}, logging.NewNop(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start producer: %v", err)
	}
	defer p.Close()

	err := p.Run(context.Background())
	if !errors.Is(err, ErrDeviceStalled) {
		t.Fatalf("run error = %v, want ErrDeviceStalled", err)
	}
	if !errors.Is(err, camera.ErrReadTimeout) {
		t.Fatalf("run error = %v, want wrapped read timeout", err)
	}
}

func TestHeartbeatAdvancesWhileIdle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p := startProducer(t, cfg)
	defer p.Close()

	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)
	meta, err := shm.Open(cfg.SharedMemory.Dir, names.Meta)
	if err != nil {
		t.Fatalf("open meta segment: %v", err)
	}
	defer meta.Close()
	view, err := shm.NewMetaView(meta)
	if err != nil {
		t.Fatalf("meta view: %v", err)
	}

	first, _ := view.Heartbeat()
	deadline := time.Now().Add(time.Second)
	for {
		count, at := view.Heartbeat()
		if count > first {
			if time.Since(at) > time.Second {
				t.Fatalf("heartbeat timestamp stale: %v", at)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat counter never advanced")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseLeavesSegmentsByDefault(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p := startProducer(t, cfg)
	if err := p.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}

	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)
	for _, name := range names.All() {
		if ok, _ := shm.Exists(cfg.SharedMemory.Dir, name); !ok {
			t.Fatalf("segment %s removed on close, want left for explicit cleanup", name)
		}
	}
}

func TestCloseUnlinksWhenConfigured(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithUnlinkOnStop())
	p := startProducer(t, cfg)
	if err := p.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}

	names := shm.SegmentNames(cfg.SharedMemory.NamePrefix)
	for _, name := range names.All() {
		if ok, _ := shm.Exists(cfg.SharedMemory.Dir, name); ok {
			t.Fatalf("segment %s still present after unlink-on-stop close", name)
		}
	}
}

// stallingDevice opens fine and then times out on every read.
type stallingDevice struct{}

func (d *stallingDevice) Open(context.Context) error { return nil }

func (d *stallingDevice) ReadPair(ctx context.Context, timeout time.Duration) (camera.FramePair, error) {
	select {
	case <-ctx.Done():
		return camera.FramePair{}, ctx.Err()
	case <-time.After(timeout):
		return camera.FramePair{}, camera.ErrReadTimeout
	}
}

func (d *stallingDevice) Close() error { return nil }
