package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestServerServesCounters(t *testing.T) {
	m := New()
	m.FramesCaptured.Add(7)
	m.FramesPublished.Add(6)
	m.DeviceTimeouts.Add(1)

	srv, err := NewServer("127.0.0.1:0", m)
	if err != nil {
		t.Fatalf("start metrics server: %v", err)
	}
	defer srv.Close(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}

	text := string(body)
	for _, want := range []string{
		"camgate_frames_captured_total 7",
		"camgate_frames_published_total 6",
		"camgate_device_timeouts_total 1",
		"camgate_daemon_state 0",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestObservePublishNeverNegative(t *testing.T) {
	m := New()
	m.ObservePublish(time.Now().Add(5 * time.Second))
	if got := m.PublishLatencyMs.Load(); got != 0 {
		t.Fatalf("latency for future capture time = %d, want 0", got)
	}
	m.ObservePublish(time.Now().Add(-50 * time.Millisecond))
	if got := m.PublishLatencyMs.Load(); got < 50 {
		t.Fatalf("latency = %d, want >= 50", got)
	}
	if got := m.FramesPublished.Load(); got != 2 {
		t.Fatalf("frames published = %d, want 2", got)
	}
}
