// Package metrics exposes daemon counters over Prometheus. Hot-path
// code increments plain atomics; Prometheus collectors read the atomics
// lazily at scrape time so the capture loop never touches the registry.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon counters.
type Metrics struct {
	// Capture pipeline counters.
	FramesCaptured  atomic.Uint64
	FramesPublished atomic.Uint64
	DeviceTimeouts  atomic.Uint64
	DeviceRetries   atomic.Uint64

	// Heartbeat counters.
	HeartbeatsWritten atomic.Uint64

	// Milliseconds from sensor capture to segment publish, last frame.
	PublishLatencyMs atomic.Uint64

	// Daemon state as reported by the lifecycle machine. Stored as the
	// numeric state code so a GaugeFunc can export it.
	StateCode atomic.Uint64

	registry *prometheus.Registry
}

// New builds a Metrics instance with its collectors registered on a
// private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauge := func(name, help string, load func() uint64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(load()) },
		))
	}

	gauge("camgate_frames_captured_total", "Frame pairs read from the camera device", m.FramesCaptured.Load)
	gauge("camgate_frames_published_total", "Frame pairs published to shared memory", m.FramesPublished.Load)
	gauge("camgate_device_timeouts_total", "Camera reads that exceeded the read timeout", m.DeviceTimeouts.Load)
	gauge("camgate_device_retries_total", "Camera read retries after transient failures", m.DeviceRetries.Load)
	gauge("camgate_heartbeats_total", "Heartbeat counter increments written to the metadata segment", m.HeartbeatsWritten.Load)
	gauge("camgate_publish_latency_ms", "Capture-to-publish latency of the most recent frame in milliseconds", m.PublishLatencyMs.Load)
	gauge("camgate_daemon_state", "Daemon lifecycle state code", m.StateCode.Load)
}

// ObservePublish records a published frame and its capture-to-publish
// latency.
func (m *Metrics) ObservePublish(capturedAt time.Time) {
	m.FramesPublished.Add(1)
	ms := time.Since(capturedAt).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	m.PublishLatencyMs.Store(uint64(ms))
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on its own listener so the daemon can shut it
// down cleanly.
type Server struct {
	srv  *http.Server
	addr string
	done chan struct{}
	err  error
}

// NewServer binds addr and starts serving scrapes in the background.
func NewServer(addr string, m *Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &Server{
		srv:  &http.Server{Handler: mux},
		addr: ln.Addr().String(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err = err
		}
	}()
	return s, nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Close stops the scrape server and waits for the serve loop to exit.
func (s *Server) Close(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	<-s.done
	return s.err
}
