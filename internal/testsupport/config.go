// Package testsupport builds throwaway configurations for tests so every
// test runs against its own temp directories, including a private shared
// memory directory.
package testsupport

import (
	"path/filepath"
	"testing"

	"camgate/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per
// test. Tests map segments under a private directory instead of the real
// /dev/shm, and use a small synthetic frame size to keep copies cheap.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.SharedMemory.Dir = filepath.Join(base, "shm")
	cfgVal.Camera.Synthetic = true
	cfgVal.Camera.Width = 64
	cfgVal.Camera.Height = 48
	cfgVal.Camera.FPS = 60
	cfgVal.Producer.HeartbeatIntervalMillis = 20
	cfgVal.Producer.ReadTimeoutMillis = 250
	cfgVal.Client.StalenessThresholdMillis = 200
	cfgVal.Metrics.Enabled = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("create config directories: %v", err)
	}

	return builder.cfg
}

// WithResolution overrides the capture resolution on the test config.
func WithResolution(width, height int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Camera.Width = width
		b.cfg.Camera.Height = height
	}
}

// WithFPS overrides the synthetic capture rate on the test config.
func WithFPS(fps int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Camera.FPS = fps
	}
}

// WithUnlinkOnStop makes the producer remove its segments on clean stop.
func WithUnlinkOnStop() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Producer.UnlinkOnStop = true
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
