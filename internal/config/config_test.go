package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"camgate/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for absent file")
	}
	if cfg.Camera.Width != 1280 || cfg.Camera.Height != 720 {
		t.Fatalf("unexpected default resolution %dx%d", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.SharedMemory.NamePrefix != "camgate" {
		t.Fatalf("unexpected default prefix %q", cfg.SharedMemory.NamePrefix)
	}
}

func TestLoadPartialFileBackfills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[camera]
synthetic = true
fps = 15

[shm]
name_prefix = "bench"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected to load %s, got %s exists=%v", path, resolved, exists)
	}
	if !cfg.Camera.Synthetic || cfg.Camera.FPS != 15 {
		t.Fatalf("camera overrides not applied: %+v", cfg.Camera)
	}
	if cfg.SharedMemory.NamePrefix != "bench" {
		t.Fatalf("prefix override not applied: %q", cfg.SharedMemory.NamePrefix)
	}
	if cfg.Producer.ReadRetryLimit != 5 {
		t.Fatalf("expected backfilled retry limit, got %d", cfg.Producer.ReadRetryLimit)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "zero fps",
			mutate: func(c *config.Config) { c.Camera.FPS = 300 },
			want:   "fps",
		},
		{
			name:   "prefix with slash",
			mutate: func(c *config.Config) { c.SharedMemory.NamePrefix = "cam/gate" },
			want:   "name_prefix",
		},
		{
			name: "heartbeat slower than staleness",
			mutate: func(c *config.Config) {
				c.Producer.HeartbeatIntervalMillis = 5000
				c.Client.StalenessThresholdMillis = 1000
			},
			want: "heartbeat_interval_ms",
		},
		{
			name:   "unknown log format",
			mutate: func(c *config.Config) { c.Logging.Format = "yaml" },
			want:   "logging.format",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample config invalid: %v", err)
	}
}
