package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Camera contains capture device configuration.
type Camera struct {
	ColorDevice string `toml:"color_device"`
	DepthDevice string `toml:"depth_device"`
	Width       int    `toml:"width"`
	Height      int    `toml:"height"`
	FPS         int    `toml:"fps"`
	Synthetic   bool   `toml:"synthetic"`
}

// SharedMemory contains segment naming and placement configuration.
type SharedMemory struct {
	Dir        string `toml:"dir"`
	NamePrefix string `toml:"name_prefix"`
}

// Producer contains capture loop timing and retry configuration.
type Producer struct {
	HeartbeatIntervalMillis int  `toml:"heartbeat_interval_ms"`
	ReadTimeoutMillis       int  `toml:"read_timeout_ms"`
	ReadRetryLimit          int  `toml:"read_retry_limit"`
	DepthFilters            bool `toml:"depth_filters"`
	UnlinkOnStop            bool `toml:"unlink_on_stop"`
}

// Client contains frame consumer tuning.
type Client struct {
	StalenessThresholdMillis int `toml:"staleness_threshold_ms"`
	TornReadRetryLimit       int `toml:"torn_read_retry_limit"`
}

// Metrics contains Prometheus exposition configuration.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for camgate.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Camera: device nodes, resolution, capture rate
//   - SharedMemory: segment directory and well-known name prefix
//   - Producer: capture loop timing, retry budget, depth filtering
//   - Client: consumer staleness threshold and torn-read retry bound
//   - Metrics: Prometheus exposition bind
//   - Logging: log format, level, and retention
type Config struct {
	Paths        Paths        `toml:"paths"`
	Camera       Camera       `toml:"camera"`
	SharedMemory SharedMemory `toml:"shm"`
	Producer     Producer     `toml:"producer"`
	Client       Client       `toml:"client"`
	Metrics      Metrics      `toml:"metrics"`
	Logging      Logging      `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/camgate/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The second return is
// the resolved config path and the third reports whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("camgate.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.SharedMemory.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SocketPath returns the daemon control socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.LogDir, "camgated.sock")
}

// PIDFilePath returns the daemon PID file location.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.Paths.LogDir, "camgated.pid")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "camgated.lock")
}

// HeartbeatInterval returns the producer heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Producer.HeartbeatIntervalMillis) * time.Millisecond
}

// ReadTimeout returns the bounded per-frame device read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Producer.ReadTimeoutMillis) * time.Millisecond
}

// StalenessThreshold returns the heartbeat age past which the daemon is
// presumed dead by consumers.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Client.StalenessThresholdMillis) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
