package config

import (
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCamera(); err != nil {
		return err
	}
	if err := c.validateSharedMemory(); err != nil {
		return err
	}
	if err := c.validateTimings(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCamera() error {
	if !c.Camera.Synthetic {
		if strings.TrimSpace(c.Camera.ColorDevice) == "" {
			return fmt.Errorf("camera.color_device is required")
		}
		if strings.TrimSpace(c.Camera.DepthDevice) == "" {
			return fmt.Errorf("camera.depth_device is required")
		}
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera resolution %dx%d is invalid", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Width*c.Camera.Height > 3840*2160 {
		return fmt.Errorf("camera resolution %dx%d exceeds the supported maximum", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 || c.Camera.FPS > 120 {
		return fmt.Errorf("camera.fps %d is out of range (1-120)", c.Camera.FPS)
	}
	return nil
}

func (c *Config) validateSharedMemory() error {
	prefix := strings.TrimSpace(c.SharedMemory.NamePrefix)
	if prefix == "" {
		return fmt.Errorf("shm.name_prefix is required")
	}
	if strings.ContainsAny(prefix, "/\\ ") {
		return fmt.Errorf("shm.name_prefix %q must not contain path separators or spaces", prefix)
	}
	return nil
}

func (c *Config) validateTimings() error {
	if c.Producer.HeartbeatIntervalMillis >= c.Client.StalenessThresholdMillis {
		return fmt.Errorf("producer.heartbeat_interval_ms (%d) must be below client.staleness_threshold_ms (%d)",
			c.Producer.HeartbeatIntervalMillis, c.Client.StalenessThresholdMillis)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (console, json)", c.Logging.Format)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	return nil
}
