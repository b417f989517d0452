package config

import "strings"

// normalize expands path fields and backfills zero values with defaults so a
// partially specified config file still yields a complete runtime config.
func (c *Config) normalize() error {
	defaults := Default()

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaults.Paths.DataDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
	for _, field := range []*string{&c.Paths.DataDir, &c.Paths.LogDir} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	if strings.TrimSpace(c.Camera.ColorDevice) == "" {
		c.Camera.ColorDevice = defaults.Camera.ColorDevice
	}
	if strings.TrimSpace(c.Camera.DepthDevice) == "" {
		c.Camera.DepthDevice = defaults.Camera.DepthDevice
	}
	if c.Camera.Width <= 0 {
		c.Camera.Width = defaults.Camera.Width
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = defaults.Camera.Height
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = defaults.Camera.FPS
	}

	if strings.TrimSpace(c.SharedMemory.Dir) == "" {
		c.SharedMemory.Dir = defaults.SharedMemory.Dir
	}
	if strings.TrimSpace(c.SharedMemory.NamePrefix) == "" {
		c.SharedMemory.NamePrefix = defaults.SharedMemory.NamePrefix
	}

	if c.Producer.HeartbeatIntervalMillis <= 0 {
		c.Producer.HeartbeatIntervalMillis = defaults.Producer.HeartbeatIntervalMillis
	}
	if c.Producer.ReadTimeoutMillis <= 0 {
		c.Producer.ReadTimeoutMillis = defaults.Producer.ReadTimeoutMillis
	}
	if c.Producer.ReadRetryLimit <= 0 {
		c.Producer.ReadRetryLimit = defaults.Producer.ReadRetryLimit
	}

	if c.Client.StalenessThresholdMillis <= 0 {
		c.Client.StalenessThresholdMillis = defaults.Client.StalenessThresholdMillis
	}
	if c.Client.TornReadRetryLimit <= 0 {
		c.Client.TornReadRetryLimit = defaults.Client.TornReadRetryLimit
	}

	if strings.TrimSpace(c.Metrics.Bind) == "" {
		c.Metrics.Bind = defaults.Metrics.Bind
	}

	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}

	return nil
}
