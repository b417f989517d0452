package config

const (
	defaultDataDir   = "~/.local/share/camgate"
	defaultLogDir    = "~/.local/share/camgate/logs"
	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultColorDevice = "/dev/video0"
	defaultDepthDevice = "/dev/video1"
	defaultWidth       = 1280
	defaultHeight      = 720
	defaultFPS         = 30

	defaultShmDir     = "/dev/shm"
	defaultNamePrefix = "camgate"

	defaultHeartbeatIntervalMillis = 500
	defaultReadTimeoutMillis       = 2000
	defaultReadRetryLimit          = 5

	defaultStalenessThresholdMillis = 3000
	defaultTornReadRetryLimit       = 3

	defaultMetricsBind      = "127.0.0.1:9406"
	defaultLogRetentionDays = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Camera: Camera{
			ColorDevice: defaultColorDevice,
			DepthDevice: defaultDepthDevice,
			Width:       defaultWidth,
			Height:      defaultHeight,
			FPS:         defaultFPS,
		},
		SharedMemory: SharedMemory{
			Dir:        defaultShmDir,
			NamePrefix: defaultNamePrefix,
		},
		Producer: Producer{
			HeartbeatIntervalMillis: defaultHeartbeatIntervalMillis,
			ReadTimeoutMillis:       defaultReadTimeoutMillis,
			ReadRetryLimit:          defaultReadRetryLimit,
			DepthFilters:            true,
		},
		Client: Client{
			StalenessThresholdMillis: defaultStalenessThresholdMillis,
			TornReadRetryLimit:       defaultTornReadRetryLimit,
		},
		Metrics: Metrics{
			Enabled: true,
			Bind:    defaultMetricsBind,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
