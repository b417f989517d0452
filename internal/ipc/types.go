package ipc

// StartRequest asks an idle daemon to start capturing.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the capture daemon.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// SegmentStatus describes one mapped shared memory segment.
type SegmentStatus struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int    `json:"size"`
}

// StatusResponse is the daemon's self-reported runtime information.
type StatusResponse struct {
	State         string          `json:"state"`
	PID           int             `json:"pid"`
	RunID         string          `json:"run_id"`
	StartedAt     string          `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Device        string          `json:"device"`
	Synthetic     bool            `json:"synthetic"`
	DeviceAbsent  bool            `json:"device_absent"`
	LastSeq       uint64          `json:"last_seq"`
	Segments      []SegmentStatus `json:"segments"`
	LogPath       string          `json:"log_path"`
	LockPath      string          `json:"lock_path"`
	RegistryPath  string          `json:"registry_path"`
	MetricsAddr   string          `json:"metrics_addr"`
	LastError     string          `json:"last_error"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
