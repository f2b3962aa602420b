package config

// Config is the process configuration, read once at startup and
// optionally hot-reloaded by the Manager.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Runner controls the execution worker pool.
	Runner RunnerConfig `json:"runner"`

	// Scheduler controls cron trigger behavior.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Stream controls live event streaming to HTTP clients.
	Stream StreamConfig `json:"stream"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default ":8080"

	// RatePerSec limits run-creation requests; 0 disables limiting.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RateBurst  int `json:"rate_burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // keep 0 for SSE endpoints
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the SQLite database holding schedule
// definitions, runs, and coverage snapshots.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RunnerConfig controls the execution worker pool.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent_runs: 4
//   - queue_size: 128
//   - default_timeout: "10m"
type RunnerConfig struct {
	MaxConcurrentRuns int    `json:"max_concurrent_runs,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
	DefaultTimeout    string `json:"default_timeout,omitempty"`

	// Command is the execution backend binary; the run's type, script
	// and target are passed as arguments. Empty means the built-in
	// per-type defaults apply.
	Command string `json:"command,omitempty"`

	// CancelGrace bounds how long cancellation waits for the backend
	// process to confirm termination before forcing the terminal state.
	CancelGrace string `json:"cancel_grace,omitempty"`
}

// SchedulerConfig controls cron triggering.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Berlin"

	// RetryLimit is the max dispatch attempts per schedule trigger.
	RetryLimit int    `json:"retry_limit,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
}

// StreamConfig controls run event streams.
type StreamConfig struct {
	// HeartbeatInterval is the keep-alive cadence for event streams.
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"` // default "15s"

	// SubscriberBuffer is the per-subscriber event buffer.
	SubscriberBuffer int `json:"subscriber_buffer,omitempty"`
}
