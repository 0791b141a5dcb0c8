package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls when passes run and how many actions a pass
	// processes in parallel.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls per-occurrence retries. If omitted, occurrences are
	// attempted once per pass.
	Engine *EngineConfig `json:"engine,omitempty"`

	// Backup supplies defaults for BACKUP actions whose tag leaves a field
	// empty.
	Backup BackupConfig `json:"backup"`

	// Debug is an optional HTTP listener exposing /healthz, /status and
	// pprof. Disabled by default.
	Debug DebugConfig `json:"debug"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./ledgerd.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default) | file | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the pass trigger.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - schedule: "30m"
//   - workers: 1
//   - pass_timeout: "10m"
//   - failure_report_every: "1h"
//   - circuit.trip_failures: 3 (negative disables)
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron expression, Go duration or HH:MM interval.
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	Workers            int    `json:"workers,omitempty"`
	PassTimeout        string `json:"pass_timeout,omitempty"`
	RunOnStart         bool   `json:"run_on_start,omitempty"`
	FailureReportEvery string `json:"failure_report_every,omitempty"`

	Circuit CircuitConfig `json:"circuit"`
}

type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// EngineConfig controls occurrence retries inside one pass.
//
// Defaults when retry_max > 0: retry_base "500ms", retry_max_delay "15s",
// retry_jitter 0.2. attempt_timeout "0s" disables the per-attempt timeout.
type EngineConfig struct {
	RetryMax       int     `json:"retry_max,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty"`
}

// BackupConfig holds exporter defaults.
type BackupConfig struct {
	Dir         string `json:"dir"`
	Format      string `json:"format,omitempty"`      // json (default) | cbor
	Compression string `json:"compression,omitempty"` // gzip (default) | zstd | none
}

// DebugConfig controls the debug HTTP server.
//
// Security:
//   - Prefer binding to localhost (default "127.0.0.1:6060").
//   - A non-loopback addr requires Token unless AllowInsecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
