package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "20m", "3h").
// Times of day are "HH:MM" in the job's (or business hours') timezone.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Diagnostics DiagnosticsConfig `json:"diagnostics,omitempty"`

	// BusinessHours bounds gap detection. Hours outside it are never reported as gaps.
	BusinessHours BusinessHoursConfig `json:"business_hours"`

	// RunnerIdentity is written to every ledger row. Empty means host:pid:uuid.
	RunnerIdentity string `json:"runner_identity,omitempty"`

	Sources []SourceConfig `json:"sources"`
	Jobs    []JobConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console | json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the ledger database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ledger.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://etl@db/warehouse?sslmode=disable" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // may contain credentials; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// DiagnosticsConfig controls the optional health/metrics/pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback address needs a token or allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type BusinessHoursConfig struct {
	Start    string `json:"start"` // default "06:00"
	End      string `json:"end"`   // default "22:00"
	Timezone string `json:"timezone,omitempty"`
}

// SourceConfig is one point-of-sale backend.
//
// Transport "rest" sources share a small worker pool; "legacy_db" sources
// are processed one at a time.
type SourceConfig struct {
	ID        string `json:"id"`
	Transport string `json:"transport"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// JobConfig configures one job kind ("sales", "inventory", ...).
// Each job kind gets its own scheduler loops and lease.
type JobConfig struct {
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`

	ExecutionTime string `json:"execution_time"`
	Timezone      string `json:"timezone,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`

	RetryInterval string `json:"retry_interval,omitempty"`
	MaxRetries    int    `json:"max_retries,omitempty"`
	MaxLeaseAge   string `json:"max_lease_age,omitempty"`

	Workers            int    `json:"workers,omitempty"`
	SourceTimeout      string `json:"source_timeout,omitempty"`
	SourceRetries      int    `json:"source_retries,omitempty"`
	SourceRetryBackoff string `json:"source_retry_backoff,omitempty"`

	RetentionDays int `json:"retention_days,omitempty"`

	// Endpoint is the extractor service URL called for every (source, window).
	Endpoint        string `json:"endpoint"`
	EndpointTimeout string `json:"endpoint_timeout,omitempty"`
	EndpointToken   string `json:"endpoint_token,omitempty"` // never logged

	// Sources restricts the job to a subset of source ids. Empty means all enabled sources.
	Sources []string `json:"sources,omitempty"`

	Recovery RecoveryConfig `json:"recovery"`
}

// RecoveryConfig drives the gap replay that follows every normal run.
type RecoveryConfig struct {
	Enabled          *bool   `json:"enabled,omitempty"` // default true
	LookbackHours    int     `json:"lookback_hours,omitempty"`
	MaxGapsPerCycle  int     `json:"max_gaps_per_cycle,omitempty"`
	ReplayRatePerSec float64 `json:"replay_rate_per_sec,omitempty"`

	// RequireRecordsLoaded stops zero-record successes from counting as coverage.
	RequireRecordsLoaded bool `json:"require_records_loaded,omitempty"`
}

func (r RecoveryConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Job returns the job config for kind.
func (c *Config) Job(kind string) (JobConfig, bool) {
	if c == nil {
		return JobConfig{}, false
	}
	for _, j := range c.Jobs {
		if j.Kind == kind {
			return j, true
		}
	}
	return JobConfig{}, false
}
