package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"possync/internal/config"
	"possync/internal/gaps"
	"possync/internal/runner"
)

const (
	DefaultPollInterval  = time.Minute
	DefaultRetryInterval = 20 * time.Minute
	DefaultMaxRetries    = 3
	DefaultMaxLeaseAge   = 3 * time.Hour
	DefaultLookbackHours = 6
	DefaultMaxGaps       = 5
)

type RecoveryConfig struct {
	Enabled              bool
	LookbackHours        int
	MaxGaps              int
	ReplayRatePerSec     float64
	RequireRecordsLoaded bool
}

// Config is the runtime form of one config.JobConfig.
type Config struct {
	JobKind  string
	Enabled  bool
	Hour     int
	Minute   int
	Location *time.Location

	PollInterval  time.Duration
	RetryInterval time.Duration
	MaxRetries    int
	MaxLeaseAge   time.Duration
	RetentionDays int

	Sources  []runner.Source
	Policy   runner.Policy
	Hours    gaps.BusinessHours
	Recovery RecoveryConfig
}

// ExecutionTime is the configured time of day as HH:MM.
func (c Config) ExecutionTime() string {
	return time.Date(2000, 1, 1, c.Hour, c.Minute, 0, 0, time.UTC).Format("15:04")
}

// SourceIDs lists the configured source ids in order.
func (c Config) SourceIDs() []string {
	out := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		out[i] = s.ID
	}
	return out
}

// FromJob resolves job against the root config. Zero values take defaults.
func FromJob(root *config.Config, job config.JobConfig) (Config, error) {
	if root == nil {
		return Config{}, errors.New("config is nil")
	}
	c := Config{
		JobKind:       strings.TrimSpace(job.Kind),
		Enabled:       job.Enabled,
		MaxRetries:    job.MaxRetries,
		RetentionDays: job.RetentionDays,
	}
	var err error
	if c.Hour, c.Minute, err = config.ParseClock(job.ExecutionTime); err != nil {
		return Config{}, errors.Wrap(err, "execution_time")
	}
	if c.Location, err = config.ParseLocation("timezone", job.Timezone); err != nil {
		return Config{}, err
	}
	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"poll_interval", job.PollInterval, DefaultPollInterval, &c.PollInterval},
		{"retry_interval", job.RetryInterval, DefaultRetryInterval, &c.RetryInterval},
		{"max_lease_age", job.MaxLeaseAge, DefaultMaxLeaseAge, &c.MaxLeaseAge},
		{"source_timeout", job.SourceTimeout, runner.DefaultPolicy().Timeout, &c.Policy.Timeout},
		{"source_retry_backoff", job.SourceRetryBackoff, runner.DefaultPolicy().Backoff, &c.Policy.Backoff},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationOrDefault(d.name, d.raw, d.def); err != nil {
			return Config{}, err
		}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	c.Policy.Retries = job.SourceRetries
	if c.Policy.Retries <= 0 {
		c.Policy.Retries = runner.DefaultPolicy().Retries
	}
	c.Policy.Workers = job.Workers
	if c.Policy.Workers <= 0 {
		c.Policy.Workers = runner.DefaultPolicy().Workers
	}

	bh := root.BusinessHours
	sh, sm, err := config.ParseClock(defaultStr(bh.Start, "06:00"))
	if err != nil {
		return Config{}, errors.Wrap(err, "business_hours.start")
	}
	eh, em, err := config.ParseClock(defaultStr(bh.End, "22:00"))
	if err != nil {
		return Config{}, errors.Wrap(err, "business_hours.end")
	}
	loc, err := config.ParseLocation("business_hours.timezone", bh.Timezone)
	if err != nil {
		return Config{}, err
	}
	if c.Hours, err = gaps.NewBusinessHours(sh, sm, eh, em, loc); err != nil {
		return Config{}, err
	}

	r := job.Recovery
	c.Recovery = RecoveryConfig{
		Enabled:              r.IsEnabled(),
		LookbackHours:        r.LookbackHours,
		MaxGaps:              r.MaxGapsPerCycle,
		ReplayRatePerSec:     r.ReplayRatePerSec,
		RequireRecordsLoaded: r.RequireRecordsLoaded,
	}
	if c.Recovery.LookbackHours <= 0 {
		c.Recovery.LookbackHours = DefaultLookbackHours
	}
	if c.Recovery.MaxGaps <= 0 {
		c.Recovery.MaxGaps = DefaultMaxGaps
	}

	wanted := map[string]bool{}
	for _, id := range job.Sources {
		wanted[id] = true
	}
	for _, s := range root.Sources {
		if !s.IsEnabled() || (len(wanted) > 0 && !wanted[s.ID]) {
			continue
		}
		c.Sources = append(c.Sources, runner.Source{ID: s.ID, Transport: s.Transport})
	}
	return c, nil
}

func defaultStr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
