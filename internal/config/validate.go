package config

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalid marks configuration rejected by Validate.
var ErrInvalid = errors.New("invalid config")

const (
	TransportREST     = "rest"
	TransportLegacyDB = "legacy_db"
)

// Validate checks everything that can be checked without touching the network
// or the database. The config watcher runs it before committing a reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.Mark(errors.New("config is nil"), ErrInvalid)
	}
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }
	addErr := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required when storage.driver=postgres")
		}
	default:
		add("storage.driver: unknown %q (use sqlite or postgres)", cfg.Storage.Driver)
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	addErr(err)
	if cfg.Storage.MaxOpenConns < 0 {
		add("storage.max_open_conns must be >= 0")
	}

	for _, f := range []struct{ path, raw string }{
		{"diagnostics.read_timeout", cfg.Diagnostics.ReadTimeout},
		{"diagnostics.write_timeout", cfg.Diagnostics.WriteTimeout},
		{"diagnostics.idle_timeout", cfg.Diagnostics.IdleTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		addErr(err)
	}

	bh := cfg.BusinessHours
	sh, sm, serr := ParseClock(defaultString(bh.Start, "06:00"))
	eh, em, eerr := ParseClock(defaultString(bh.End, "22:00"))
	addErr(serr)
	addErr(eerr)
	if serr == nil && eerr == nil && sh*60+sm >= eh*60+em {
		add("business_hours: start %q must be before end %q", bh.Start, bh.End)
	}
	_, err = ParseLocation("business_hours.timezone", bh.Timezone)
	addErr(err)

	sources := map[string]struct{}{}
	for i, s := range cfg.Sources {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			add("sources[%d].id is required", i)
			continue
		}
		if id == "*" {
			add("sources[%d].id %q is reserved", i, id)
		}
		if _, dup := sources[id]; dup {
			add("sources[%d].id %q is duplicated", i, id)
		}
		sources[id] = struct{}{}
		switch s.Transport {
		case TransportREST, TransportLegacyDB:
		default:
			add("sources[%d].transport: unknown %q (use rest or legacy_db)", i, s.Transport)
		}
	}

	kinds := map[string]struct{}{}
	for i, j := range cfg.Jobs {
		p := fmt.Sprintf("jobs[%d]", i)
		kind := strings.TrimSpace(j.Kind)
		if kind == "" {
			add("%s.kind is required", p)
		} else if _, dup := kinds[kind]; dup {
			add("%s.kind %q is duplicated", p, kind)
		}
		kinds[kind] = struct{}{}

		if h, _, err := ParseClock(j.ExecutionTime); err != nil {
			add("%s.execution_time: %v", p, err)
		} else if h > 23 {
			add("%s.execution_time must be before 24:00", p)
		}
		_, err := ParseLocation(p+".timezone", j.Timezone)
		addErr(err)
		for _, f := range []struct{ name, raw string }{
			{"poll_interval", j.PollInterval},
			{"retry_interval", j.RetryInterval},
			{"max_lease_age", j.MaxLeaseAge},
			{"source_timeout", j.SourceTimeout},
			{"source_retry_backoff", j.SourceRetryBackoff},
			{"endpoint_timeout", j.EndpointTimeout},
		} {
			_, err := ParseDurationField(p+"."+f.name, f.raw)
			addErr(err)
		}
		if j.MaxRetries < 0 || j.Workers < 0 || j.SourceRetries < 0 || j.RetentionDays < 0 {
			add("%s: max_retries, workers, source_retries and retention_days must be >= 0", p)
		}
		if strings.TrimSpace(j.Endpoint) == "" {
			add("%s.endpoint is required", p)
		}
		for _, id := range j.Sources {
			if _, ok := sources[id]; !ok {
				add("%s.sources: unknown source %q", p, id)
			}
		}
		r := j.Recovery
		if r.LookbackHours < 0 || r.MaxGapsPerCycle < 0 || r.ReplayRatePerSec < 0 {
			add("%s.recovery: lookback_hours, max_gaps_per_cycle and replay_rate_per_sec must be >= 0", p)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Mark(errors.Newf("%s", strings.Join(problems, "; ")), ErrInvalid)
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
