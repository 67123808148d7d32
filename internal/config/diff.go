package config

import (
	"reflect"
	"sort"
	"strings"

	logx "possync/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) structured fields safe to log (never tokens or DSNs), and (3) the job
// kinds whose settings changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS.Driver != newS.Driver || oldS.Path != newS.Path || oldS.DSN != newS.DSN ||
		oldS.BusyTimeout != newS.BusyTimeout || oldS.MaxOpenConns != newS.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newS.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	od, nd := oldCfg.Diagnostics, newCfg.Diagnostics
	tokenFlip := (strings.TrimSpace(od.Token) != "") != (strings.TrimSpace(nd.Token) != "")
	od.Token, nd.Token = "", ""
	if tokenFlip || !reflect.DeepEqual(od, nd) {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", nd.Enabled),
			logx.String("diagnostics.addr", nd.Addr),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(newCfg.Diagnostics.Token) != ""),
		)
	}

	if oldCfg.BusinessHours != newCfg.BusinessHours {
		changed = append(changed, "business_hours")
		attrs = append(attrs,
			logx.String("business_hours.start", newCfg.BusinessHours.Start),
			logx.String("business_hours.end", newCfg.BusinessHours.End),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		attrs = append(attrs, logx.Int("sources.count", len(newCfg.Sources)))
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Strings("jobs.changed", jobs))
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	byKind := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[j.Kind] = j
		}
		return m
	}
	om, nm := byKind(oldJobs), byKind(newJobs)

	out := make([]string, 0)
	for kind, o := range om {
		n, ok := nm[kind]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, kind)
		}
	}
	for kind := range nm {
		if _, ok := om[kind]; !ok {
			out = append(out, kind)
		}
	}
	sort.Strings(out)
	return out
}
