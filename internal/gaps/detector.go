package gaps

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"possync/internal/ledger"
	"possync/internal/metrics"
	"possync/pkg/logx"
)

// Gap is one maximal uncovered business-hour interval of a source.
type Gap struct {
	SourceID  string    `json:"source_id"`
	JobKind   string    `json:"job_kind"`
	HourStart time.Time `json:"hour_start"`
	HourEnd   time.Time `json:"hour_end"`

	// Set from the newest failed, partial or killed row overlapping the gap.
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
	ErrorKind         string     `json:"error_kind,omitempty"`
	HoursSinceFailure *float64   `json:"hours_since_failure,omitempty"`
}

func (g Gap) Window() ledger.Window { return ledger.Window{Start: g.HourStart, End: g.HourEnd} }

// Params selects what Detect looks at.
type Params struct {
	JobKind string
	Sources []string
	// Horizon defaults to the trailing LookbackHours when zero.
	Horizon       ledger.Window
	LookbackHours int
	Hours         BusinessHours
	// RequireRecordsLoaded stops zero-record successes from counting as coverage.
	RequireRecordsLoaded bool
}

type Detector struct {
	ledger  *ledger.Ledger
	clock   clockwork.Clock
	log     logx.Logger
	metrics *metrics.Metrics
}

type Option func(*Detector)

func WithClock(c clockwork.Clock) Option    { return func(d *Detector) { d.clock = c } }
func WithLogger(log logx.Logger) Option     { return func(d *Detector) { d.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Detector) { d.metrics = m } }

func New(l *ledger.Ledger, opts ...Option) *Detector {
	d := &Detector{ledger: l, clock: clockwork.NewRealClock(), log: logx.Nop()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logx.Comp("gaps"))
	return d
}

// Detect returns the gaps of every requested source, oldest first.
// A source with no success in the horizon yields all of its business hours.
func (d *Detector) Detect(ctx context.Context, p Params) ([]Gap, error) {
	if p.JobKind == "" {
		return nil, errors.New("gaps: job kind is required")
	}
	now := d.clock.Now()
	horizon := p.Horizon
	if horizon.Start.IsZero() && horizon.End.IsZero() {
		if p.LookbackHours <= 0 {
			return nil, errors.New("gaps: horizon or lookback hours is required")
		}
		horizon = TrailingHorizon(now, p.LookbackHours, p.Hours.loc())
	}
	if !horizon.Valid() {
		return nil, errors.Newf("gaps: inverted horizon %s", horizon)
	}
	if len(p.Sources) == 0 || horizon.Empty() {
		return nil, nil
	}

	buckets := p.Hours.Buckets(horizon)
	if len(buckets) == 0 {
		return nil, nil
	}

	successes, err := d.ledger.Query(ctx, ledger.Filter{
		JobKind:     p.JobKind,
		SourceIDs:   p.Sources,
		Overlapping: &horizon,
		Statuses:    []ledger.Status{ledger.StatusSuccess},
	})
	if err != nil {
		return nil, errors.Wrap(err, "load successful runs")
	}
	failures, err := d.ledger.Query(ctx, ledger.Filter{
		JobKind:     p.JobKind,
		SourceIDs:   p.Sources,
		Overlapping: &horizon,
		Statuses:    []ledger.Status{ledger.StatusFailed, ledger.StatusPartial, ledger.StatusKilled},
	})
	if err != nil {
		return nil, errors.Wrap(err, "load failed runs")
	}

	covered := make(map[string][]ledger.Window, len(p.Sources))
	for _, r := range successes {
		if p.RequireRecordsLoaded && r.Loaded == 0 {
			continue
		}
		covered[r.SourceID] = append(covered[r.SourceID], r.Window)
	}
	failed := make(map[string][]ledger.Record, len(p.Sources))
	for _, r := range failures {
		failed[r.SourceID] = append(failed[r.SourceID], r)
	}

	var out []Gap
	for _, src := range dedupe(p.Sources) {
		for _, w := range Subtract(buckets, Merge(covered[src])) {
			g := Gap{SourceID: src, JobKind: p.JobKind, HourStart: w.Start, HourEnd: w.End}
			annotate(&g, failed[src], now)
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].HourStart.Equal(out[j].HourStart) {
			return out[i].HourStart.Before(out[j].HourStart)
		}
		return out[i].SourceID < out[j].SourceID
	})

	d.metrics.GapsDetected(p.JobKind, len(out))
	if len(out) > 0 {
		d.log.Info("coverage gaps found",
			logx.JobKind(p.JobKind),
			logx.Int("gaps", len(out)),
			logx.Window(horizon.Start, horizon.End),
		)
	}
	return out, nil
}

// annotate fills the failure fields from the newest failure overlapping g.
// Rows whose clock went backwards are still usable; their finish time is
// just not trusted.
func annotate(g *Gap, failures []ledger.Record, now time.Time) {
	var (
		latest time.Time
		kind   string
	)
	w := g.Window()
	for _, r := range failures {
		if !r.Window.Overlaps(w) {
			continue
		}
		at := r.StartedAt
		if r.FinishedAt != nil && !r.FinishedAt.Before(r.StartedAt) {
			at = *r.FinishedAt
		}
		if at.After(latest) {
			latest, kind = at, r.ErrorKind
		}
	}
	if latest.IsZero() {
		return
	}
	since := now.Sub(latest).Hours()
	if since < 0 {
		since = 0
	}
	g.LastFailureAt = &latest
	g.ErrorKind = kind
	g.HoursSinceFailure = &since
}

func dedupe(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		if _, ok := seen[s]; ok || s == "" || s == ledger.LeaseSource {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
