// Package recovery replays coverage gaps and retries failed sources.
//
// Both tracks run windows through the same runner path as scheduled runs,
// tagged mode=recovery, and rely on the load step being an idempotent
// upsert. Nothing here deduplicates.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"possync/internal/gaps"
	"possync/internal/ledger"
	"possync/internal/metrics"
	"possync/internal/runner"
	"possync/pkg/logx"
)

// SourceRunner runs one unit through the ordinary run path.
type SourceRunner interface {
	RunSource(ctx context.Context, u runner.Unit) runner.Outcome
}

// Summary counts what a recovery pass did.
type Summary struct {
	Considered int              `json:"considered"`
	Attempted  int              `json:"attempted"`
	Recovered  int              `json:"recovered"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Outcomes   []runner.Outcome `json:"outcomes,omitempty"`
}

type Orchestrator struct {
	run      SourceRunner
	detector *gaps.Detector
	log      logx.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	limiter *rate.Limiter
}

type Option func(*Orchestrator)

func WithLogger(log logx.Logger) Option     { return func(o *Orchestrator) { o.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithReplayRate paces replays to perSec; 0 leaves them unpaced.
func WithReplayRate(perSec float64) Option {
	return func(o *Orchestrator) { o.limiter = newLimiter(perSec) }
}

func New(run SourceRunner, detector *gaps.Detector, opts ...Option) *Orchestrator {
	o := &Orchestrator{run: run, detector: detector, log: logx.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(logx.Comp("recovery"))
	return o
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

// SetReplayRate changes pacing for later replays.
func (o *Orchestrator) SetReplayRate(perSec float64) {
	o.mu.Lock()
	o.limiter = newLimiter(perSec)
	o.mu.Unlock()
}

func (o *Orchestrator) pace(ctx context.Context) error {
	o.mu.Lock()
	l := o.limiter
	o.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Recover replays at most maxGaps gaps, oldest first. maxGaps <= 0 means
// all of them. A failing or panicking gap is counted and the rest still run.
func (o *Orchestrator) Recover(ctx context.Context, gs []gaps.Gap, maxGaps int) Summary {
	ordered := append([]gaps.Gap(nil), gs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].HourStart.Equal(ordered[j].HourStart) {
			return ordered[i].HourStart.Before(ordered[j].HourStart)
		}
		return ordered[i].SourceID < ordered[j].SourceID
	})

	sum := Summary{Considered: len(ordered)}
	if maxGaps > 0 && len(ordered) > maxGaps {
		sum.Skipped = len(ordered) - maxGaps
		ordered = ordered[:maxGaps]
	}

	for i, g := range ordered {
		err := ctx.Err()
		if err == nil {
			err = o.pace(ctx)
		}
		if err != nil {
			sum.Skipped += len(ordered) - i
			o.log.Warn("recovery interrupted", logx.Int("remaining", len(ordered)-i), logx.Err(err))
			break
		}
		sum.Attempted++
		out := o.replay(ctx, g)
		sum.Outcomes = append(sum.Outcomes, out)
		o.metrics.Recovery(g.JobKind, out.OK())
		if out.OK() {
			sum.Recovered++
		} else {
			sum.Failed++
		}
	}

	if sum.Considered > 0 {
		o.log.Info("recovery pass finished",
			logx.Int("considered", sum.Considered),
			logx.Int("recovered", sum.Recovered),
			logx.Int("failed", sum.Failed),
			logx.Int("skipped", sum.Skipped),
		)
	}
	return sum
}

func (o *Orchestrator) replay(ctx context.Context, g gaps.Gap) (out runner.Outcome) {
	w := g.Window()
	u := runner.Unit{
		JobKind:     g.JobKind,
		SourceID:    g.SourceID,
		Window:      w,
		Hour:        &w,
		Mode:        ledger.ModeRecovery,
		TriggeredBy: "recovery",
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("gap replay panicked",
				logx.Source(g.SourceID),
				logx.Window(w.Start, w.End),
				logx.Any("panic", r),
			)
			out = runner.Outcome{
				Unit:    u,
				Status:  ledger.StatusFailed,
				Failure: ledger.Failure{Kind: runner.KindPanic, Message: fmt.Sprint(r)},
			}
		}
	}()
	return o.run.RunSource(ctx, u)
}

// RecentParams drives the ad-hoc recovery that follows every normal run.
type RecentParams struct {
	JobKind              string
	Sources              []string
	LookbackHours        int
	MaxGaps              int
	Hours                gaps.BusinessHours
	RequireRecordsLoaded bool
}

// RecoverRecent detects gaps in the trailing lookback and replays a few.
func (o *Orchestrator) RecoverRecent(ctx context.Context, p RecentParams) (Summary, error) {
	if o.detector == nil {
		return Summary{}, errors.New("recovery: no gap detector")
	}
	found, err := o.detector.Detect(ctx, gaps.Params{
		JobKind:              p.JobKind,
		Sources:              p.Sources,
		LookbackHours:        p.LookbackHours,
		Hours:                p.Hours,
		RequireRecordsLoaded: p.RequireRecordsLoaded,
	})
	if err != nil {
		return Summary{}, errors.Wrap(err, "detect gaps")
	}
	return o.Recover(ctx, found, p.MaxGaps), nil
}
