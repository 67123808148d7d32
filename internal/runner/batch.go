package runner

import (
	"context"

	"golang.org/x/sync/errgroup"

	"possync/internal/config"
	"possync/internal/ledger"
	"possync/pkg/logx"
)

// Source is a source scheduled into a batch.
type Source struct {
	ID        string `json:"id"`
	Transport string `json:"transport"`
}

// Batch runs every source over the same window.
type Batch struct {
	JobKind     string
	Window      ledger.Window
	Sources     []Source
	Mode        ledger.Mode
	TriggeredBy string
}

// Units expands b into the (source, window) units it will run.
func (b Batch) Units() []Unit {
	out := make([]Unit, len(b.Sources))
	for i, s := range b.Sources {
		out[i] = Unit{
			JobKind:     b.JobKind,
			SourceID:    s.ID,
			Transport:   s.Transport,
			Window:      b.Window,
			Mode:        b.Mode,
			TriggeredBy: b.TriggeredBy,
		}
	}
	return out
}

// BatchOutcome holds one Outcome per source, in batch order.
type BatchOutcome struct {
	Outcomes []Outcome `json:"outcomes"`
}

func (b BatchOutcome) Succeeded() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed lists the sources that did not finish successfully.
func (b BatchOutcome) Failed() []string {
	var out []string
	for _, o := range b.Outcomes {
		if !o.OK() {
			out = append(out, o.Unit.SourceID)
		}
	}
	return out
}

func (b BatchOutcome) Loaded() int64 {
	var n int64
	for _, o := range b.Outcomes {
		n += o.Counts.Loaded
	}
	return n
}

// Status folds the batch into one ledger status: success when every
// source succeeded, failed when none did, partial otherwise.
func (b BatchOutcome) Status() ledger.Status {
	ok := b.Succeeded()
	switch {
	case ok == len(b.Outcomes):
		return ledger.StatusSuccess
	case ok == 0:
		return ledger.StatusFailed
	default:
		return ledger.StatusPartial
	}
}

// RunBatch runs REST sources on a bounded worker pool and legacy database
// sources one at a time, the latter alongside the pool. One source's
// failure never stops the others.
func (e *Executor) RunBatch(ctx context.Context, b Batch) BatchOutcome {
	units := b.Units()
	out := BatchOutcome{Outcomes: make([]Outcome, len(units))}
	workers := e.Policy().Workers
	if workers <= 0 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	var legacy []int
	for i, u := range units {
		if u.Transport == config.TransportLegacyDB {
			legacy = append(legacy, i)
			continue
		}
		if ctx.Err() != nil {
			out.Outcomes[i] = canceled(u, ctx.Err())
			continue
		}
		g.Go(func() error {
			out.Outcomes[i] = e.RunSource(ctx, u)
			return nil
		})
	}
	for _, i := range legacy {
		if ctx.Err() != nil {
			out.Outcomes[i] = canceled(units[i], ctx.Err())
			continue
		}
		out.Outcomes[i] = e.RunSource(ctx, units[i])
	}
	_ = g.Wait()

	e.log.Info("batch finished",
		logx.JobKind(b.JobKind),
		logx.String("mode", string(b.Mode)),
		logx.Window(b.Window.Start, b.Window.End),
		logx.Int("sources", len(units)),
		logx.Int("succeeded", out.Succeeded()),
		logx.Strings("failed", out.Failed()),
	)
	return out
}

func canceled(u Unit, err error) Outcome {
	return Outcome{
		Unit:    u,
		Status:  ledger.StatusFailed,
		Failure: ledger.Failure{Kind: KindCanceled, Message: err.Error()},
	}
}
