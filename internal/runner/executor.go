package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"possync/internal/ledger"
	"possync/internal/metrics"
	"possync/pkg/logx"
)

// Policy bounds a single source execution.
type Policy struct {
	// Timeout per callback attempt; 0 disables it.
	Timeout time.Duration
	// Retries after the first attempt when the callback returns an error.
	Retries int
	// Backoff is the fixed pause between attempts.
	Backoff time.Duration
	// Workers caps concurrent REST sources in a batch.
	Workers int
}

func DefaultPolicy() Policy {
	return Policy{Timeout: 10 * time.Minute, Retries: 2, Backoff: 5 * time.Second, Workers: 3}
}

// Unit is one (source, window) run.
type Unit struct {
	JobKind     string         `json:"job_kind"`
	SourceID    string         `json:"source_id"`
	Transport   string         `json:"transport,omitempty"`
	Window      ledger.Window  `json:"window"`
	Hour        *ledger.Window `json:"hour,omitempty"`
	Mode        ledger.Mode    `json:"mode"`
	TriggeredBy string         `json:"triggered_by"`
}

// Outcome is how a unit ended, as written to the ledger.
type Outcome struct {
	Unit        Unit           `json:"unit"`
	ExecutionID int64          `json:"execution_id"`
	Status      ledger.Status  `json:"status"`
	Counts      ledger.Counts  `json:"counts"`
	Failure     ledger.Failure `json:"failure"`
	Attempts    int            `json:"attempts"`
	Took        time.Duration  `json:"took"`
}

func (o Outcome) OK() bool { return o.Status == ledger.StatusSuccess }

type Executor struct {
	ledger  *ledger.Ledger
	cb      Callback
	clock   clockwork.Clock
	log     logx.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	policy Policy
}

type Option func(*Executor)

func WithClock(c clockwork.Clock) Option    { return func(e *Executor) { e.clock = c } }
func WithLogger(log logx.Logger) Option     { return func(e *Executor) { e.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithPolicy(p Policy) Option            { return func(e *Executor) { e.policy = p } }

func New(l *ledger.Ledger, cb Callback, opts ...Option) *Executor {
	e := &Executor{ledger: l, cb: cb, clock: clockwork.NewRealClock(), log: logx.Nop(), policy: DefaultPolicy()}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With(logx.Comp("runner"))
	return e
}

// SetPolicy replaces the policy for runs that start afterwards.
func (e *Executor) SetPolicy(p Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

func (e *Executor) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// RunSource executes one unit and records it. It never returns an error:
// every failure, including a panic in the callback, ends up in Outcome.
func (e *Executor) RunSource(ctx context.Context, u Unit) Outcome {
	p := e.Policy()
	// Bookkeeping outlives the caller's cancellation so the row gets finished.
	bookCtx := context.WithoutCancel(ctx)
	log := e.log.With(logx.JobKind(u.JobKind), logx.Source(u.SourceID))

	started := e.clock.Now()
	out := Outcome{Unit: u}
	out.ExecutionID = e.ledger.Start(bookCtx, ledger.StartParams{
		JobKind:     u.JobKind,
		SourceID:    u.SourceID,
		Window:      u.Window,
		Hour:        u.Hour,
		Mode:        u.Mode,
		TriggeredBy: u.TriggeredBy,
	})

	var (
		res     Result
		lastErr error
	)
	op := func() error {
		out.Attempts++
		r, err := e.attempt(ctx, u, p.Timeout)
		res, lastErr = r, err
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	retries := max(p.Retries, 0)
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(retries))
	notify := func(err error, wait time.Duration) {
		log.Warn("source run failed, retrying",
			logx.Int("attempt", out.Attempts),
			logx.Duration("wait", wait),
			logx.String("error_kind", ErrorKind(err)),
			logx.Err(err),
		)
	}
	_ = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)

	switch {
	case lastErr != nil:
		out.Status = ledger.StatusFailed
		out.Counts = ledger.Counts{Extracted: res.Extracted}
		out.Failure = ledger.Failure{Kind: ErrorKind(lastErr), Message: lastErr.Error()}
		e.ledger.FinishFailure(bookCtx, out.ExecutionID, out.Failure.Kind, out.Failure.Message, res.Extracted)
	case res.Success:
		out.Status = ledger.StatusSuccess
		out.Counts = counts(res)
		e.ledger.FinishSuccess(bookCtx, out.ExecutionID, out.Counts)
	default:
		out.Counts = counts(res)
		out.Failure = ledger.Failure{Kind: res.ErrorKind, Message: res.ErrorMsg}
		if out.Failure.Kind == "" {
			out.Failure.Kind = KindUnknown
		}
		if res.Loaded > 0 {
			out.Status = ledger.StatusPartial
			e.ledger.FinishPartial(bookCtx, out.ExecutionID, out.Counts, out.Failure)
		} else {
			out.Status = ledger.StatusFailed
			e.ledger.FinishFailure(bookCtx, out.ExecutionID, out.Failure.Kind, out.Failure.Message, res.Extracted)
		}
	}
	out.Took = e.clock.Since(started)

	e.metrics.ObserveRun(u.JobKind, string(u.Mode), string(out.Status), out.Took, out.Counts.Loaded)
	fields := []logx.Field{
		logx.ExecID(out.ExecutionID),
		logx.String("status", string(out.Status)),
		logx.String("mode", string(u.Mode)),
		logx.Window(u.Window.Start, u.Window.End),
		logx.Int64("records_loaded", out.Counts.Loaded),
		logx.Int("attempts", out.Attempts),
		logx.Duration("took", out.Took),
	}
	if out.OK() {
		log.Info("source run finished", fields...)
	} else {
		log.Warn("source run finished", append(fields,
			logx.String("error_kind", out.Failure.Kind),
			logx.String("error", out.Failure.Message),
		)...)
	}
	return out
}

// attempt calls the callback once under timeout. A panic becomes a
// permanent error.
func (e *Executor) attempt(ctx context.Context, u Unit, timeout time.Duration) (res Result, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("run callback panicked",
				logx.Source(u.SourceID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = backoff.Permanent(Classified(KindPanic, errors.Newf("panic: %s", fmt.Sprint(r))))
		}
	}()
	res, err = e.cb.Run(ctx, u.SourceID, u.Window.Start, u.Window.End)
	if err == nil && ctx.Err() != nil && !res.Success {
		err = ctx.Err()
	}
	return res, err
}

func counts(r Result) ledger.Counts {
	return ledger.Counts{Extracted: r.Extracted, Loaded: r.Loaded, Duplicates: r.Duplicates}
}
