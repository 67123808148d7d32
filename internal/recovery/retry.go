package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"possync/internal/ledger"
	"possync/internal/metrics"
	"possync/internal/runner"
	"possync/pkg/logx"
)

// RetryState is the retry bookkeeping of one failed source.
type RetryState struct {
	SourceID      string        `json:"source_id"`
	Count         int           `json:"retry_count"`
	Pending       bool          `json:"pending"`
	Exhausted     bool          `json:"exhausted"`
	Window        ledger.Window `json:"window"`
	LastErrorKind string        `json:"last_error_kind,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
}

// Tallies are the source counts of the current daily cycle.
type Tallies struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// TrackerSnapshot is a copy of the tracker for status reporting.
type TrackerSnapshot struct {
	MaxRetries    int           `json:"max_retries"`
	RetryInterval time.Duration `json:"retry_interval"`
	Pending       []string      `json:"pending_retries"`
	Failed        []string      `json:"failed_stores"`
	States        []RetryState  `json:"retry_states"`
	Daily         Tallies       `json:"daily"`
}

// RetryTracker keeps per-source retry state for one job kind. A source is
// retried every interval until it succeeds or has failed maxRetries retries,
// after which it stays out of the pending set until Reset.
type RetryTracker struct {
	jobKind string
	clock   clockwork.Clock
	log     logx.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	maxRetries int
	interval   time.Duration
	states     map[string]*RetryState
	daily      Tallies
}

type TrackerOption func(*RetryTracker)

func TrackerClock(c clockwork.Clock) TrackerOption    { return func(t *RetryTracker) { t.clock = c } }
func TrackerLogger(log logx.Logger) TrackerOption     { return func(t *RetryTracker) { t.log = log } }
func TrackerMetrics(m *metrics.Metrics) TrackerOption { return func(t *RetryTracker) { t.metrics = m } }

func NewRetryTracker(jobKind string, maxRetries int, interval time.Duration, opts ...TrackerOption) *RetryTracker {
	t := &RetryTracker{
		jobKind:    jobKind,
		clock:      clockwork.NewRealClock(),
		log:        logx.Nop(),
		maxRetries: maxRetries,
		interval:   interval,
		states:     map[string]*RetryState{},
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With(logx.Comp("recovery"), logx.JobKind(jobKind))
	return t
}

// Apply swaps the retry limits. Sources already past a lowered limit are
// dropped at once.
func (t *RetryTracker) Apply(maxRetries int, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxRetries = maxRetries
	t.interval = interval
	for _, s := range t.states {
		if s.Pending && s.Count >= maxRetries {
			t.exhaust(s)
		}
	}
	t.publish()
}

func (t *RetryTracker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Begin starts a new daily cycle: tallies and every state are cleared.
func (t *RetryTracker) Begin() {
	t.mu.Lock()
	t.states = map[string]*RetryState{}
	t.daily = Tallies{}
	t.publish()
	t.mu.Unlock()
}

// Observe folds a scheduled run outcome into the tallies and marks the
// source for retry when it failed.
func (t *RetryTracker) Observe(out runner.Outcome) {
	if out.OK() {
		t.mu.Lock()
		t.daily.Successes++
		t.mu.Unlock()
		return
	}
	t.mu.Lock()
	t.daily.Failures++
	t.mu.Unlock()
	t.MarkFailed(out.Unit.SourceID, out.Unit.Window, out.Failure)
}

// MarkFailed makes source pending with retry_count 0. An exhausted source
// stays exhausted.
func (t *RetryTracker) MarkFailed(source string, w ledger.Window, f ledger.Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[source]
	if !ok {
		s = &RetryState{SourceID: source}
		t.states[source] = s
	}
	s.Window = w
	s.LastErrorKind, s.LastError = f.Kind, f.Message
	if !s.Exhausted {
		s.Pending = true
	}
	t.publish()
}

// Pending lists sources due for retry, sorted.
func (t *RetryTracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingLocked()
}

func (t *RetryTracker) pendingLocked() []string {
	var out []string
	for id, s := range t.states {
		if s.Pending {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RetryPending runs every pending source once more.
func (t *RetryTracker) RetryPending(ctx context.Context, run SourceRunner) Summary {
	t.mu.Lock()
	var units []runner.Unit
	for _, id := range t.pendingLocked() {
		units = append(units, runner.Unit{
			JobKind:     t.jobKind,
			SourceID:    id,
			Window:      t.states[id].Window,
			Mode:        ledger.ModeRecovery,
			TriggeredBy: "retry",
		})
	}
	t.mu.Unlock()

	sum := Summary{Considered: len(units)}
	for i, u := range units {
		if ctx.Err() != nil {
			sum.Skipped += len(units) - i
			break
		}
		sum.Attempted++
		out := runIsolated(ctx, run, u)
		sum.Outcomes = append(sum.Outcomes, out)
		if out.OK() {
			sum.Recovered++
		} else {
			sum.Failed++
		}
		t.settle(out)
	}
	if sum.Attempted > 0 {
		t.log.Info("retry pass finished",
			logx.Int("attempted", sum.Attempted),
			logx.Int("recovered", sum.Recovered),
			logx.Strings("pending", t.Pending()),
		)
	}
	return sum
}

func (t *RetryTracker) settle(out runner.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[out.Unit.SourceID]
	if !ok || !s.Pending {
		// Cleared by Begin or Reset while the retry ran.
		return
	}
	s.LastAttemptAt = t.clock.Now()
	if out.OK() {
		delete(t.states, s.SourceID)
		t.daily.Successes++
		if t.daily.Failures > 0 {
			t.daily.Failures--
		}
		t.publish()
		return
	}
	s.Count++
	s.LastErrorKind, s.LastError = out.Failure.Kind, out.Failure.Message
	if s.Count >= t.maxRetries {
		t.exhaust(s)
	}
	t.publish()
}

func (t *RetryTracker) exhaust(s *RetryState) {
	s.Pending = false
	s.Exhausted = true
	t.metrics.RetryExhausted(t.jobKind)
	t.log.Warn("source dropped from retries",
		logx.Source(s.SourceID),
		logx.Int("retry_count", s.Count),
		logx.Int("max_retries", t.maxRetries),
		logx.String("error_kind", s.LastErrorKind),
	)
}

// Reset re-admits source with a fresh counter. It reports whether the
// source was known.
func (t *RetryTracker) Reset(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[source]
	if !ok {
		return false
	}
	s.Count, s.Exhausted, s.Pending = 0, false, true
	t.publish()
	return true
}

// ResetAll re-admits every known source.
func (t *RetryTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.states {
		s.Count, s.Exhausted, s.Pending = 0, false, true
	}
	t.publish()
}

func (t *RetryTracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := TrackerSnapshot{
		MaxRetries:    t.maxRetries,
		RetryInterval: t.interval,
		Pending:       t.pendingLocked(),
		Daily:         t.daily,
	}
	for _, s := range t.states {
		snap.States = append(snap.States, *s)
		snap.Failed = append(snap.Failed, s.SourceID)
	}
	sort.Strings(snap.Failed)
	sort.Slice(snap.States, func(i, j int) bool { return snap.States[i].SourceID < snap.States[j].SourceID })
	return snap
}

func (t *RetryTracker) publish() {
	t.metrics.PendingRetries(t.jobKind, len(t.pendingLocked()))
}

func runIsolated(ctx context.Context, run SourceRunner, u runner.Unit) (out runner.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = runner.Outcome{Unit: u, Status: ledger.StatusFailed, Failure: ledger.Failure{Kind: runner.KindPanic}}
		}
	}()
	return run.RunSource(ctx, u)
}
