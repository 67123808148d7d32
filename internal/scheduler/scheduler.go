package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"possync/internal/gaps"
	"possync/internal/guard"
	"possync/internal/ledger"
	"possync/internal/metrics"
	"possync/internal/recovery"
	"possync/internal/runner"
	"possync/internal/runtime/supervisor"
	"possync/pkg/logx"
)

// Scheduler drives one job kind.
type Scheduler struct {
	kind     string
	ledger   *ledger.Ledger
	guard    *guard.Guard
	exec     *runner.Executor
	detector *gaps.Detector
	orch     *recovery.Orchestrator
	tracker  *recovery.RetryTracker

	clock   clockwork.Clock
	log     logx.Logger
	metrics *metrics.Metrics

	// runMu is held by whichever run (daily, manual, retry) is live in this
	// process. The guard covers other processes.
	runMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	state     State
	retry     State
	next      time.Time
	lastExec  time.Time
	lastCycle *CycleSummary
	sup       *supervisor.Supervisor
	wakeDaily chan struct{}
	wakeRetry chan struct{}
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option    { return func(s *Scheduler) { s.clock = c } }
func WithLogger(log logx.Logger) Option     { return func(s *Scheduler) { s.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// New wires the run path of cfg.JobKind around cb.
func New(cfg Config, l *ledger.Ledger, g *guard.Guard, cb runner.Callback, opts ...Option) (*Scheduler, error) {
	if cfg.JobKind == "" {
		return nil, errors.New("scheduler: job kind is required")
	}
	if l == nil || g == nil || cb == nil {
		return nil, errors.New("scheduler: ledger, guard and callback are required")
	}
	s := &Scheduler{
		kind:      cfg.JobKind,
		ledger:    l,
		guard:     g,
		cfg:       cfg,
		state:     StateIdle,
		retry:     StateIdle,
		clock:     clockwork.NewRealClock(),
		log:       logx.Nop(),
		wakeDaily: make(chan struct{}, 1),
		wakeRetry: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.Comp("scheduler"), logx.JobKind(cfg.JobKind))

	s.exec = runner.New(l, cb,
		runner.WithClock(s.clock), runner.WithLogger(s.log), runner.WithMetrics(s.metrics), runner.WithPolicy(cfg.Policy))
	s.detector = gaps.New(l, gaps.WithClock(s.clock), gaps.WithLogger(s.log), gaps.WithMetrics(s.metrics))
	s.orch = recovery.New(s.exec, s.detector,
		recovery.WithLogger(s.log), recovery.WithMetrics(s.metrics), recovery.WithReplayRate(cfg.Recovery.ReplayRatePerSec))
	s.tracker = recovery.NewRetryTracker(cfg.JobKind, cfg.MaxRetries, cfg.RetryInterval,
		recovery.TrackerClock(s.clock), recovery.TrackerLogger(s.log), recovery.TrackerMetrics(s.metrics))
	return s, nil
}

func (s *Scheduler) JobKind() string { return s.kind }

func (s *Scheduler) Tracker() *recovery.RetryTracker { return s.tracker }

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) setRetryState(st State) {
	s.mu.Lock()
	s.retry = st
	s.mu.Unlock()
}

// Apply swaps the configuration without restarting the loops. Execution
// time, enabled, retry limits, pacing and runner policy take effect at the
// next loop wake.
func (s *Scheduler) Apply(cfg Config) {
	cfg.JobKind = s.kind
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.next = time.Time{}
	s.mu.Unlock()

	s.exec.SetPolicy(cfg.Policy)
	s.orch.SetReplayRate(cfg.Recovery.ReplayRatePerSec)
	s.tracker.Apply(cfg.MaxRetries, cfg.RetryInterval)
	notify(s.wakeDaily)
	notify(s.wakeRetry)

	s.log.Info("config applied",
		logx.Bool("enabled", cfg.Enabled),
		logx.String("execution_time", cfg.ExecutionTime()),
		logx.String("previous_execution_time", old.ExecutionTime()),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Duration("retry_interval", cfg.RetryInterval),
	)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches the daily and retry loops. Calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithClock(s.clock))
	s.sup.GoRestart("daily:"+s.kind, s.dailyLoop, time.Second, time.Minute)
	s.sup.GoRestart("retry:"+s.kind, s.retryLoop, time.Second, time.Minute)
	s.log.Info("scheduler started", logx.String("execution_time", s.cfg.ExecutionTime()), logx.Bool("enabled", s.cfg.Enabled))
}

// Stop cancels the loops and waits for a live run to return, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := s.clock.Now()
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Duration("took", s.clock.Since(start)))
	return err
}

// Supervisor reports loop health; nil before Start.
func (s *Scheduler) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// nextExecution returns the cached next run time, computing it if needed.
func (s *Scheduler) nextExecution(now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.next.IsZero() {
		return s.next, nil
	}
	next, err := NextExecution(now, s.cfg.Hour, s.cfg.Minute, s.cfg.Location)
	if err != nil {
		return time.Time{}, err
	}
	s.next = next
	return next, nil
}

// dailyLoop sleeps in coarse steps until the next execution time,
// re-reading enabled and the config at every wake.
func (s *Scheduler) dailyLoop(ctx context.Context) error {
	for {
		cfg := s.config()
		wait := cfg.PollInterval
		if wait <= 0 {
			wait = DefaultPollInterval
		}

		if !cfg.Enabled {
			s.mu.Lock()
			s.state, s.next = StateIdle, time.Time{}
			s.mu.Unlock()
		} else {
			now := s.clock.Now()
			next, err := s.nextExecution(now)
			if err != nil {
				return err
			}
			if !now.Before(next) {
				res := s.RunDaily(ctx)
				if !res.Accepted && res.Reason == reasonLocalRun {
					// Our own retry pass or manual run is live. The day is still
					// owed, so keep next and try again at the next poll.
					s.log.Info("daily run deferred", logx.String("reason", res.Reason), logx.String("due", next.Format(time.RFC3339)))
					if _, err := s.sleep(ctx, wait, s.wakeDaily); err != nil {
						return err
					}
					continue
				}
				s.mu.Lock()
				if s.next.Equal(next) {
					s.next = time.Time{}
				}
				s.mu.Unlock()
				if !res.Accepted {
					s.log.Info("daily run skipped", logx.String("reason", res.Reason))
				}
				continue
			}
			s.setState(StateWaiting)
			wait = min(wait, next.Sub(now))
		}

		if _, err := s.sleep(ctx, wait, s.wakeDaily); err != nil {
			return err
		}
	}
}

// retryLoop retries pending sources every retry interval unless a run is live.
func (s *Scheduler) retryLoop(ctx context.Context) error {
	for {
		interval := s.tracker.Interval()
		if interval <= 0 {
			interval = DefaultRetryInterval
		}
		if len(s.tracker.Pending()) > 0 {
			s.setRetryState(StateRetryWaiting)
		} else {
			s.setRetryState(StateIdle)
		}
		woken, err := s.sleep(ctx, interval, s.wakeRetry)
		if err != nil {
			return err
		}
		if woken || !s.config().Enabled || len(s.tracker.Pending()) == 0 {
			continue
		}
		s.runRetries(ctx)
	}
}

// sleep waits for d, a wake signal or cancellation. woken reports a wake
// signal, which means the config changed.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) (woken bool, err error) {
	select {
	case <-wake:
		return true, nil
	default:
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-wake:
		return true, nil
	case <-t.Chan():
		return false, nil
	}
}
