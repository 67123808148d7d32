package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"possync/internal/ledger"
)

const statusLedgerTimeout = 2 * time.Second

// Status reports in-memory state plus the newest lease row. It does not
// take the run lock, so it answers while a run is live.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	cfg := s.cfg
	st := Status{
		JobKind:       s.kind,
		Enabled:       cfg.Enabled,
		State:         s.state,
		RetryLoop:     s.retry,
		ExecutionTime: cfg.ExecutionTime(),
		Running:       s.state == StateRunning || s.retry == StateRunning,
		LastCycle:     s.lastCycle,
	}
	if cfg.Location != nil {
		st.Timezone = cfg.Location.String()
	}
	if !s.lastExec.IsZero() {
		t := s.lastExec
		st.LastExecution = &t
	}
	next := s.next
	s.mu.Unlock()

	if cfg.Enabled && next.IsZero() {
		if n, err := NextExecution(s.clock.Now(), cfg.Hour, cfg.Minute, cfg.Location); err == nil {
			next = n
		}
	}
	if cfg.Enabled && !next.IsZero() {
		st.NextExecution = &next
	}

	snap := s.tracker.Snapshot()
	st.PendingRetries = nonNil(snap.Pending)
	st.FailedStores = nonNil(snap.Failed)
	st.MaxRetries = snap.MaxRetries
	st.RetryInterval = snap.RetryInterval.String()
	st.RetryStates = snap.States
	st.Daily = DailySummary{Total: len(cfg.Sources), Successes: snap.Daily.Successes, Failures: snap.Daily.Failures}

	lctx, cancel := context.WithTimeout(ctx, statusLedgerTimeout)
	defer cancel()
	lease, err := s.ledger.Latest(lctx, s.kind, ledger.LeaseSource)
	switch {
	case err == nil:
		st.LastLease = &lease
	case !errors.Is(err, ledger.ErrNotFound):
		st.LedgerError = err.Error()
	}
	return st
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
