package scheduler

import (
	"context"
	"fmt"
	"strings"

	"possync/internal/gaps"
	"possync/internal/ledger"
	"possync/internal/recovery"
	"possync/internal/runner"
	"possync/pkg/logx"
)

const reasonLocalRun = "a run is already in progress in this process"

// RunDaily runs yesterday's window for every configured source, the same
// way the daily loop does when the execution time comes.
func (s *Scheduler) RunDaily(ctx context.Context) TriggerResult {
	cfg := s.config()
	batch := runner.Batch{
		JobKind:     s.kind,
		Window:      ledger.Yesterday(s.clock.Now(), cfg.Location),
		Sources:     cfg.Sources,
		Mode:        ledger.ModeFull,
		TriggeredBy: TriggerSchedule,
	}
	return s.runCycle(ctx, cfg, batch, true)
}

// Trigger starts a manual run and waits for it. A held lease or a bad
// request is reported in the result, never as an error.
func (s *Scheduler) Trigger(ctx context.Context, req TriggerRequest) TriggerResult {
	cfg := s.config()

	w := ledger.Window{Start: req.From, End: req.To}
	if req.From.IsZero() && req.To.IsZero() {
		w = ledger.Yesterday(s.clock.Now(), cfg.Location)
	}
	if w.Empty() {
		return TriggerResult{Reason: fmt.Sprintf("empty or inverted window %s", w)}
	}

	sources := cfg.Sources
	if len(req.Sources) > 0 {
		byID := make(map[string]runner.Source, len(cfg.Sources))
		for _, src := range cfg.Sources {
			byID[src.ID] = src
		}
		sources = nil
		var unknown []string
		for _, id := range req.Sources {
			src, ok := byID[id]
			if !ok {
				unknown = append(unknown, id)
				continue
			}
			sources = append(sources, src)
		}
		if len(unknown) > 0 {
			return TriggerResult{Reason: "unknown or disabled sources: " + strings.Join(unknown, ", ")}
		}
	}
	if len(sources) == 0 {
		return TriggerResult{Reason: "no sources configured"}
	}

	mode := req.Mode
	if mode == "" {
		mode = ledger.ModeFull
	}
	by := req.TriggeredBy
	if by == "" {
		by = TriggerManual
	}
	batch := runner.Batch{JobKind: s.kind, Window: w, Sources: sources, Mode: mode, TriggeredBy: by}
	if req.DryRun {
		return TriggerResult{Accepted: true, Reason: "dry run", Plan: batch.Units()}
	}
	return s.runCycle(ctx, cfg, batch, false)
}

// claim takes the in-process run lock and the cross-process lease. On
// success the caller owns runMu and must unlock it.
func (s *Scheduler) claim(ctx context.Context, cfg Config, trigger string) (TriggerResult, bool) {
	if !s.runMu.TryLock() {
		s.guard.LeaseHeld(s.kind, trigger)
		return TriggerResult{Reason: reasonLocalRun}, false
	}
	active, err := s.guard.Acquire(ctx, s.kind, cfg.MaxLeaseAge)
	if err != nil {
		// Bookkeeping trouble must not stop the business run.
		s.log.Warn("lease check failed, proceeding", logx.Trigger(trigger), logx.Err(err))
		return TriggerResult{}, true
	}
	if active != nil {
		s.runMu.Unlock()
		s.guard.LeaseHeld(s.kind, trigger)
		s.log.Info("lease held by another run",
			logx.Trigger(trigger),
			logx.ExecID(active.ExecutionID),
			logx.String("runner_identity", active.RunnerIdentity),
			logx.Duration("age", active.Age),
		)
		return TriggerResult{Reason: "lease held by an active run", Active: active}, false
	}
	return TriggerResult{}, true
}

func (s *Scheduler) runCycle(ctx context.Context, cfg Config, batch runner.Batch, daily bool) TriggerResult {
	if res, ok := s.claim(ctx, cfg, batch.TriggeredBy); !ok {
		return res
	}
	defer s.runMu.Unlock()

	s.setState(StateRunning)
	defer s.setState(StateIdle)

	sum := &CycleSummary{
		TriggeredBy: batch.TriggeredBy,
		Mode:        batch.Mode,
		Window:      batch.Window,
		Sources:     len(batch.Sources),
		StartedAt:   s.clock.Now(),
	}
	if daily {
		s.tracker.Begin()
	}
	sum.LeaseID = s.ledger.Start(context.WithoutCancel(ctx), ledger.StartParams{
		JobKind:     s.kind,
		SourceID:    ledger.LeaseSource,
		Window:      batch.Window,
		Mode:        batch.Mode,
		TriggeredBy: batch.TriggeredBy,
	})
	s.log.Info("run started",
		logx.Int64("lease_id", sum.LeaseID),
		logx.Trigger(batch.TriggeredBy),
		logx.String("mode", string(batch.Mode)),
		logx.Window(batch.Window.Start, batch.Window.End),
		logx.Int("sources", len(batch.Sources)),
	)

	out := s.exec.RunBatch(ctx, batch)
	for _, o := range out.Outcomes {
		s.tracker.Observe(o)
	}
	sum.Status = out.Status()
	sum.Succeeded = out.Succeeded()
	sum.FailedSources = out.Failed()
	sum.Loaded = out.Loaded()

	if cfg.Recovery.Enabled && batch.Mode != ledger.ModeRecovery {
		rs, err := s.orch.RecoverRecent(ctx, recovery.RecentParams{
			JobKind:              s.kind,
			Sources:              cfg.SourceIDs(),
			LookbackHours:        cfg.Recovery.LookbackHours,
			MaxGaps:              cfg.Recovery.MaxGaps,
			Hours:                cfg.Hours,
			RequireRecordsLoaded: cfg.Recovery.RequireRecordsLoaded,
		})
		if err != nil {
			s.log.Warn("ad-hoc recovery failed", logx.Err(err))
		} else {
			sum.Recovery = &rs
		}
	}

	if cfg.RetentionDays > 0 {
		cutoff := s.clock.Now().AddDate(0, 0, -cfg.RetentionDays)
		n, err := s.ledger.Prune(ctx, s.kind, cutoff)
		if err != nil {
			s.log.Warn("ledger prune failed", logx.Err(err))
		}
		sum.Pruned = n
	}

	s.finishLease(ctx, sum.LeaseID, sum.Status, ledger.Counts{Loaded: sum.Loaded}, sum.FailedSources, sum.Sources)
	sum.FinishedAt = s.clock.Now()

	s.mu.Lock()
	s.lastExec = sum.StartedAt
	s.lastCycle = sum
	s.mu.Unlock()
	s.metrics.CycleFinished(s.kind, sum.FinishedAt)
	notify(s.wakeRetry)

	s.log.Info("run finished",
		logx.Int64("lease_id", sum.LeaseID),
		logx.String("status", string(sum.Status)),
		logx.Int("succeeded", sum.Succeeded),
		logx.Strings("failed", sum.FailedSources),
		logx.Int64("records_loaded", sum.Loaded),
		logx.Duration("took", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	return TriggerResult{Accepted: true, Cycle: sum}
}

// runRetries replays pending sources under the same lease rules as a run.
func (s *Scheduler) runRetries(ctx context.Context) {
	cfg := s.config()
	if _, ok := s.claim(ctx, cfg, TriggerRetry); !ok {
		s.log.Debug("retry pass skipped: a run is active")
		return
	}
	defer s.runMu.Unlock()
	s.setRetryState(StateRunning)
	defer s.setRetryState(StateIdle)

	pending := s.tracker.Pending()
	// The lease spans every window being retried.
	var w ledger.Window
	for _, st := range s.tracker.Snapshot().States {
		if !st.Pending {
			continue
		}
		if w.Start.IsZero() || st.Window.Start.Before(w.Start) {
			w.Start = st.Window.Start
		}
		if st.Window.End.After(w.End) {
			w.End = st.Window.End
		}
	}
	if w.Start.IsZero() {
		w = ledger.Yesterday(s.clock.Now(), cfg.Location)
	}
	leaseID := s.ledger.Start(context.WithoutCancel(ctx), ledger.StartParams{
		JobKind:     s.kind,
		SourceID:    ledger.LeaseSource,
		Window:      w,
		Mode:        ledger.ModeRecovery,
		TriggeredBy: TriggerRetry,
	})
	sum := s.tracker.RetryPending(ctx, s.exec)

	status := ledger.StatusPartial
	switch {
	case sum.Failed == 0:
		status = ledger.StatusSuccess
	case sum.Recovered == 0:
		status = ledger.StatusFailed
	}
	var failed []string
	var loaded int64
	for _, o := range sum.Outcomes {
		loaded += o.Counts.Loaded
		if !o.OK() {
			failed = append(failed, o.Unit.SourceID)
		}
	}
	s.finishLease(ctx, leaseID, status, ledger.Counts{Loaded: loaded}, failed, len(pending))
}

// RecoverGaps detects and replays recent gaps under a run lease, so no
// other run of the job kind can overlap it. Rejections come back in the
// result; only gap detection failures are errors.
func (s *Scheduler) RecoverGaps(ctx context.Context, req RecoverRequest) (TriggerResult, error) {
	cfg := s.config()
	lookback := req.LookbackHours
	if lookback <= 0 {
		lookback = cfg.Recovery.LookbackHours
	}
	maxGaps := req.MaxGaps
	if maxGaps == 0 {
		maxGaps = cfg.Recovery.MaxGaps
	}

	if res, ok := s.claim(ctx, cfg, TriggerRecover); !ok {
		return res, nil
	}
	defer s.runMu.Unlock()
	s.setState(StateRunning)
	defer s.setState(StateIdle)

	sum := &CycleSummary{
		TriggeredBy: TriggerRecover,
		Mode:        ledger.ModeRecovery,
		Window:      gaps.TrailingHorizon(s.clock.Now(), lookback, cfg.Hours.Location),
		Sources:     len(cfg.Sources),
		StartedAt:   s.clock.Now(),
	}
	sum.LeaseID = s.ledger.Start(context.WithoutCancel(ctx), ledger.StartParams{
		JobKind:     s.kind,
		SourceID:    ledger.LeaseSource,
		Window:      sum.Window,
		Mode:        ledger.ModeRecovery,
		TriggeredBy: TriggerRecover,
	})
	s.log.Info("gap recovery started",
		logx.Int64("lease_id", sum.LeaseID),
		logx.Window(sum.Window.Start, sum.Window.End),
		logx.Int("max_gaps", maxGaps),
	)

	rs, err := s.orch.RecoverRecent(ctx, recovery.RecentParams{
		JobKind:              s.kind,
		Sources:              cfg.SourceIDs(),
		LookbackHours:        lookback,
		MaxGaps:              maxGaps,
		Hours:                cfg.Hours,
		RequireRecordsLoaded: cfg.Recovery.RequireRecordsLoaded,
	})
	if err != nil {
		s.ledger.Finish(context.WithoutCancel(ctx), sum.LeaseID, ledger.StatusFailed, ledger.Counts{},
			ledger.Failure{Kind: string(ledger.StatusFailed), Message: err.Error()})
		return TriggerResult{}, err
	}
	sum.Recovery = &rs

	sum.Status = ledger.StatusPartial
	switch {
	case rs.Failed == 0:
		sum.Status = ledger.StatusSuccess
	case rs.Recovered == 0:
		sum.Status = ledger.StatusFailed
	}
	for _, o := range rs.Outcomes {
		sum.Loaded += o.Counts.Loaded
		if o.OK() {
			sum.Succeeded++
		} else {
			sum.FailedSources = append(sum.FailedSources, o.Unit.SourceID)
		}
	}
	s.finishLease(ctx, sum.LeaseID, sum.Status, ledger.Counts{Loaded: sum.Loaded}, sum.FailedSources, rs.Attempted)
	sum.FinishedAt = s.clock.Now()

	s.log.Info("gap recovery finished",
		logx.Int64("lease_id", sum.LeaseID),
		logx.String("status", string(sum.Status)),
		logx.Int("recovered", rs.Recovered),
		logx.Int("failed", rs.Failed),
		logx.Int("skipped", rs.Skipped),
	)
	return TriggerResult{Accepted: true, Cycle: sum}, nil
}

func (s *Scheduler) finishLease(ctx context.Context, id int64, status ledger.Status, c ledger.Counts, failed []string, total int) {
	var f ledger.Failure
	if status != ledger.StatusSuccess {
		f = ledger.Failure{
			Kind:    string(status),
			Message: fmt.Sprintf("%d of %d sources failed: %s", len(failed), total, strings.Join(failed, ", ")),
		}
	}
	s.ledger.Finish(context.WithoutCancel(ctx), id, status, c, f)
}
