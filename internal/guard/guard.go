// Package guard derives a single-flight lease per job kind from the ledger.
//
// There is no lock table: the newest running row younger than max_age is the
// lease, and max_age is its TTL. Rows older than that are presumed orphaned
// by a crash and are marked killed. A run legitimately slower than max_age
// is indistinguishable from an orphan, so max_age must sit well above the
// slowest observed run.
package guard

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"possync/internal/ledger"
	"possync/internal/metrics"
	logx "possync/pkg/logx"
)

// ActiveInfo describes the run currently holding the lease.
type ActiveInfo struct {
	ExecutionID    int64         `json:"execution_id"`
	JobKind        string        `json:"job_kind"`
	SourceID       string        `json:"source_id"`
	StartedAt      time.Time     `json:"started_at"`
	Age            time.Duration `json:"age"`
	RunnerIdentity string        `json:"runner_identity"`
	TriggeredBy    string        `json:"triggered_by"`
	Window         ledger.Window `json:"window"`
}

type Guard struct {
	db      *sqlx.DB
	clock   clockwork.Clock
	log     logx.Logger
	metrics *metrics.Metrics
}

type Option func(*Guard)

func WithClock(c clockwork.Clock) Option    { return func(g *Guard) { g.clock = c } }
func WithLogger(log logx.Logger) Option     { return func(g *Guard) { g.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(g *Guard) { g.metrics = m } }

func New(db *sqlx.DB, opts ...Option) *Guard {
	g := &Guard{db: db, clock: clockwork.NewRealClock(), log: logx.Nop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// CleanupOrphans marks every running row of jobKind older than maxAge as
// killed. It is a single conditional UPDATE, so concurrent or repeated calls
// are harmless.
func (g *Guard) CleanupOrphans(ctx context.Context, jobKind string, maxAge time.Duration) (int64, error) {
	now := g.clock.Now()
	cutoff := now.Add(-maxAge).UnixMilli()
	res, err := g.db.ExecContext(ctx, g.db.Rebind(`UPDATE execution_ledger
		SET status = 'killed', finished_at = ?, duration_ms = ? - started_at, error_message = ?
		WHERE job_kind = ? AND status = 'running' AND started_at < ?`),
		now.UnixMilli(), now.UnixMilli(), ledger.OrphanMessage, jobKind, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup orphans")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		g.metrics.OrphansKilled(jobKind, n)
		g.log.Warn("orphaned executions killed",
			logx.JobKind(jobKind),
			logx.Int64("count", n),
			logx.Duration("max_age", maxAge),
		)
	}
	return n, nil
}

// CheckActive returns the newest running row of jobKind younger than maxAge,
// or nil when the lease is free.
func (g *Guard) CheckActive(ctx context.Context, jobKind string, maxAge time.Duration) (*ActiveInfo, error) {
	now := g.clock.Now()
	var r struct {
		ID             int64  `db:"id"`
		SourceID       string `db:"source_id"`
		StartedAt      int64  `db:"started_at"`
		RunnerIdentity string `db:"runner_identity"`
		TriggeredBy    string `db:"triggered_by"`
		WindowStart    int64  `db:"window_start"`
		WindowEnd      int64  `db:"window_end"`
	}
	err := g.db.GetContext(ctx, &r, g.db.Rebind(`SELECT id, source_id, started_at, runner_identity, triggered_by,
			window_start, window_end
		FROM execution_ledger
		WHERE job_kind = ? AND status = 'running' AND started_at >= ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`),
		jobKind, now.Add(-maxAge).UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "check active")
	}
	started := time.UnixMilli(r.StartedAt).UTC()
	return &ActiveInfo{
		ExecutionID:    r.ID,
		JobKind:        jobKind,
		SourceID:       r.SourceID,
		StartedAt:      started,
		Age:            now.Sub(started),
		RunnerIdentity: r.RunnerIdentity,
		TriggeredBy:    r.TriggeredBy,
		Window: ledger.Window{
			Start: time.UnixMilli(r.WindowStart).UTC(),
			End:   time.UnixMilli(r.WindowEnd).UTC(),
		},
	}, nil
}

// Acquire runs orphan cleanup and then the active check, in that order, as
// every caller must. A non-nil ActiveInfo means another run holds the lease.
func (g *Guard) Acquire(ctx context.Context, jobKind string, maxAge time.Duration) (*ActiveInfo, error) {
	if _, err := g.CleanupOrphans(ctx, jobKind, maxAge); err != nil {
		return nil, err
	}
	active, err := g.CheckActive(ctx, jobKind, maxAge)
	if err != nil {
		return nil, err
	}
	if active != nil {
		g.log.Info("lease held by another run",
			logx.JobKind(jobKind),
			logx.ExecID(active.ExecutionID),
			logx.String("runner", active.RunnerIdentity),
			logx.Duration("age", active.Age),
		)
	}
	return active, nil
}

// LeaseHeld records a trigger that was skipped or rejected.
func (g *Guard) LeaseHeld(jobKind, trigger string) { g.metrics.LeaseHeld(jobKind, trigger) }
