// Package ledger is the durable, append-mostly log of every run attempt.
//
// Writes never fail the caller: a ledger that cannot be written degrades
// observability, not the business outcome of the run it describes. Start
// returns id 0 on failure and finishing id 0 is a no-op.
package ledger

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"possync/internal/metrics"
	logx "possync/pkg/logx"
)

type Ledger struct {
	db       *sqlx.DB
	clock    clockwork.Clock
	log      logx.Logger
	metrics  *metrics.Metrics
	identity string
}

type Option func(*Ledger)

func WithClock(c clockwork.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithLogger(log logx.Logger) Option { return func(l *Ledger) { l.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithIdentity sets runner_identity. Empty keeps DefaultIdentity.
func WithIdentity(id string) Option {
	return func(l *Ledger) {
		if strings.TrimSpace(id) != "" {
			l.identity = strings.TrimSpace(id)
		}
	}
}

func New(db *sqlx.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, clock: clockwork.NewRealClock(), log: logx.Nop(), identity: DefaultIdentity()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// DefaultIdentity is host:pid:short-uuid, unique per process start.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (l *Ledger) Identity() string { return l.identity }

// Start inserts a running row and returns its id, or 0 if the write failed.
// Call it before any collaborator work begins.
func (l *Ledger) Start(ctx context.Context, p StartParams) int64 {
	id, err := l.insert(ctx, p)
	if err != nil {
		l.writeFailed("start", 0, err, logx.JobKind(p.JobKind), logx.Source(p.SourceID))
		return 0
	}
	return id
}

func (l *Ledger) insert(ctx context.Context, p StartParams) (int64, error) {
	if !p.Window.Valid() {
		return 0, errors.Newf("window start %s after end %s", p.Window.Start, p.Window.End)
	}
	if p.Mode == "" {
		p.Mode = ModeFull
	}
	var hourStart, hourEnd any
	if p.Hour != nil {
		hourStart, hourEnd = p.Hour.Start.UnixMilli(), p.Hour.End.UnixMilli()
	}

	q := l.db.Rebind(`INSERT INTO execution_ledger
		(job_kind, source_id, window_start, window_end, hour_start, hour_end, status, started_at,
		 mode, triggered_by, runner_identity, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := l.db.QueryRowxContext(ctx, q,
		p.JobKind, p.SourceID, p.Window.Start.UnixMilli(), p.Window.End.UnixMilli(), hourStart, hourEnd,
		string(StatusRunning), l.clock.Now().UnixMilli(),
		string(p.Mode), p.TriggeredBy, l.identity, SchemaVersion,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert execution")
	}
	return id, nil
}

// FinishSuccess marks id successful with the callback's counters.
func (l *Ledger) FinishSuccess(ctx context.Context, id int64, c Counts) {
	l.finish(ctx, "finish_success", id, StatusSuccess, c, Failure{})
}

// FinishFailure marks id failed. The kind is stored verbatim.
func (l *Ledger) FinishFailure(ctx context.Context, id int64, kind, message string, extractedSoFar int64) {
	l.finish(ctx, "finish_failure", id, StatusFailed, Counts{Extracted: extractedSoFar}, Failure{Kind: kind, Message: message})
}

// FinishPartial marks id as having loaded some but not all of its window.
func (l *Ledger) FinishPartial(ctx context.Context, id int64, c Counts, f Failure) {
	l.finish(ctx, "finish_partial", id, StatusPartial, c, f)
}

// Finish records any terminal status. It is the general form of the helpers above.
func (l *Ledger) Finish(ctx context.Context, id int64, status Status, c Counts, f Failure) {
	l.finish(ctx, "finish_"+string(status), id, status, c, f)
}

func (l *Ledger) finish(ctx context.Context, op string, id int64, status Status, c Counts, f Failure) {
	if id == 0 {
		l.log.Debug("ledger finish skipped: no execution id", logx.String("op", op))
		return
	}
	if err := l.update(ctx, id, status, c, f); err != nil {
		l.writeFailed(op, id, err)
	}
}

func (l *Ledger) update(ctx context.Context, id int64, status Status, c Counts, f Failure) error {
	if !status.Terminal() {
		return errors.Newf("cannot finish with status %q", status)
	}
	now := l.clock.Now().UnixMilli()

	// A killed row can still be finished by its (slow) owner: the outcome is real.
	q := l.db.Rebind(`UPDATE execution_ledger
		SET status = ?, finished_at = ?,
		    duration_ms = CASE WHEN ? >= started_at THEN ? - started_at ELSE NULL END,
		    records_extracted = ?, records_loaded = ?, duplicates_skipped = ?,
		    error_kind = ?, error_message = ?
		WHERE id = ? AND status IN ('running', 'killed')`)
	res, err := l.db.ExecContext(ctx, q,
		string(status), now, now, now,
		c.Extracted, c.Loaded, c.Duplicates,
		nullStr(f.Kind), nullStr(f.Message),
		id,
	)
	if err != nil {
		return errors.Wrap(err, "update execution")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "execution %d not running", id)
	}
	return nil
}

func (l *Ledger) writeFailed(op string, id int64, err error, fields ...logx.Field) {
	l.metrics.LedgerWriteError(op)
	fs := append([]logx.Field{logx.String("op", op), logx.ExecID(id), logx.Err(err)}, fields...)
	l.log.Warn("ledger write failed", fs...)
}
