package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
)

// Filter narrows Query. Zero fields do not filter.
type Filter struct {
	JobKind  string
	SourceID string
	// SourceIDs restricts to several sources; ignored when SourceID is set.
	SourceIDs []string
	// Since and Until bound started_at.
	Since time.Time
	Until time.Time
	// Overlapping keeps rows whose window intersects it.
	Overlapping *Window
	Statuses    []Status
	// IncludeLease keeps run-level lease rows, which are hidden by default.
	IncludeLease bool
	// Limit caps the result; 0 means no cap. Newest rows win when capped.
	Limit int
}

// Query returns matching rows oldest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.JobKind != "" {
		where = append(where, "job_kind = ?")
		args = append(args, f.JobKind)
	}
	switch {
	case f.SourceID != "":
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	case len(f.SourceIDs) > 0:
		where = append(where, "source_id IN (?)")
		args = append(args, f.SourceIDs)
	}
	if !f.IncludeLease && f.SourceID != LeaseSource {
		where = append(where, "source_id <> ?")
		args = append(args, LeaseSource)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.Overlapping != nil {
		where = append(where, "window_start < ? AND window_end > ?")
		args = append(args, f.Overlapping.End.UnixMilli(), f.Overlapping.Start.UnixMilli())
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		where = append(where, "status IN (?)")
		args = append(args, ss)
	}

	q := "SELECT " + selectColumns + " FROM execution_ledger"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		q = "SELECT * FROM (" + q + " ORDER BY id DESC LIMIT ?) AS recent"
		args = append(args, f.Limit)
	}
	q += " ORDER BY id ASC"

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "expand query")
	}
	var rows []row
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "query executions")
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// Get returns one row by id.
func (l *Ledger) Get(ctx context.Context, id int64) (Record, error) {
	var r row
	err := l.db.GetContext(ctx, &r, l.db.Rebind("SELECT "+selectColumns+" FROM execution_ledger WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errors.Wrapf(ErrNotFound, "execution %d", id)
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "get execution")
	}
	return r.record(), nil
}

// Latest returns the newest row for jobKind and sourceID.
func (l *Ledger) Latest(ctx context.Context, jobKind, sourceID string) (Record, error) {
	var r row
	err := l.db.GetContext(ctx, &r, l.db.Rebind(
		"SELECT "+selectColumns+" FROM execution_ledger WHERE job_kind = ? AND source_id = ? ORDER BY id DESC LIMIT 1"),
		jobKind, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errors.Wrapf(ErrNotFound, "no executions for %s/%s", jobKind, sourceID)
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "latest execution")
	}
	return r.record(), nil
}

// Prune deletes terminal rows of jobKind started before cutoff.
func (l *Ledger) Prune(ctx context.Context, jobKind string, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(
		`DELETE FROM execution_ledger WHERE job_kind = ? AND status <> 'running' AND started_at < ?`),
		jobKind, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}
