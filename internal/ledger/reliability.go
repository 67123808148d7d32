package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ReliabilityRow is one (source, UTC day) of the source_reliability_daily view.
type ReliabilityRow struct {
	JobKind            string  `db:"job_kind" json:"job_kind"`
	SourceID           string  `db:"source_id" json:"source_id"`
	Day                string  `db:"day" json:"day"`
	TotalRuns          int64   `db:"total_runs" json:"total_runs"`
	Successes          int64   `db:"successes" json:"successes"`
	Failures           int64   `db:"failures" json:"failures"`
	SuccessRatePct     float64 `db:"success_rate_pct" json:"success_rate_pct"`
	AvgDurationMS      float64 `db:"-" json:"avg_duration_ms"`
	TotalRecordsLoaded int64   `db:"total_records_loaded" json:"total_records_loaded"`

	AvgDuration sql.NullFloat64 `db:"avg_duration_ms" json:"-"`
}

type ReliabilityFilter struct {
	JobKind  string
	SourceID string
	// Since is truncated to its UTC day.
	Since time.Time
}

// Reliability reads the per-source per-day projection. It never writes.
func (l *Ledger) Reliability(ctx context.Context, f ReliabilityFilter) ([]ReliabilityRow, error) {
	var (
		where []string
		args  []any
	)
	if f.JobKind != "" {
		where = append(where, "job_kind = ?")
		args = append(args, f.JobKind)
	}
	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if !f.Since.IsZero() {
		where = append(where, "day >= ?")
		args = append(args, f.Since.UTC().Format(time.DateOnly))
	}
	q := `SELECT job_kind, source_id, day, total_runs, successes, failures, success_rate_pct,
		avg_duration_ms, total_records_loaded FROM source_reliability_daily`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY day ASC, job_kind ASC, source_id ASC"

	var rows []ReliabilityRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "query reliability")
	}
	for i := range rows {
		if rows[i].AvgDuration.Valid {
			rows[i].AvgDurationMS = rows[i].AvgDuration.Float64
		}
	}
	return rows, nil
}
