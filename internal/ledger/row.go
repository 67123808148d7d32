package ledger

import (
	"database/sql"
	"time"
)

const selectColumns = `id, job_kind, source_id, window_start, window_end, hour_start, hour_end,
	status, started_at, finished_at, duration_ms, records_extracted, records_loaded,
	duplicates_skipped, error_kind, error_message, mode, triggered_by, runner_identity, schema_version`

// row mirrors execution_ledger for sqlx scanning. Times are unix millis.
type row struct {
	ID                int64          `db:"id"`
	JobKind           string         `db:"job_kind"`
	SourceID          string         `db:"source_id"`
	WindowStart       int64          `db:"window_start"`
	WindowEnd         int64          `db:"window_end"`
	HourStart         sql.NullInt64  `db:"hour_start"`
	HourEnd           sql.NullInt64  `db:"hour_end"`
	Status            string         `db:"status"`
	StartedAt         int64          `db:"started_at"`
	FinishedAt        sql.NullInt64  `db:"finished_at"`
	DurationMS        sql.NullInt64  `db:"duration_ms"`
	RecordsExtracted  int64          `db:"records_extracted"`
	RecordsLoaded     int64          `db:"records_loaded"`
	DuplicatesSkipped int64          `db:"duplicates_skipped"`
	ErrorKind         sql.NullString `db:"error_kind"`
	ErrorMessage      sql.NullString `db:"error_message"`
	Mode              string         `db:"mode"`
	TriggeredBy       string         `db:"triggered_by"`
	RunnerIdentity    string         `db:"runner_identity"`
	SchemaVersion     int            `db:"schema_version"`
}

func (r row) record() Record {
	rec := Record{
		ID:       r.ID,
		JobKind:  r.JobKind,
		SourceID: r.SourceID,
		Window:   Window{Start: fromMillis(r.WindowStart), End: fromMillis(r.WindowEnd)},
		Status:   Status(r.Status),

		StartedAt: fromMillis(r.StartedAt),
		Counts: Counts{
			Extracted:  r.RecordsExtracted,
			Loaded:     r.RecordsLoaded,
			Duplicates: r.DuplicatesSkipped,
		},
		ErrorKind:      r.ErrorKind.String,
		ErrorMessage:   r.ErrorMessage.String,
		Mode:           Mode(r.Mode),
		TriggeredBy:    r.TriggeredBy,
		RunnerIdentity: r.RunnerIdentity,
		SchemaVersion:  r.SchemaVersion,
	}
	if r.HourStart.Valid && r.HourEnd.Valid {
		rec.Hour = &Window{Start: fromMillis(r.HourStart.Int64), End: fromMillis(r.HourEnd.Int64)}
	}
	if r.FinishedAt.Valid {
		t := fromMillis(r.FinishedAt.Int64)
		rec.FinishedAt = &t
	}
	if r.DurationMS.Valid {
		d := r.DurationMS.Int64
		rec.DurationMS = &d
	}
	return rec
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
