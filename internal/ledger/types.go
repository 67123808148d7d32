package ledger

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Status is the lifecycle state of one run attempt.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
	StatusKilled  Status = "killed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s != StatusRunning && s != "" }

// Mode says why a run was started.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeRecovery    Mode = "recovery"
)

// LeaseSource is the source_id of the row a whole run writes to claim its
// job kind. Gap detection and reliability reporting ignore it.
const LeaseSource = "*"

// SchemaVersion is stamped on every row written by this build.
const SchemaVersion = 1

// OrphanMessage is the synthetic error_message on rows killed by orphan cleanup.
const OrphanMessage = "orphan cleanup: exceeded lease age"

var ErrNotFound = errors.New("execution not found")

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Valid() bool { return !w.End.Before(w.Start) }

func (w Window) Empty() bool { return !w.End.After(w.Start) }

// Overlaps reports whether w and o share any instant.
func (w Window) Overlaps(o Window) bool { return w.Start.Before(o.End) && o.Start.Before(w.End) }

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// Counts are the counters reported by the run callback.
type Counts struct {
	Extracted  int64 `json:"records_extracted"`
	Loaded     int64 `json:"records_loaded"`
	Duplicates int64 `json:"duplicates_skipped"`
}

// Record is one row of the execution ledger.
type Record struct {
	ID       int64  `json:"id"`
	JobKind  string `json:"job_kind"`
	SourceID string `json:"source_id"`

	Window Window  `json:"window"`
	Hour   *Window `json:"hour,omitempty"`

	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`

	Counts

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Mode           Mode   `json:"mode"`
	TriggeredBy    string `json:"triggered_by"`
	RunnerIdentity string `json:"runner_identity"`
	SchemaVersion  int    `json:"schema_version"`
}

// Duration is the run's wall time. It is unknown (false) while the row is
// running and when clock skew left finished_at before started_at.
func (r Record) Duration() (time.Duration, bool) {
	if r.FinishedAt == nil || r.FinishedAt.Before(r.StartedAt) {
		return 0, false
	}
	return r.FinishedAt.Sub(r.StartedAt), true
}

// StartParams describes a run attempt about to begin.
type StartParams struct {
	JobKind     string
	SourceID    string
	Window      Window
	Hour        *Window
	Mode        Mode
	TriggeredBy string
}

// Failure is the diagnostic part of a failed or partial finish.
type Failure struct {
	Kind    string
	Message string
}

// DayWindow is the local calendar day containing t: [midnight, next midnight).
func DayWindow(t time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// Yesterday is the full local day before now.
func Yesterday(now time.Time, loc *time.Location) Window {
	today := DayWindow(now, loc)
	return Window{Start: today.Start.AddDate(0, 0, -1), End: today.Start}
}
