package scheduler

import (
	"time"

	"possync/internal/guard"
	"possync/internal/ledger"
	"possync/internal/recovery"
	"possync/internal/runner"
)

// State is where a scheduler loop currently is.
type State string

const (
	StateIdle         State = "idle"
	StateWaiting      State = "waiting"
	StateRunning      State = "running"
	StateRetryWaiting State = "retry_waiting"
)

// Trigger sources, written to triggered_by.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerRetry    = "retry"
	TriggerRecover  = "recover"
)

// TriggerRequest asks for a run outside the daily schedule.
type TriggerRequest struct {
	// From and To bound the window; both zero means yesterday.
	From time.Time
	To   time.Time
	// Sources restricts the run; empty means every configured source.
	Sources []string
	// DryRun returns the plan without running or recording anything.
	DryRun bool
	// Mode defaults to full. Recovery runs skip the ad-hoc gap pass.
	Mode        ledger.Mode
	TriggeredBy string
}

// RecoverRequest asks for a gap replay outside the daily schedule. Zero
// values fall back to the job's recovery settings; a negative MaxGaps
// lifts the cap.
type RecoverRequest struct {
	LookbackHours int
	MaxGaps       int
}

// TriggerResult is returned for every trigger. A rejection is a normal
// result, not an error: overlapping triggers are expected.
type TriggerResult struct {
	Accepted bool              `json:"accepted"`
	Reason   string            `json:"reason,omitempty"`
	Active   *guard.ActiveInfo `json:"active,omitempty"`
	Plan     []runner.Unit     `json:"plan,omitempty"`
	Cycle    *CycleSummary     `json:"cycle,omitempty"`
}

// CycleSummary describes one finished run.
type CycleSummary struct {
	LeaseID       int64             `json:"lease_id"`
	TriggeredBy   string            `json:"triggered_by"`
	Mode          ledger.Mode       `json:"mode"`
	Window        ledger.Window     `json:"window"`
	Status        ledger.Status     `json:"status"`
	Sources       int               `json:"sources"`
	Succeeded     int               `json:"succeeded"`
	FailedSources []string          `json:"failed_sources,omitempty"`
	Loaded        int64             `json:"records_loaded"`
	Recovery      *recovery.Summary `json:"recovery,omitempty"`
	Pruned        int64             `json:"pruned,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
}

// Status is the operator view of a scheduler. It never waits for a run.
type Status struct {
	JobKind        string                `json:"job_kind"`
	Enabled        bool                  `json:"enabled"`
	Running        bool                  `json:"running"`
	State          State                 `json:"state"`
	RetryLoop      State                 `json:"retry_loop"`
	ExecutionTime  string                `json:"execution_time"`
	Timezone       string                `json:"timezone"`
	LastExecution  *time.Time            `json:"last_execution,omitempty"`
	NextExecution  *time.Time            `json:"next_execution,omitempty"`
	PendingRetries []string              `json:"pending_retries"`
	FailedStores   []string              `json:"failed_stores"`
	MaxRetries     int                   `json:"max_retries"`
	RetryInterval  string                `json:"retry_interval"`
	Daily          DailySummary          `json:"daily_summary"`
	RetryStates    []recovery.RetryState `json:"retry_states,omitempty"`
	LastCycle      *CycleSummary         `json:"last_cycle,omitempty"`
	LastLease      *ledger.Record        `json:"last_lease,omitempty"`
	LedgerError    string                `json:"ledger_error,omitempty"`
}

// DailySummary is the tally of the current daily cycle.
type DailySummary struct {
	Total     int `json:"total_sources"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}
