package attendance

import (
	"database/sql"
	"time"
)

// RunStatus is the terminal-or-running state of a synchronization run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// TransferRun is the audit record of one synchronization attempt against
// the external scan store. It is created when the run starts, mutated only
// by that run, and immutable once CompletedAt is set.
type TransferRun struct {
	ID              int64
	WindowStart     time.Time
	WindowEnd       time.Time
	RecordsSeen     int
	RecordsInserted int
	RecordsUpdated  int
	RecordsSkipped  int
	RecordsFailed   int
	Status          RunStatus
	StartedAt       time.Time
	CompletedAt     sql.NullTime
}

// Counts flattens the run's counters for reporting.
func (r *TransferRun) Counts() Counts {
	return Counts{
		Seen:     r.RecordsSeen,
		Inserted: r.RecordsInserted,
		Updated:  r.RecordsUpdated,
		Skipped:  r.RecordsSkipped,
		Failed:   r.RecordsFailed,
	}
}

// Counts are the read/dedup results of a preview (dry-run) pass.
type Counts struct {
	Seen     int `json:"seen"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
