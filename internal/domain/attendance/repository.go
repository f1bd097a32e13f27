package attendance

import (
	"context"
	"time"
)

// ScanSource reads raw events from the external, operator-owned scan store.
// The store is append-only; this system never writes to it.
type ScanSource interface {
	// FetchWindow returns events with scan_timestamp in [start, end],
	// ascending by timestamp, at most limit rows starting at offset.
	FetchWindow(ctx context.Context, start, end time.Time, offset, limit int) ([]RawScanEvent, error)
	// DistinctPins lists every device pin ever seen in the raw store.
	DistinctPins(ctx context.Context) ([]string, error)
}

// RecordRepository persists canonical attendance records.
type RecordRepository interface {
	GetByNaturalKey(ctx context.Context, key NaturalKey) (*Record, error)
	// ApplyBatch commits the given inserts and updates in a single
	// transaction: either the whole batch lands or none of it does.
	ApplyBatch(ctx context.Context, inserts, updates []*Record) error
	// ListUnresolved returns non-tombstoned records without a student id,
	// ordered by (scan_timestamp, attendance_id), strictly after the given
	// cursor. A zero after/afterID starts from the beginning.
	ListUnresolved(ctx context.Context, after time.Time, afterID string, limit int) ([]*Record, error)
	ResolveStudent(ctx context.Context, attendanceID string, studentID int64) error
	// StudentIDsWithRecordOn returns the distinct students having any
	// canonical record on the given calendar day.
	StudentIDsWithRecordOn(ctx context.Context, day time.Time) ([]int64, error)
	Tombstone(ctx context.Context, attendanceID string) error
}

// TransferRunRepository is the append-only transfer log.
type TransferRunRepository interface {
	Create(ctx context.Context, run *TransferRun) error
	// Complete writes the final counters and status exactly once.
	Complete(ctx context.Context, run *TransferRun) error
	GetByID(ctx context.Context, id int64) (*TransferRun, error)
	HasRunning(ctx context.Context) (bool, error)
	// LastCompletedWindowEnd returns the window end of the most recent
	// successful run, used to derive the next auto-sync window.
	LastCompletedWindowEnd(ctx context.Context) (time.Time, error)
	ListRecent(ctx context.Context, limit int) ([]*TransferRun, error)
}
