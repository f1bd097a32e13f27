package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"attendance_notifier/internal/domain/attendance"
)

const runColumns = `id, window_start, window_end, records_seen, records_inserted, records_updated, records_skipped, records_failed, status, started_at, completed_at`

// PostgresTransferLog is the append-only audit log of synchronization runs.
type PostgresTransferLog struct {
	db *sql.DB
}

func NewPostgresTransferLog(db *sql.DB) *PostgresTransferLog {
	return &PostgresTransferLog{db: db}
}

func (r *PostgresTransferLog) Create(ctx context.Context, run *attendance.TransferRun) error {
	query := `INSERT INTO transfer_runs (window_start, window_end, status)
               VALUES ($1, $2, $3)
               RETURNING id, started_at`
	run.Status = attendance.RunStatusRunning
	err := r.db.QueryRowContext(ctx, query, run.WindowStart, run.WindowEnd, run.Status).Scan(&run.ID, &run.StartedAt)
	if err != nil {
		return fmt.Errorf("error creating transfer run: %w", err)
	}
	return nil
}

// Complete writes final counters and the terminal status. A completed run
// is never mutated again.
func (r *PostgresTransferLog) Complete(ctx context.Context, run *attendance.TransferRun) error {
	query := `UPDATE transfer_runs
                 SET records_seen = $2, records_inserted = $3, records_updated = $4,
                     records_skipped = $5, records_failed = $6, status = $7, completed_at = NOW()
               WHERE id = $1 AND completed_at IS NULL
               RETURNING completed_at`
	err := r.db.QueryRowContext(ctx, query, run.ID, run.RecordsSeen, run.RecordsInserted,
		run.RecordsUpdated, run.RecordsSkipped, run.RecordsFailed, run.Status).Scan(&run.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrRunNotFound
		}
		return fmt.Errorf("error completing transfer run %d: %w", run.ID, err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*attendance.TransferRun, error) {
	run := attendance.TransferRun{}
	err := row.Scan(&run.ID, &run.WindowStart, &run.WindowEnd, &run.RecordsSeen, &run.RecordsInserted,
		&run.RecordsUpdated, &run.RecordsSkipped, &run.RecordsFailed, &run.Status, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *PostgresTransferLog) GetByID(ctx context.Context, id int64) (*attendance.TransferRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM transfer_runs WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("error getting transfer run by id: %w", err)
	}
	return run, nil
}

func (r *PostgresTransferLog) HasRunning(ctx context.Context) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_runs WHERE status = $1`, attendance.RunStatusRunning).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("error checking for running transfer: %w", err)
	}
	return count > 0, nil
}

func (r *PostgresTransferLog) LastCompletedWindowEnd(ctx context.Context) (time.Time, error) {
	var end time.Time
	query := `SELECT window_end FROM transfer_runs
               WHERE status = $1 ORDER BY completed_at DESC LIMIT 1`
	err := r.db.QueryRowContext(ctx, query, attendance.RunStatusSuccess).Scan(&end)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, ErrRunNotFound
		}
		return time.Time{}, fmt.Errorf("error getting last completed window: %w", err)
	}
	return end, nil
}

func (r *PostgresTransferLog) ListRecent(ctx context.Context, limit int) ([]*attendance.TransferRun, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM transfer_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing recent transfer runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*attendance.TransferRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning transfer run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer runs: %w", err)
	}
	return runs, nil
}
