package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"attendance_notifier/internal/domain/attendance"
)

const recordColumns = `attendance_id, device_pin, scan_timestamp, student_id, device_serial, in_out_mode, status, created_at, updated_at, deleted_at`

type PostgresAttendanceRepository struct {
	db *sql.DB
}

func NewPostgresAttendanceRepository(db *sql.DB) *PostgresAttendanceRepository {
	return &PostgresAttendanceRepository{db: db}
}

func scanRecord(row interface{ Scan(...any) error }) (*attendance.Record, error) {
	r := attendance.Record{}
	err := row.Scan(&r.AttendanceID, &r.DevicePin, &r.ScanTimestamp, &r.StudentID,
		&r.DeviceSerial, &r.InOutMode, &r.Status, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *PostgresAttendanceRepository) GetByNaturalKey(ctx context.Context, key attendance.NaturalKey) (*attendance.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records
               WHERE device_serial = $1 AND scan_timestamp = $2 AND device_pin = $3`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, key.DeviceSerial, key.ScanTimestamp, key.DevicePin))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("error getting attendance record by natural key: %w", err)
	}
	return rec, nil
}

// ApplyBatch writes a whole ingestion batch in one transaction, so a crash
// mid-batch never leaves partially-applied state for that batch.
func (r *PostgresAttendanceRepository) ApplyBatch(ctx context.Context, inserts, updates []*attendance.Record) error {
	if len(inserts) == 0 && len(updates) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for attendance batch: %w", err)
	}
	defer txn.Rollback()

	if len(inserts) > 0 {
		stmt, err := txn.PrepareContext(ctx, `INSERT INTO attendance_records
                (attendance_id, device_pin, scan_timestamp, student_id, device_serial, in_out_mode, status)
                VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if err != nil {
			return fmt.Errorf("failed to prepare attendance insert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range inserts {
			if _, err := stmt.ExecContext(ctx, rec.AttendanceID, rec.DevicePin, rec.ScanTimestamp,
				rec.StudentID, rec.DeviceSerial, rec.InOutMode, rec.Status); err != nil {
				return fmt.Errorf("error inserting attendance record %s: %w", rec.AttendanceID, err)
			}
		}
	}

	if len(updates) > 0 {
		stmt, err := txn.PrepareContext(ctx, `UPDATE attendance_records
                 SET student_id = $2, in_out_mode = $3, status = $4, updated_at = NOW()
               WHERE attendance_id = $1`)
		if err != nil {
			return fmt.Errorf("failed to prepare attendance update: %w", err)
		}
		defer stmt.Close()
		for _, rec := range updates {
			if _, err := stmt.ExecContext(ctx, rec.AttendanceID, rec.StudentID, rec.InOutMode, rec.Status); err != nil {
				return fmt.Errorf("error updating attendance record %s: %w", rec.AttendanceID, err)
			}
		}
	}

	return txn.Commit()
}

// ListUnresolved pages with a keyset cursor so a caller sweeping the whole
// set advances past records it could not resolve instead of re-reading them.
func (r *PostgresAttendanceRepository) ListUnresolved(ctx context.Context, after time.Time, afterID string, limit int) ([]*attendance.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records
               WHERE student_id IS NULL AND deleted_at IS NULL
                 AND (scan_timestamp, attendance_id) > ($1, $2)
               ORDER BY scan_timestamp ASC, attendance_id ASC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, after, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying unresolved records: %w", err)
	}
	defer rows.Close()

	records := make([]*attendance.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning unresolved record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unresolved records: %w", err)
	}
	return records, nil
}

func (r *PostgresAttendanceRepository) ResolveStudent(ctx context.Context, attendanceID string, studentID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance_records
                 SET student_id = $2, updated_at = NOW()
               WHERE attendance_id = $1 AND deleted_at IS NULL`, attendanceID, studentID)
	if err != nil {
		return fmt.Errorf("error resolving student on record %s: %w", attendanceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *PostgresAttendanceRepository) StudentIDsWithRecordOn(ctx context.Context, day time.Time) ([]int64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	query := `SELECT DISTINCT student_id FROM attendance_records
               WHERE student_id IS NOT NULL AND deleted_at IS NULL
                 AND scan_timestamp >= $1 AND scan_timestamp < $2`
	rows, err := r.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("error querying students with records: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning student id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating student ids: %w", err)
	}
	return ids, nil
}

func (r *PostgresAttendanceRepository) Tombstone(ctx context.Context, attendanceID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance_records
                 SET deleted_at = NOW(), updated_at = NOW()
               WHERE attendance_id = $1 AND deleted_at IS NULL`, attendanceID)
	if err != nil {
		return fmt.Errorf("error tombstoning record %s: %w", attendanceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
