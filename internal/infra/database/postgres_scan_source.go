package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"attendance_notifier/internal/domain/attendance"
)

// PostgresScanSource reads the operator-owned raw scan table. It issues
// SELECTs only; the table is append-only from this system's point of view.
type PostgresScanSource struct {
	db *sql.DB
}

func NewPostgresScanSource(db *sql.DB) *PostgresScanSource {
	return &PostgresScanSource{db: db}
}

func (s *PostgresScanSource) FetchWindow(ctx context.Context, start, end time.Time, offset, limit int) ([]attendance.RawScanEvent, error) {
	query := `SELECT device_serial, scan_timestamp, device_pin, verify_mode, in_out_mode
                FROM raw_scan_events
               WHERE scan_timestamp >= $1 AND scan_timestamp <= $2
               ORDER BY scan_timestamp ASC, device_serial ASC, device_pin ASC
               LIMIT $3 OFFSET $4`
	rows, err := s.db.QueryContext(ctx, query, start, end, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("error querying raw scan events: %w", err)
	}
	defer rows.Close()

	events := make([]attendance.RawScanEvent, 0, limit)
	for rows.Next() {
		var e attendance.RawScanEvent
		if err := rows.Scan(&e.DeviceSerial, &e.ScanTimestamp, &e.DevicePin, &e.VerifyMode, &e.InOutMode); err != nil {
			return nil, fmt.Errorf("error scanning raw scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating raw scan events: %w", err)
	}
	return events, nil
}

func (s *PostgresScanSource) DistinctPins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT device_pin FROM raw_scan_events ORDER BY device_pin`)
	if err != nil {
		return nil, fmt.Errorf("error querying distinct pins: %w", err)
	}
	defer rows.Close()

	pins := make([]string, 0)
	for rows.Next() {
		var pin string
		if err := rows.Scan(&pin); err != nil {
			return nil, fmt.Errorf("error scanning pin: %w", err)
		}
		pins = append(pins, pin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pins: %w", err)
	}
	return pins, nil
}
