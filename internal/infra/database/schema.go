package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Install applies the full schema. Statements are idempotent
// (CREATE ... IF NOT EXISTS), so repeated installs are safe.
func Install(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to install schema: %w", err)
	}
	return nil
}

// Uninstall drops everything owned by this system. The raw scan store is
// dropped too; on shared installs it belongs to the device subsystem and
// uninstall should not be pointed at it.
func Uninstall(ctx context.Context, db *sql.DB) error {
	const drop = `
DROP TABLE IF EXISTS channel_sessions;
DROP TABLE IF EXISTS notification_attempts;
DROP TABLE IF EXISTS transfer_runs;
DROP TABLE IF EXISTS attendance_records;
DROP TABLE IF EXISTS pin_mappings;
DROP TABLE IF EXISTS guardian_contacts;
DROP TABLE IF EXISTS students;
DROP TABLE IF EXISTS raw_scan_events;`
	if _, err := db.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("failed to uninstall schema: %w", err)
	}
	return nil
}
