package database

import (
	"context"
	"database/sql"
	"fmt"

	"attendance_notifier/internal/domain/roster"
)

const mappingColumns = `id, device_pin, student_id, contact_source, is_active, created_at, updated_at`

type PostgresMappingRepository struct {
	db *sql.DB
}

func NewPostgresMappingRepository(db *sql.DB) *PostgresMappingRepository {
	return &PostgresMappingRepository{db: db}
}

func scanMapping(row interface{ Scan(...any) error }) (*roster.PinMapping, error) {
	m := roster.PinMapping{}
	err := row.Scan(&m.ID, &m.DevicePin, &m.StudentID, &m.ContactSource, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresMappingRepository) GetActiveByPin(ctx context.Context, devicePin string) (*roster.PinMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM pin_mappings WHERE device_pin = $1 AND is_active = TRUE`
	m, err := scanMapping(r.db.QueryRowContext(ctx, query, devicePin))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMappingNotFound
		}
		return nil, fmt.Errorf("error getting mapping by pin: %w", err)
	}
	return m, nil
}

func (r *PostgresMappingRepository) GetActiveByStudent(ctx context.Context, studentID int64) (*roster.PinMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM pin_mappings WHERE student_id = $1 AND is_active = TRUE`
	m, err := scanMapping(r.db.QueryRowContext(ctx, query, studentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMappingNotFound
		}
		return nil, fmt.Errorf("error getting mapping by student: %w", err)
	}
	return m, nil
}

func (r *PostgresMappingRepository) Create(ctx context.Context, m *roster.PinMapping) error {
	query := `INSERT INTO pin_mappings (device_pin, student_id, contact_source, is_active)
               VALUES ($1, $2, $3, TRUE)
               RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, m.DevicePin, m.StudentID, m.ContactSource).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		// The partial unique indexes enforce one-active-pin-per-student and
		// one-active-student-per-pin.
		if isUniqueViolation(err, "pin_mappings_active_pin_key") ||
			isUniqueViolation(err, "pin_mappings_active_student_key") {
			return ErrMappingConflict
		}
		return fmt.Errorf("error creating pin mapping: %w", err)
	}
	m.IsActive = true
	return nil
}

// Deactivate retires the active mapping for a pin. The row is kept for audit.
func (r *PostgresMappingRepository) Deactivate(ctx context.Context, devicePin string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pin_mappings
                 SET is_active = FALSE, updated_at = NOW()
               WHERE device_pin = $1 AND is_active = TRUE`, devicePin)
	if err != nil {
		return fmt.Errorf("error deactivating mapping for pin %s: %w", devicePin, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMappingNotFound
	}
	return nil
}

func (r *PostgresMappingRepository) ListActive(ctx context.Context) ([]*roster.PinMapping, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+mappingColumns+` FROM pin_mappings WHERE is_active = TRUE ORDER BY device_pin`)
	if err != nil {
		return nil, fmt.Errorf("error listing active mappings: %w", err)
	}
	defer rows.Close()

	mappings := make([]*roster.PinMapping, 0)
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning pin mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pin mappings: %w", err)
	}
	return mappings, nil
}
