package database

import (
	"context"
	"database/sql"
	"fmt"

	"attendance_notifier/internal/domain/roster"
)

const studentColumns = `id, first_name, last_name, class_name, section_name, card_id, is_active, created_at, updated_at`

type PostgresRosterRepository struct {
	db *sql.DB
}

func NewPostgresRosterRepository(db *sql.DB) *PostgresRosterRepository {
	return &PostgresRosterRepository{db: db}
}

func scanStudent(row interface{ Scan(...any) error }) (*roster.Student, error) {
	s := roster.Student{}
	err := row.Scan(&s.ID, &s.FirstName, &s.LastName, &s.ClassName, &s.SectionName,
		&s.CardID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRosterRepository) GetByID(ctx context.Context, id int64) (*roster.Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrStudentNotFound
		}
		return nil, fmt.Errorf("error getting student by id: %w", err)
	}
	return s, nil
}

func (r *PostgresRosterRepository) GetByCardID(ctx context.Context, cardID string) (*roster.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE card_id = $1 AND is_active = TRUE`
	s, err := scanStudent(r.db.QueryRowContext(ctx, query, cardID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrStudentNotFound
		}
		return nil, fmt.Errorf("error getting student by card id: %w", err)
	}
	return s, nil
}

func (r *PostgresRosterRepository) ListActive(ctx context.Context) ([]*roster.Student, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listing active students: %w", err)
	}
	defer rows.Close()

	students := make([]*roster.Student, 0)
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning active student: %w", err)
		}
		students = append(students, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active students: %w", err)
	}
	return students, nil
}

func (r *PostgresRosterRepository) ListActiveContacts(ctx context.Context, studentID int64) ([]*roster.GuardianContact, error) {
	query := `SELECT id, student_id, address, priority, is_active, created_at
                FROM guardian_contacts
               WHERE student_id = $1 AND is_active = TRUE
               ORDER BY priority, id`
	rows, err := r.db.QueryContext(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("error listing contacts for student %d: %w", studentID, err)
	}
	defer rows.Close()

	contacts := make([]*roster.GuardianContact, 0)
	for rows.Next() {
		c := roster.GuardianContact{}
		if err := rows.Scan(&c.ID, &c.StudentID, &c.Address, &c.Priority, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning guardian contact: %w", err)
		}
		contacts = append(contacts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guardian contacts: %w", err)
	}
	return contacts, nil
}
