package roster

import (
	"database/sql"
	"time"
)

// Student is the minimal roster read model the pipeline needs. Student
// CRUD lives in the admin application; this system only reads students
// and their guardian contacts.
type Student struct {
	ID          int64
	FirstName   string
	LastName    sql.NullString
	ClassName   string
	SectionName string
	CardID      sql.NullString // externally-visible biometric card identifier
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FullName joins first and optional last name for message rendering.
func (s *Student) FullName() string {
	if s.LastName.Valid && s.LastName.String != "" {
		return s.FirstName + " " + s.LastName.String
	}
	return s.FirstName
}

// ContactPriority tags a guardian contact as primary or secondary.
type ContactPriority string

const (
	ContactPrimary   ContactPriority = "primary"
	ContactSecondary ContactPriority = "secondary"
)

// GuardianContact is one deliverable address (a messaging-network number)
// for a student's guardian.
type GuardianContact struct {
	ID        int64
	StudentID int64
	Address   string
	Priority  ContactPriority
	IsActive  bool
	CreatedAt time.Time
}

// PinMapping binds an anonymous device pin to a student identity.
// A pin maps to at most one active student and a student has at most one
// active pin; deactivated mappings are retained for audit.
type PinMapping struct {
	ID            int64
	DevicePin     string
	StudentID     int64
	ContactSource string // manual, automap, card
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
