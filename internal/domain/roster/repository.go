package roster

import "context"

// StudentRepository reads students and guardian contacts.
type StudentRepository interface {
	GetByID(ctx context.Context, id int64) (*Student, error)
	GetByCardID(ctx context.Context, cardID string) (*Student, error)
	ListActive(ctx context.Context) ([]*Student, error)
	ListActiveContacts(ctx context.Context, studentID int64) ([]*GuardianContact, error)
}

// MappingRepository persists pin-to-student mappings.
type MappingRepository interface {
	GetActiveByPin(ctx context.Context, devicePin string) (*PinMapping, error)
	GetActiveByStudent(ctx context.Context, studentID int64) (*PinMapping, error)
	// Create inserts an active mapping; it fails with ErrMappingConflict
	// when either uniqueness direction would be violated.
	Create(ctx context.Context, m *PinMapping) error
	Deactivate(ctx context.Context, devicePin string) error
	ListActive(ctx context.Context) ([]*PinMapping, error)
}
