package app

import (
	"context"
	"errors"
	"fmt"

	"attendance_notifier/internal/domain/attendance"
	"attendance_notifier/internal/domain/roster"
	idb "attendance_notifier/internal/infra/database"

	"github.com/sirupsen/logrus"
)

// MappingService resolves anonymous device pins to student identities and
// manages the pin-mapping table.
type MappingService struct {
	mappings roster.MappingRepository
	students roster.StudentRepository
	source   attendance.ScanSource
	log      *logrus.Entry
}

func NewMappingService(
	mappings roster.MappingRepository,
	students roster.StudentRepository,
	source attendance.ScanSource,
	log *logrus.Entry,
) *MappingService {
	return &MappingService{mappings: mappings, students: students, source: source, log: log}
}

// Resolve looks up the student for a pin: active explicit mapping first,
// then a fallback match on the student's card identifier. An ambiguous or
// unknown pin resolves to nothing, never to a guess.
func (s *MappingService) Resolve(ctx context.Context, devicePin string) (int64, bool) {
	m, err := s.mappings.GetActiveByPin(ctx, devicePin)
	if err == nil {
		return m.StudentID, true
	}
	if !errors.Is(err, idb.ErrMappingNotFound) {
		s.log.WithError(err).WithField("device_pin", devicePin).Error("Mapping lookup failed")
		return 0, false
	}

	student, err := s.students.GetByCardID(ctx, devicePin)
	if err != nil {
		if !errors.Is(err, idb.ErrStudentNotFound) {
			s.log.WithError(err).WithField("device_pin", devicePin).Error("Card id fallback lookup failed")
		}
		return 0, false
	}
	return student.ID, true
}

// Contacts returns the student's active guardian contacts.
func (s *MappingService) Contacts(ctx context.Context, studentID int64) ([]*roster.GuardianContact, error) {
	contacts, err := s.students.ListActiveContacts(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts for student %d: %w", studentID, err)
	}
	return contacts, nil
}

// AutoMap creates mappings for every unmapped pin seen in the raw scan
// store whose value matches a student's card identifier. Existing active
// mappings are never overwritten; individual failures are logged and
// skipped so one bad pin cannot abort the pass.
func (s *MappingService) AutoMap(ctx context.Context) (int, error) {
	pins, err := s.source.DistinctPins(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pins from scan source: %w", err)
	}

	created := 0
	for _, pin := range pins {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		if _, err := s.mappings.GetActiveByPin(ctx, pin); err == nil {
			continue // already mapped
		} else if !errors.Is(err, idb.ErrMappingNotFound) {
			s.log.WithError(err).WithField("device_pin", pin).Error("Automap: mapping lookup failed")
			continue
		}

		student, err := s.students.GetByCardID(ctx, pin)
		if err != nil {
			if !errors.Is(err, idb.ErrStudentNotFound) {
				s.log.WithError(err).WithField("device_pin", pin).Error("Automap: card lookup failed")
			}
			continue
		}

		if _, err := s.mappings.GetActiveByStudent(ctx, student.ID); err == nil {
			continue // student already holds a pin
		} else if !errors.Is(err, idb.ErrMappingNotFound) {
			s.log.WithError(err).WithField("student_id", student.ID).Error("Automap: student lookup failed")
			continue
		}

		m := &roster.PinMapping{DevicePin: pin, StudentID: student.ID, ContactSource: "automap"}
		if err := s.mappings.Create(ctx, m); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"device_pin": pin,
				"student_id": student.ID,
			}).Warn("Automap: could not create mapping")
			continue
		}
		created++
	}

	s.log.WithField("created", created).Info("Automap pass finished")
	return created, nil
}

// Assign creates a manual mapping override. It surfaces a validation error
// when either uniqueness direction would be violated, never a silent
// overwrite.
func (s *MappingService) Assign(ctx context.Context, devicePin string, studentID int64, contactSource string) (*roster.PinMapping, error) {
	student, err := s.students.GetByID(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load student %d: %w", studentID, err)
	}
	if !student.IsActive {
		return nil, ErrStudentInactive
	}

	if existing, err := s.mappings.GetActiveByPin(ctx, devicePin); err == nil {
		return nil, fmt.Errorf("%w: pin %s is mapped to student %d", ErrMappingConflict, devicePin, existing.StudentID)
	} else if !errors.Is(err, idb.ErrMappingNotFound) {
		return nil, fmt.Errorf("failed to check pin uniqueness: %w", err)
	}
	if existing, err := s.mappings.GetActiveByStudent(ctx, studentID); err == nil {
		return nil, fmt.Errorf("%w: student %d already holds pin %s", ErrMappingConflict, studentID, existing.DevicePin)
	} else if !errors.Is(err, idb.ErrMappingNotFound) {
		return nil, fmt.Errorf("failed to check student uniqueness: %w", err)
	}

	if contactSource == "" {
		contactSource = "manual"
	}
	m := &roster.PinMapping{DevicePin: devicePin, StudentID: studentID, ContactSource: contactSource}
	if err := s.mappings.Create(ctx, m); err != nil {
		if errors.Is(err, idb.ErrMappingConflict) {
			return nil, ErrMappingConflict
		}
		return nil, fmt.Errorf("failed to create mapping: %w", err)
	}
	s.log.WithFields(logrus.Fields{"device_pin": devicePin, "student_id": studentID}).Info("Pin mapping created")
	return m, nil
}

// Deactivate retires the active mapping for a pin, keeping the row for audit.
func (s *MappingService) Deactivate(ctx context.Context, devicePin string) error {
	if err := s.mappings.Deactivate(ctx, devicePin); err != nil {
		return fmt.Errorf("failed to deactivate mapping for pin %s: %w", devicePin, err)
	}
	s.log.WithField("device_pin", devicePin).Info("Pin mapping deactivated")
	return nil
}
