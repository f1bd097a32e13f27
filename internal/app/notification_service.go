package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"attendance_notifier/internal/domain/attendance"
	"attendance_notifier/internal/domain/dispatch"
	"attendance_notifier/internal/domain/roster"
	idb "attendance_notifier/internal/infra/database"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Templates holds the message bodies per notification kind. Placeholders
// {student}, {class}, {section}, {date}, {time}, {school} and {phone} are
// substituted at render time.
type Templates struct {
	Entry  string
	Late   string
	Exit   string
	Absent string
	Test   string
}

// DefaultTemplates returns the stock message set used when no override is
// configured.
func DefaultTemplates() Templates {
	return Templates{
		Entry:  "Assalamu'alaikum. Ananda {student} ({class} {section}) telah tiba di {school} pada {time}, {date}.",
		Late:   "Assalamu'alaikum. Ananda {student} ({class} {section}) tiba terlambat di {school} pada {time}, {date}.",
		Exit:   "Assalamu'alaikum. Ananda {student} ({class} {section}) telah pulang dari {school} pada {time}, {date}.",
		Absent: "Assalamu'alaikum. Ananda {student} ({class} {section}) belum tercatat hadir di {school} hari ini, {date}. Mohon konfirmasi ke {phone}.",
		Test:   "Pesan uji dari {school} untuk {student}, {time} {date}.",
	}
}

func (t Templates) forKind(kind dispatch.Kind) string {
	switch kind {
	case dispatch.KindEntry:
		return t.Entry
	case dispatch.KindLate:
		return t.Late
	case dispatch.KindExit:
		return t.Exit
	case dispatch.KindAbsent:
		return t.Absent
	default:
		return t.Test
	}
}

// NotificationService turns attendance records into queued notification
// attempts. A classified record fans out to every active guardian contact,
// and already-sent (student, contact, kind, day) combinations are
// suppressed.
type NotificationService struct {
	students  roster.StudentRepository
	records   attendance.RecordRepository
	queue     dispatch.Queue
	templates Templates

	schoolName  string
	schoolPhone string
	log         *logrus.Entry
}

func NewNotificationService(
	students roster.StudentRepository,
	records attendance.RecordRepository,
	queue dispatch.Queue,
	templates Templates,
	schoolName, schoolPhone string,
	log *logrus.Entry,
) *NotificationService {
	return &NotificationService{
		students:    students,
		records:     records,
		queue:       queue,
		templates:   templates,
		schoolName:  schoolName,
		schoolPhone: schoolPhone,
		log:         log,
	}
}

func kindForStatus(status attendance.Status) (dispatch.Kind, bool) {
	switch status {
	case attendance.StatusPresent:
		return dispatch.KindEntry, true
	case attendance.StatusLate:
		return dispatch.KindLate, true
	case attendance.StatusLeft:
		return dispatch.KindExit, true
	default:
		return "", false
	}
}

// Decide builds the attempts a record should produce without enqueueing
// them. Records outside any notification window, without a resolved
// student, or for inactive students produce nothing.
func (s *NotificationService) Decide(ctx context.Context, rec *attendance.Record) ([]*dispatch.Attempt, error) {
	kind, ok := kindForStatus(rec.Status)
	if !ok {
		return nil, nil
	}
	if !rec.StudentID.Valid {
		return nil, nil
	}

	student, err := s.students.GetByID(ctx, rec.StudentID.Int64)
	if err != nil {
		if errors.Is(err, idb.ErrStudentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load student %d: %w", rec.StudentID.Int64, err)
	}
	if !student.IsActive {
		return nil, nil
	}

	contacts, err := s.students.ListActiveContacts(ctx, student.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts for student %d: %w", student.ID, err)
	}
	if len(contacts) == 0 {
		s.log.WithField("student_id", student.ID).Warn("Student has no active contacts, nothing to send")
		return nil, nil
	}

	attempts := make([]*dispatch.Attempt, 0, len(contacts))
	for _, contact := range contacts {
		key := dispatch.IdempotencyKey(student.ID, contact.Address, kind, rec.ScanTimestamp)
		sent, err := s.queue.HasSent(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if sent {
			continue
		}
		attempts = append(attempts, &dispatch.Attempt{
			StudentID:      student.ID,
			Contact:        contact.Address,
			Kind:           kind,
			Message:        s.render(kind, student, rec.ScanTimestamp),
			SourceScanAt:   rec.ScanTimestamp,
			IdempotencyKey: key,
		})
	}
	return attempts, nil
}

// DecideAndEnqueue decides for a record and enqueues the resulting
// attempts, returning how many were queued.
func (s *NotificationService) DecideAndEnqueue(ctx context.Context, rec *attendance.Record) (int, error) {
	attempts, err := s.Decide(ctx, rec)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, a := range attempts {
		if err := s.queue.Enqueue(ctx, a); err != nil {
			return queued, fmt.Errorf("failed to enqueue attempt: %w", err)
		}
		queued++
	}
	return queued, nil
}

// AbsencePass enqueues an absence notice for every active student without
// an attendance record on the given day. Meant to run once daily after the
// morning windows close.
func (s *NotificationService) AbsencePass(ctx context.Context, day time.Time) (int, error) {
	active, err := s.students.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active students: %w", err)
	}
	seen, err := s.records.StudentIDsWithRecordOn(ctx, day)
	if err != nil {
		return 0, fmt.Errorf("failed to list students with records: %w", err)
	}
	present := make(map[int64]struct{}, len(seen))
	for _, id := range seen {
		present[id] = struct{}{}
	}

	queued := 0
	for _, student := range active {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		if _, ok := present[student.ID]; ok {
			continue
		}

		contacts, err := s.students.ListActiveContacts(ctx, student.ID)
		if err != nil {
			s.log.WithError(err).WithField("student_id", student.ID).Error("Absence pass: contact lookup failed")
			continue
		}
		for _, contact := range contacts {
			key := dispatch.IdempotencyKey(student.ID, contact.Address, dispatch.KindAbsent, day)
			sent, err := s.queue.HasSent(ctx, key)
			if err != nil {
				s.log.WithError(err).WithField("student_id", student.ID).Error("Absence pass: idempotency check failed")
				continue
			}
			if sent {
				continue
			}
			attempt := &dispatch.Attempt{
				StudentID:      student.ID,
				Contact:        contact.Address,
				Kind:           dispatch.KindAbsent,
				Message:        s.render(dispatch.KindAbsent, student, day),
				SourceScanAt:   day,
				IdempotencyKey: key,
			}
			if err := s.queue.Enqueue(ctx, attempt); err != nil {
				s.log.WithError(err).WithField("student_id", student.ID).Error("Absence pass: enqueue failed")
				continue
			}
			queued++
		}
	}

	s.log.WithFields(logrus.Fields{"day": day.Format("2006-01-02"), "queued": queued}).Info("Absence pass finished")
	return queued, nil
}

// SendTest enqueues a test message to one of the student's contacts. An
// empty contact picks the first active one.
func (s *NotificationService) SendTest(ctx context.Context, studentID int64, contact string) (*dispatch.Attempt, error) {
	student, err := s.students.GetByID(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load student %d: %w", studentID, err)
	}
	if contact == "" {
		contacts, err := s.students.ListActiveContacts(ctx, studentID)
		if err != nil {
			return nil, fmt.Errorf("failed to list contacts for student %d: %w", studentID, err)
		}
		if len(contacts) == 0 {
			return nil, ErrNoContacts
		}
		contact = contacts[0].Address
	}

	now := time.Now()
	attempt := &dispatch.Attempt{
		StudentID:      studentID,
		Contact:        contact,
		Kind:           dispatch.KindTest,
		Message:        s.render(dispatch.KindTest, student, now),
		SourceScanAt:   now,
		IdempotencyKey: uuid.NewString(),
	}
	if err := s.queue.Enqueue(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to enqueue test attempt: %w", err)
	}
	return attempt, nil
}

// EnqueueDirect queues an arbitrary message to a contact, bypassing
// templates. Used by the operator send surface.
func (s *NotificationService) EnqueueDirect(ctx context.Context, contact, text string) (*dispatch.Attempt, error) {
	if contact == "" || text == "" {
		return nil, fmt.Errorf("contact and message are required")
	}
	attempt := &dispatch.Attempt{
		Contact:        contact,
		Kind:           dispatch.KindTest,
		Message:        text,
		SourceScanAt:   time.Now(),
		IdempotencyKey: uuid.NewString(),
	}
	if err := s.queue.Enqueue(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}
	return attempt, nil
}

func (s *NotificationService) render(kind dispatch.Kind, student *roster.Student, at time.Time) string {
	replacer := strings.NewReplacer(
		"{student}", student.FullName(),
		"{class}", student.ClassName,
		"{section}", student.SectionName,
		"{date}", at.Format("02-01-2006"),
		"{time}", at.Format("15:04"),
		"{school}", s.schoolName,
		"{phone}", s.schoolPhone,
	)
	return replacer.Replace(s.templates.forKind(kind))
}
