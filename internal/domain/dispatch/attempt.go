package dispatch

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind is the notification class decided for a canonical record.
type Kind string

const (
	KindEntry  Kind = "entry"
	KindLate   Kind = "late"
	KindExit   Kind = "exit"
	KindAbsent Kind = "absent"
	KindTest   Kind = "test"
)

// Status is the delivery state of an attempt. InFlight is a transient
// claim marker set by DrainNext so two drainers never process the same row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusRetrying Status = "retrying"
)

// Attempt is one outbound notification delivery, the system-of-record for
// "was this message sent".
type Attempt struct {
	ID             int64
	StudentID      int64
	Contact        string
	Kind           Kind
	Message        string
	SourceScanAt   time.Time
	Status         Status
	RetryCount     int
	IdempotencyKey string
	ExternalRef    sql.NullString
	SentAt         sql.NullTime
	LastError      sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey derives the duplicate-suppression key for a notification.
// It deliberately includes only the calendar date of the source scan, so a
// second scan by the same student on the same day renders no second message.
func IdempotencyKey(studentID int64, contact string, kind Kind, sourceScanAt time.Time) string {
	seed := fmt.Sprintf("%d|%s|%s|%s", studentID, contact, kind, sourceScanAt.Format("2006-01-02"))
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
