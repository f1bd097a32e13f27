package attendance

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// RawScanEvent is a single row from the external biometric scan store.
// The scan store is owned by the device subsystem; this system only reads it.
type RawScanEvent struct {
	DeviceSerial  string
	ScanTimestamp time.Time
	DevicePin     string
	VerifyMode    int
	InOutMode     int
}

// Validate checks the fields a raw event must carry before it can be
// turned into a canonical record.
func (e RawScanEvent) Validate() error {
	if e.DeviceSerial == "" {
		return fmt.Errorf("raw scan event: missing device serial")
	}
	if e.DevicePin == "" {
		return fmt.Errorf("raw scan event: missing device pin")
	}
	if e.ScanTimestamp.IsZero() {
		return fmt.Errorf("raw scan event: missing or unparseable scan timestamp")
	}
	return nil
}

// NaturalKey is the externally-meaningful identity of a scan event,
// independent of any storage id.
type NaturalKey struct {
	DeviceSerial  string
	ScanTimestamp time.Time
	DevicePin     string
}

func (e RawScanEvent) NaturalKey() NaturalKey {
	return NaturalKey{
		DeviceSerial:  e.DeviceSerial,
		ScanTimestamp: e.ScanTimestamp,
		DevicePin:     e.DevicePin,
	}
}

// RecordID derives the stable attendance id from the natural key, so
// re-ingestion of the same event is detectable without a prior read.
func (k NaturalKey) RecordID() string {
	sum := sha256.Sum256([]byte(k.DeviceSerial + "|" + k.ScanTimestamp.UTC().Format(time.RFC3339) + "|" + k.DevicePin))
	return hex.EncodeToString(sum[:])
}

// Status classifies a canonical record by the scan's time of day.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusLeft    Status = "left"
	StatusUnknown Status = "unknown"
)

// Record is the canonical, deduplicated representation of a scan event.
// At most one record exists per natural key.
type Record struct {
	AttendanceID  string
	DevicePin     string
	ScanTimestamp time.Time
	StudentID     sql.NullInt64 // NULL until the pin is resolved
	DeviceSerial  string
	InOutMode     int
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     sql.NullTime // tombstone, records are never hard-deleted
}

func (r *Record) NaturalKey() NaturalKey {
	return NaturalKey{
		DeviceSerial:  r.DeviceSerial,
		ScanTimestamp: r.ScanTimestamp,
		DevicePin:     r.DevicePin,
	}
}

// DuplicatePolicy controls what happens when an incoming event's natural
// key already has a canonical record.
type DuplicatePolicy string

const (
	PolicySkip   DuplicatePolicy = "skip"
	PolicyUpdate DuplicatePolicy = "update"
	PolicyError  DuplicatePolicy = "error"
)

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case PolicySkip, PolicyUpdate, PolicyError:
		return DuplicatePolicy(s), nil
	}
	return "", fmt.Errorf("unknown duplicate policy: %q", s)
}
