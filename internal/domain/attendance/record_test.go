package attendance

import (
	"testing"
	"time"
)

func TestRecordIDDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	a := RawScanEvent{DeviceSerial: "DEV-001", ScanTimestamp: ts, DevicePin: "1042"}
	b := RawScanEvent{DeviceSerial: "DEV-001", ScanTimestamp: ts, DevicePin: "1042", VerifyMode: 99, InOutMode: 1}

	if a.NaturalKey().RecordID() != b.NaturalKey().RecordID() {
		t.Error("events with the same natural key must derive the same record id")
	}

	other := RawScanEvent{DeviceSerial: "DEV-002", ScanTimestamp: ts, DevicePin: "1042"}
	if a.NaturalKey().RecordID() == other.NaturalKey().RecordID() {
		t.Error("a different device serial must derive a different record id")
	}
}

func TestRecordIDTimezoneInsensitive(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	utc := time.Date(2026, 3, 9, 0, 15, 0, 0, time.UTC)
	local := utc.In(jakarta)

	a := NaturalKey{DeviceSerial: "DEV-001", ScanTimestamp: utc, DevicePin: "1042"}
	b := NaturalKey{DeviceSerial: "DEV-001", ScanTimestamp: local, DevicePin: "1042"}
	if a.RecordID() != b.RecordID() {
		t.Error("the same instant in different zones must derive the same record id")
	}
}

func TestRawScanEventValidate(t *testing.T) {
	ts := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	tests := []struct {
		name    string
		event   RawScanEvent
		wantErr bool
	}{
		{"valid", RawScanEvent{DeviceSerial: "DEV-001", ScanTimestamp: ts, DevicePin: "1042"}, false},
		{"missing serial", RawScanEvent{ScanTimestamp: ts, DevicePin: "1042"}, true},
		{"missing pin", RawScanEvent{DeviceSerial: "DEV-001", ScanTimestamp: ts}, true},
		{"zero timestamp", RawScanEvent{DeviceSerial: "DEV-001", DevicePin: "1042"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuplicatePolicy(t *testing.T) {
	for _, valid := range []string{"skip", "update", "error"} {
		if _, err := ParseDuplicatePolicy(valid); err != nil {
			t.Errorf("ParseDuplicatePolicy(%q) unexpected error: %v", valid, err)
		}
	}
	if _, err := ParseDuplicatePolicy("merge"); err == nil {
		t.Error("ParseDuplicatePolicy(\"merge\") expected an error")
	}
}
