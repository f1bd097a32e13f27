package attendance

import (
	"testing"
	"time"
)

func defaultSchedule(t *testing.T) Schedule {
	t.Helper()
	s := Schedule{
		EntryStart: 7 * 60,         // 07:00
		EntryEnd:   7*60 + 30,      // 07:30
		LateCutoff: 9 * 60,         // 09:00
		ExitStart:  13*60 + 30,     // 13:30
		ExitEnd:    15 * 60,        // 15:00
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("default schedule should validate: %v", err)
	}
	return s
}

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 9, hour, min, 0, 0, time.UTC)
}

func TestScheduleClassify(t *testing.T) {
	s := defaultSchedule(t)

	tests := []struct {
		name string
		when time.Time
		want Status
	}{
		{"entry window start", at(7, 0), StatusPresent},
		{"mid entry window", at(7, 15), StatusPresent},
		{"entry end is exclusive", at(7, 30), StatusLate},
		{"just before late cutoff", at(8, 59), StatusLate},
		{"late cutoff is exclusive", at(9, 0), StatusUnknown},
		{"between windows", at(11, 0), StatusUnknown},
		{"exit window start", at(13, 30), StatusLeft},
		{"just before exit end", at(14, 59), StatusLeft},
		{"exit end is exclusive", at(15, 0), StatusUnknown},
		{"before school", at(6, 45), StatusUnknown},
		{"late evening", at(21, 0), StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Classify(tt.when); got != tt.want {
				t.Errorf("Classify(%s) = %s, want %s", tt.when.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestParseMinute(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"07:00", 420, false},
		{"00:00", 0, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"7am", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMinute(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMinute(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseMinute(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"empty entry window", Schedule{EntryStart: 450, EntryEnd: 450, LateCutoff: 540, ExitStart: 810, ExitEnd: 900}, true},
		{"late cutoff before entry end", Schedule{EntryStart: 420, EntryEnd: 450, LateCutoff: 440, ExitStart: 810, ExitEnd: 900}, true},
		{"exit overlaps morning", Schedule{EntryStart: 420, EntryEnd: 450, LateCutoff: 540, ExitStart: 500, ExitEnd: 900}, true},
		{"well formed", Schedule{EntryStart: 420, EntryEnd: 450, LateCutoff: 540, ExitStart: 810, ExitEnd: 900}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
