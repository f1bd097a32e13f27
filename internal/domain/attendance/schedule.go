package attendance

import (
	"fmt"
	"time"
)

// Schedule holds the configured school-hours windows, as minutes since
// midnight. Classification is purely a function of a scan's time of day
// against these windows, with no hidden state.
type Schedule struct {
	EntryStart int // inclusive
	EntryEnd   int // exclusive; scans in [EntryStart, EntryEnd) are on time
	LateCutoff int // exclusive; scans in [EntryEnd, LateCutoff) are late
	ExitStart  int // inclusive
	ExitEnd    int // exclusive; scans in [ExitStart, ExitEnd) are exits
}

// ParseMinute parses a "HH:MM" clock value into minutes since midnight.
func ParseMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate rejects schedules whose windows are empty or out of order.
func (s Schedule) Validate() error {
	if s.EntryStart >= s.EntryEnd {
		return fmt.Errorf("schedule: entry window is empty (%d >= %d)", s.EntryStart, s.EntryEnd)
	}
	if s.LateCutoff < s.EntryEnd {
		return fmt.Errorf("schedule: late cutoff %d precedes entry end %d", s.LateCutoff, s.EntryEnd)
	}
	if s.ExitStart >= s.ExitEnd {
		return fmt.Errorf("schedule: exit window is empty (%d >= %d)", s.ExitStart, s.ExitEnd)
	}
	if s.ExitStart < s.LateCutoff {
		return fmt.Errorf("schedule: exit window overlaps entry windows")
	}
	return nil
}

// Classify maps a scan timestamp to a record status by time of day.
func (s Schedule) Classify(t time.Time) Status {
	m := t.Hour()*60 + t.Minute()
	switch {
	case m >= s.EntryStart && m < s.EntryEnd:
		return StatusPresent
	case m >= s.EntryEnd && m < s.LateCutoff:
		return StatusLate
	case m >= s.ExitStart && m < s.ExitEnd:
		return StatusLeft
	default:
		return StatusUnknown
	}
}
