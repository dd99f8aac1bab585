package models

import (
	"fmt"
	"time"
)

// TimeLayout is the timestamp layout used in snapshot files.
const TimeLayout = "2006-01-02 15:04:05"

// Timestamp wraps time.Time with the snapshot wire format: a plain
// "YYYY-MM-DD HH:MM:SS" string in local time, or null when unset.
type Timestamp struct {
	time.Time
}

// Now returns the current local time as a Timestamp.
func Now() Timestamp {
	return Timestamp{Time: time.Now()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return []byte(`"` + t.Format(TimeLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" || raw == `""` {
		t.Time = time.Time{}
		return nil
	}

	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return fmt.Errorf("invalid timestamp %s", raw)
	}

	parsed, err := time.ParseInLocation(TimeLayout, raw[1:len(raw)-1], time.Local)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %s: %w", raw, err)
	}

	t.Time = parsed

	return nil
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}

	return t.Format(TimeLayout)
}
