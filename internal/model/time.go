package model

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored and hashed
// timestamp, so lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout or any RFC3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Truncate drops sub-millisecond precision so values round-trip through storage.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
