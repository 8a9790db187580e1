package utils

import (
	"fmt"
	"strconv"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseHours parses a positive lookback expressed in hours, falling back to def when empty.
func ParseHours(value string, def int) (time.Duration, error) {
	if value == "" {
		return time.Duration(def) * time.Hour, nil
	}
	hours, err := strconv.Atoi(value)
	if err != nil || hours <= 0 {
		return 0, fmt.Errorf("hours must be a positive integer, got %q", value)
	}
	return time.Duration(hours) * time.Hour, nil
}

// SampleTime normalises a collection instant to the storage key resolution.
func SampleTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// UnixMilli converts a stored millisecond timestamp back into UTC time.
func UnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
