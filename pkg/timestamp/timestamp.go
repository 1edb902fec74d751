// Package timestamp provides Unix-millisecond timestamp handling.
//
// The bridge stores every timestamp as int64 milliseconds since the Unix
// epoch (UTC): leaf source timestamps, Sparkplug payload and metric
// timestamps, lifecycle transitions and persisted table rows all share
// this format; the state tables' eviction touch stamps are the exception
// and hold Unix nanoseconds. A value of 0 means "not set".
package timestamp

import (
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if ms is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format converts Unix milliseconds to an RFC3339 string for display.
// Returns empty string if ms is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Parse converts a loosely typed timestamp to Unix milliseconds.
// Accepts int64/float64 (seconds or milliseconds, disambiguated by
// magnitude), RFC3339 or numeric strings, and time.Time. Returns 0 for
// anything it cannot interpret.
func Parse(input any) int64 {
	switch v := input.(type) {
	case nil:
		return 0
	case time.Time:
		return ToUnixMs(v)
	case int64:
		return normalizeEpoch(v)
	case int:
		return normalizeEpoch(int64(v))
	case float64:
		if v == 0 {
			return 0
		}
		if v > 1e12 {
			return int64(v)
		}
		return int64(v * 1000)
	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return ToUnixMs(t)
		}
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			return normalizeEpoch(ts)
		}
		if ts, err := strconv.ParseFloat(v, 64); err == nil {
			return Parse(ts)
		}
		return 0
	default:
		return 0
	}
}

// Values above 1e12 are already milliseconds (1e12 ms is 2001); smaller
// values are treated as seconds.
func normalizeEpoch(v int64) int64 {
	if v == 0 {
		return 0
	}
	if v > 1e12 {
		return v
	}
	return v * 1000
}
