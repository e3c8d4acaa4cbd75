package repository

import "time"

// LogTimestampResolution is the precision kept for log timestamps.
const LogTimestampResolution = time.Microsecond

// NextLogTimestamp returns requested truncated to storage precision, pushed
// forward to one tick after last when it would not sort strictly after it.
func NextLogTimestamp(requested, last time.Time) time.Time {
	ts := requested.UTC().Truncate(LogTimestampResolution)
	if last.IsZero() {
		return ts
	}
	last = last.UTC().Truncate(LogTimestampResolution)
	if !ts.After(last) {
		return last.Add(LogTimestampResolution)
	}
	return ts
}
