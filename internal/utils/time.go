package utils

import "time"

// NowUTC truncates to milliseconds so timestamps survive a round trip through
// BSON dates unchanged.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func RFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
