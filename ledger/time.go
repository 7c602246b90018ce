package ledger

import "time"

// =============================================================================
// CALENDAR DAYS - Due dates are compared at day granularity in UTC
// =============================================================================

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from `from` to `to`.
func DaysBetween(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)).Hours() / 24)
}

// Clock returns the current time. Tests replace it with a fixed clock.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
