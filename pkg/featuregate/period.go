package featuregate

import "time"

// periodPrecision is the smallest step between the end of one period and the start of the next.
// Microseconds match the resolution of Postgres timestamps.
const periodPrecision = time.Microsecond

// MonthlyPeriod returns the calendar month containing now, in UTC.
// Start is the first instant of the month and End the last representable instant.
//
// For example, any instant on 2026-02-14 yields:
//   - Start 2026-02-01T00:00:00Z
//   - End   2026-02-28T23:59:59.999999Z
func MonthlyPeriod(now time.Time) Period {
	start := startOfMonthUTC(now)
	return Period{
		Start: start,
		End:   addMonthsSafe(start, 1).Add(-periodPrecision),
	}
}

// NextMonthlyReset returns the first instant after the period containing now
func NextMonthlyReset(now time.Time) time.Time {
	return addMonthsSafe(startOfMonthUTC(now), 1)
}

// startOfMonthUTC returns the first instant of the month in UTC for the given time.
func startOfMonthUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// Uses time.Date with day=1 to avoid overflow, then clips to the last day of the target month.
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	targetDate := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(targetDate.Year(), targetDate.Month()+1, 0, 0, 0, 0, 0, targetDate.Location()).Day()

	actualDay := day
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(targetDate.Year(), targetDate.Month(), actualDay, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// weeklyRolloverDue reports whether the weekly balance must be reset at now
func weeklyRolloverDue(resetAt *time.Time, now time.Time) bool {
	return resetAt == nil || !now.Before(*resetAt)
}
