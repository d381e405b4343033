package dues

import (
	"fmt"
	"time"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current time. Components default to time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}

// FixedClock always returns t. Used by tests and replays.
func FixedClock(t time.Time) Clock { return func() time.Time { return t } }

// =============================================================================
// CALENDAR UTILITIES
// =============================================================================

func StartOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func EndOfMonth(year int, month time.Month) time.Time {
	return StartOfMonth(year, month).AddDate(0, 1, -1)
}

func DaysIn(year int, month time.Month) int { return EndOfMonth(year, month).Day() }

// DueDate is midnight of the due day, clamped to the last day of short months.
func DueDate(year int, month time.Month, dueDay int) time.Time {
	if dueDay < 1 {
		dueDay = 1
	}
	if last := DaysIn(year, month); dueDay > last {
		dueDay = last
	}
	return time.Date(year, month, dueDay, 0, 0, 0, 0, time.UTC)
}

// NextDueDate is this month's due date, or next month's once today is past the due day.
func NextDueDate(today time.Time, dueDay int) time.Time {
	if today.Day() > dueDay {
		next := StartOfMonth(today.Year(), today.Month()).AddDate(0, 1, 0)
		return DueDate(next.Year(), next.Month(), dueDay)
	}
	return DueDate(today.Year(), today.Month(), dueDay)
}

func periodKey(year int, month time.Month) string {
	return fmt.Sprintf("%d-%d", year, int(month))
}

func validMonth(month time.Month) bool { return month >= time.January && month <= time.December }
