/**
 * @description
 * Calendar arithmetic for recurring charges. The next due date is computed by
 * advancing the current due date one recurrence unit, clamping the day-of-month
 * when the target month is shorter (Jan 31 + 1 month = Feb 28/29, never Mar 3).
 */
package domain

import "time"

// NextDueDate returns the due date of the occurrence that follows dueDate for
// the given recurrence. Unrecognized recurrence values fall back to yearly.
func NextDueDate(dueDate time.Time, recurrence Recurrence) time.Time {
	years, months := 0, 0
	switch recurrence {
	case RecurrenceMonthly:
		months = 1
	case RecurrenceQuarterly:
		months = 3
	default:
		years = 1
	}
	return addCalendar(dueDate, years, months)
}

// addCalendar advances a date by whole years/months, clamping the day to the
// last day of the target month. time.AddDate normalizes overflow instead
// (Jan 31 + 1 month = Mar 3), which is wrong for billing dates.
func addCalendar(t time.Time, years, months int) time.Time {
	year := t.Year() + years
	month := int(t.Month()) + months
	for month > 12 {
		month -= 12
		year++
	}

	day := t.Day()
	if last := daysInMonth(year, time.Month(month)); day > last {
		day = last
	}
	return time.Date(year, time.Month(month), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
