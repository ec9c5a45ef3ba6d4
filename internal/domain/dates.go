package domain

import "time"

// DateLayout is the wire and storage layout of calendar dates.
const DateLayout = "2006-01-02"

// DateOf truncates t to its calendar day in t's own location and returns it
// as midnight UTC, the representation used for date columns.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddMonths adds calendar months to a date, clamping the day to the last day
// of the target month (Jan 31 + 1 month = Feb 28/29).
func AddMonths(date time.Time, months int) time.Time {
	y, m, d := date.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

// ExtendDueDate returns max(current, today) + months. A nil current due date
// extends from today. The result is never earlier than current.
func ExtendDueDate(current *time.Time, today time.Time, months int) time.Time {
	base := DateOf(today)
	if current != nil {
		c := DateOf(*current)
		if c.After(base) {
			base = c
		}
	}
	return AddMonths(base, months)
}
