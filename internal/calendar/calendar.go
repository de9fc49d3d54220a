// Package calendar computes class occurrences and reservation windows.
//
// Weekdays are numbered 0 (Monday) through 6 (Sunday), the numbering the
// booking rules are stored with.
package calendar

import (
	"fmt"
	"time"
)

const DateLayout = "02/01/2006"

// Clock is a wall-clock time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock accepts "HH:MM" or "HH:MM:SS" (seconds are dropped).
func ParseClock(s string) (Clock, error) {
	layout := "15:04"
	if len(s) == 8 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Weekday maps t to the Monday based index.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Date returns midnight of t's calendar day in loc. Only the year, month and
// day fields of t are used, so DATE values read back as UTC keep their day.
func Date(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NextOccurrence returns the first day strictly after base that falls on dow.
// When base already is a dow the result is one week later.
func NextOccurrence(base time.Time, dow int) time.Time {
	ahead := dow - Weekday(base)
	if ahead <= 0 {
		ahead += 7
	}
	return base.AddDate(0, 0, ahead)
}

// Combine places clock on day in loc.
func Combine(day time.Time, c Clock, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}

// WindowOpensAt is the instant reservations open for the class on day.
func WindowOpensAt(day time.Time, offset int, availableAt Clock, loc *time.Location) time.Time {
	return Combine(day.AddDate(0, 0, -offset), availableAt, loc)
}
