package types

import (
	"fmt"
	"time"
)

// Date is a civil date in YYYY-MM-DD form. The zero value "" means unset.
// It is a string so it marshals transparently in JSON payloads and compares
// correctly with <, the ISO form being lexicographically ordered.
type Date string

// DateLayout is the wire and storage format for civil dates.
const DateLayout = "2006-01-02"

// ParseDate validates and normalizes a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date(t.Format(DateLayout)), nil
}

// DateOf truncates an instant to its UTC civil date.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(DateLayout))
}

// Today returns the current UTC civil date.
func Today() Date {
	return DateOf(time.Now())
}

// Time returns midnight UTC of the date. Zero time for an unset date.
func (d Date) Time() time.Time {
	if d == "" {
		return time.Time{}
	}
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsZero reports whether the date is unset or unparsable.
func (d Date) IsZero() bool {
	return d == "" || d.Time().IsZero()
}

// AddDays returns the date n calendar days later (earlier for negative n).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// DaysUntil returns the calendar-day distance from d to other.
// Negative when other is before d.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time().Sub(d.Time()).Hours() / 24)
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return string(d) < string(other)
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return string(d) > string(other)
}
