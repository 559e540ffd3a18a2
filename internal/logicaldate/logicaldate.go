// Package logicaldate handles the calendar date a pipeline run processes,
// independent of wall-clock execution time. Dates are represented as
// time.Time values at midnight UTC.
package logicaldate

import (
	"fmt"
	"strings"
	"time"
)

// Layout is the textual form of a logical date.
const Layout = "2006-01-02"

// Day is the width of one logical date window.
const Day = 24 * time.Hour

// Parse reads a YYYY-MM-DD string.
func Parse(s string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid logical date %q: %w", s, err)
	}
	return t, nil
}

// Of returns the calendar date of t as observed in loc.
func Of(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current UTC calendar date.
func Today() time.Time {
	return Of(time.Now(), time.UTC)
}

// Format renders a logical date.
func Format(ds time.Time) string {
	return ds.UTC().Format(Layout)
}

// Prev returns the preceding calendar date.
func Prev(ds time.Time) time.Time {
	return Of(ds, time.UTC).AddDate(0, 0, -1)
}

// Window returns the half-open interval [ds, ds+1 day).
func Window(ds time.Time) (time.Time, time.Time) {
	start := Of(ds, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
