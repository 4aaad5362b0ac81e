package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// dateLayouts are tried in order; numeric forms are day-first.
var dateLayouts = []string{
	"2/1/2006",
	"2-1-2006",
	"2/1/06",
	"2-1-06",
	"2006-1-2",
	"2006/1/2",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// timeLayouts are tried in order after the input is upper-cased and its
// spaces removed.
var timeLayouts = []string{
	"3:04PM",
	"3PM",
	"15:04",
	"15:04:05",
	"3:04:05PM",
}

// ParseDayFirst combines a date and a time of day into an instant in loc.
// Numeric dates are read day first (15/07/2025 is 15 July).
func ParseDayFirst(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := parseWith(strings.TrimSpace(date), dateLayouts)
	if err != nil {
		return time.Time{}, fmt.Errorf("pipeline: parse date %q: %w", date, err)
	}
	normalized := strings.ToUpper(strings.Join(strings.Fields(clock), ""))
	normalized = strings.ReplaceAll(strings.ReplaceAll(normalized, "A.M.", "AM"), "P.M.", "PM")
	c, err := parseWith(normalized, timeLayouts)
	if err != nil {
		return time.Time{}, fmt.Errorf("pipeline: parse time %q: %w", clock, err)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, loc), nil
}

func parseWith(value string, layouts []string) (time.Time, error) {
	var firstErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
