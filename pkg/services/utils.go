package services

import (
	"fmt"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15",
	"2006-01-02",
}

// ParseTime parses a filter timestamp in local time. Besides the layouts
// above it accepts "now", "today" and "yesterday".
func ParseTime(val string, now time.Time) (time.Time, error) {
	v := strings.TrimSpace(val)
	switch strings.ToLower(v) {
	case "now":
		return now, nil
	case "today":
		return startOfDay(now), nil
	case "yesterday":
		return startOfDay(now).AddDate(0, 0, -1), nil
	}

	// comma fractional seconds: 2025-08-21 00:18:56,273
	v = strings.Replace(v, ",", ".", 1)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, now.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time string: %s", val)
}

// ParseTimeRange parses optional bounds. A lone start extends to the end
// of its day; a lone end starts at the beginning of its day.
func ParseTimeRange(start, end string, now time.Time) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if start != "" {
		t, err := ParseTime(start, now)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid start_time: %w", err)
		}
		from = &t
	}
	if end != "" {
		t, err := ParseTime(end, now)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid end_time: %w", err)
		}
		to = &t
	}

	switch {
	case from != nil && to == nil:
		t := startOfDay(*from).Add(24*time.Hour - time.Nanosecond)
		to = &t
	case to != nil && from == nil:
		t := startOfDay(*to)
		from = &t
	case from != nil && to != nil && from.After(*to):
		return nil, nil, fmt.Errorf("start_time %s is after end_time %s", start, end)
	}
	return from, to, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
