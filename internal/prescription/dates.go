package prescription

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the canonical stored date encoding.
const DateLayout = "2006-01-02"

// Timestamp layouts accepted in addition to DateLayout. Older records carry
// naive ISO timestamps with fractional seconds and no zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

var reClock = regexp.MustCompile(`^[0-2][0-9]:[0-5][0-9]$`)

// ParseDate decodes a calendar date from either YYYY-MM-DD or a full timestamp.
// The result is midnight UTC of that date; the zone of a timestamp is dropped
// so that comparisons are purely by calendar day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("want %s or an ISO-8601 timestamp", DateLayout)
}

// DateOf returns midnight UTC of t's calendar date in t's own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// ParseClock validates an HH:MM string and returns minutes since midnight.
func ParseClock(s string) (int, error) {
	if !reClock.MatchString(s) {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[3]-'0')*10 + int(s[4]-'0')
	if hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	return hh*60 + mm, nil
}
