package wechat

import (
	"fmt"
	"strings"
	"time"
)

// ParseTime parses gateway times such as 2018-06-08T10:34:56+08:00. An empty string is
// an error; callers decide whether to log and ignore it.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse wechat time %q: %w", s, err)
	}
	return t, nil
}

// FormatTime renders t in the gateway's RFC3339 form, in t's own zone.
func FormatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

// EarliestTime returns the earliest non-zero time, or the zero time if none.
func EarliestTime(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.IsZero() {
			continue
		}
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out
}

// LatestTime returns the latest non-zero time, or the zero time if none.
func LatestTime(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
