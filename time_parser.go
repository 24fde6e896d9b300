package main

import (
	"fmt"
	"strings"
	"time"
)

// ParseStartTime parses the start_at value into an absolute UTC instant.
// Supported forms (absolute ones are assumed to be UTC):
//   - "2025-01-15 16:00"          (YYYY-MM-DD HH:MM)
//   - "2025-01-15 16:00:00"       (YYYY-MM-DD HH:MM:SS)
//   - "2025-01-15 16:00 UTC"
//   - "2025-01-15T16:00:00Z"      (RFC3339, any offset)
//   - "+45m", "+1h30m"            (relative to now)
func ParseStartTime(timeStr string, now time.Time) (time.Time, error) {
	timeStr = strings.TrimSpace(timeStr)

	if rel, ok := strings.CutPrefix(timeStr, "+"); ok {
		d, err := time.ParseDuration(rel)
		if err != nil || d < 0 {
			return time.Time{}, fmt.Errorf("invalid relative start '%s'. Use a duration such as +45m or +1h30m", timeStr)
		}
		return now.Add(d).UTC(), nil
	}

	timeStr = strings.TrimSuffix(timeStr, " UTC")
	timeStr = strings.TrimSuffix(timeStr, "UTC")
	timeStr = strings.TrimSpace(timeStr)

	if t, err := time.Parse(time.RFC3339, timeStr); err == nil {
		return t.UTC(), nil
	}

	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, timeStr, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid time format '%s'. Use format: YYYY-MM-DD HH:MM (e.g., 2025-01-15 16:00), assumed UTC, or +DURATION", timeStr)
}
