package schema

import (
	"fmt"
	"strings"
	"time"
)

// ParseDate parses raw with the first matching layout and returns the UTC
// calendar date at midnight.
func ParseDate(raw string, layouts []string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q matches none of %s", s, strings.Join(layouts, ", "))
}
