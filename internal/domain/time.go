package domain

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format used for scheduled dates.
const DateLayout = "2006-01-02"

func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate validates a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidArgument, s)
	}
	return t, nil
}
