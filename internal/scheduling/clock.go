package scheduling

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidClock = errors.New("time must be formatted as HH:MM")

const minutesPerDay = 24 * 60

// ParseClock converts an "HH:MM" wall-clock string into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[1]) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: hour out of range in %q", ErrInvalidClock, s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: minute out of range in %q", ErrInvalidClock, s)
	}
	return hour*60 + minute, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// DayOf returns the UTC calendar day containing t, at 00:00:00 UTC.
// Weekday derivation and collision windows both go through here so they never
// disagree about which day a date belongs to.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayWindow returns the inclusive [00:00:00, 23:59:59] UTC bounds of date's day.
func DayWindow(date time.Time) (time.Time, time.Time) {
	start := DayOf(date)
	return start, start.Add(24*time.Hour - time.Second)
}

// ParseDate accepts "2006-01-02" or an RFC3339 timestamp and returns its UTC day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return DayOf(t), nil
}

// At returns the UTC instant of clock minutes on date's day.
func At(date time.Time, minutes int) time.Time {
	return DayOf(date).Add(time.Duration(minutes) * time.Minute)
}
