package scheduling

import (
	"errors"
	"fmt"
	"time"
)

// Reason identifies why a candidate slot was refused.
type Reason string

const (
	ReasonInvalidInterval      Reason = "invalid_interval"
	ReasonDayUnavailable       Reason = "day_unavailable"
	ReasonOutsideBusinessHours Reason = "outside_business_hours"
	ReasonLunchCollision       Reason = "lunch_collision"
	ReasonDurationMismatch     Reason = "duration_mismatch"
	ReasonTimeUnavailable      Reason = "time_unavailable"
)

// ErrSlotRejected matches every *SlotError through errors.Is.
var ErrSlotRejected = errors.New("slot rejected")

// SlotError is the structured rejection returned by ValidateSlot and CheckCollision.
type SlotError struct {
	Reason Reason
	// ExpectedDuration is set for ReasonDurationMismatch so clients can correct the request.
	ExpectedDuration int
}

func (e *SlotError) Error() string {
	if e.Reason == ReasonDurationMismatch {
		return fmt.Sprintf("slot rejected: %s (expected %d minutes)", e.Reason, e.ExpectedDuration)
	}
	return fmt.Sprintf("slot rejected: %s", e.Reason)
}

func (e *SlotError) Is(target error) bool {
	return target == ErrSlotRejected
}

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var se *SlotError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}

// Candidate is a requested booking interval on a calendar date.
type Candidate struct {
	Date      time.Time
	StartTime string
	EndTime   string
}

// Interval returns the candidate as minutes since midnight.
func (c Candidate) Interval() (Interval, error) {
	start, err := ParseClock(c.StartTime)
	if err != nil {
		return Interval{}, err
	}
	end, err := ParseClock(c.EndTime)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: start, End: end}, nil
}

// ValidateSlot decides whether c is admissible under p. Malformed clock strings
// yield an error wrapping ErrInvalidClock; policy violations yield *SlotError.
// The weekday is taken from the UTC calendar day of c.Date.
func ValidateSlot(c Candidate, p Policy) error {
	iv, err := c.Interval()
	if err != nil {
		return err
	}
	if iv.End <= iv.Start {
		return &SlotError{Reason: ReasonInvalidInterval}
	}

	if !p.DayEnabled(DayOf(c.Date).Weekday()) {
		return &SlotError{Reason: ReasonDayUnavailable}
	}

	hours, err := p.Hours()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if iv.Start < hours.Start || iv.End > hours.End {
		return &SlotError{Reason: ReasonOutsideBusinessHours}
	}

	lunch, hasLunch, err := p.Lunch()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if hasLunch && iv.Overlaps(lunch) {
		return &SlotError{Reason: ReasonLunchCollision}
	}

	if iv.Duration() != p.AppointmentDuration {
		return &SlotError{Reason: ReasonDurationMismatch, ExpectedDuration: p.AppointmentDuration}
	}
	return nil
}
