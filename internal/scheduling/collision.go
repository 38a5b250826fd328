package scheduling

import (
	"fmt"

	"github.com/google/uuid"
)

// Interval is a half-open [Start, End) range of minutes since midnight.
type Interval struct {
	Start int
	End   int
}

// Overlaps reports whether two half-open intervals share any minute.
// Touching edges (a.End == b.Start) do not overlap.
func (a Interval) Overlaps(b Interval) bool {
	return a.Start < b.End && a.End > b.Start
}

func (a Interval) Duration() int {
	return a.End - a.Start
}

// Booked is an existing blocking appointment on the candidate's doctor/day.
// Callers are responsible for passing only blocking statuses.
type Booked struct {
	ID        uuid.UUID
	StartTime string
	EndTime   string
}

// FindCollision scans booked linearly and returns the first entry overlapping
// candidate, skipping excludeID. A day holds a few dozen appointments at most,
// so a scan beats maintaining an interval index.
func FindCollision(candidate Interval, booked []Booked, excludeID uuid.UUID) (Booked, bool, error) {
	for _, b := range booked {
		if excludeID != uuid.Nil && b.ID == excludeID {
			continue
		}
		start, err := ParseClock(b.StartTime)
		if err != nil {
			return Booked{}, false, fmt.Errorf("appointment %s: %w", b.ID, err)
		}
		end, err := ParseClock(b.EndTime)
		if err != nil {
			return Booked{}, false, fmt.Errorf("appointment %s: %w", b.ID, err)
		}
		if candidate.Overlaps(Interval{Start: start, End: end}) {
			return b, true, nil
		}
	}
	return Booked{}, false, nil
}

// CheckCollision returns a ReasonTimeUnavailable *SlotError when c overlaps booked.
func CheckCollision(c Candidate, booked []Booked, excludeID uuid.UUID) error {
	iv, err := c.Interval()
	if err != nil {
		return err
	}
	_, hit, err := FindCollision(iv, booked, excludeID)
	if err != nil {
		return err
	}
	if hit {
		return &SlotError{Reason: ReasonTimeUnavailable}
	}
	return nil
}
