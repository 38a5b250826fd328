package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// AvailableSlots lists the "HH:MM" start times still bookable on date: the
// policy grid from opening time in steps of the appointment duration, minus
// slots that cross lunch, run past closing, or overlap a booked appointment.
func AvailableSlots(p Policy, date time.Time, booked []Booked) ([]string, error) {
	slots := []string{}
	if !p.DayEnabled(DayOf(date).Weekday()) {
		return slots, nil
	}
	if p.AppointmentDuration <= 0 {
		return nil, ErrInvalidPolicy
	}
	hours, err := p.Hours()
	if err != nil {
		return nil, err
	}
	lunch, hasLunch, err := p.Lunch()
	if err != nil {
		return nil, err
	}

	for start := hours.Start; start+p.AppointmentDuration <= hours.End; start += p.AppointmentDuration {
		slot := Interval{Start: start, End: start + p.AppointmentDuration}
		if hasLunch && slot.Overlaps(lunch) {
			continue
		}
		_, hit, err := FindCollision(slot, booked, uuid.Nil)
		if err != nil {
			return nil, err
		}
		if hit {
			continue
		}
		slots = append(slots, FormatClock(start))
	}
	return slots, nil
}
