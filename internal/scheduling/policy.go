package scheduling

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidPolicy = errors.New("invalid business hours policy")

// Policy is a doctor's (or the clinic-wide) working-hours configuration.
type Policy struct {
	ID                  uuid.UUID
	DoctorID            *uuid.UUID // nil for the global default
	Days                [7]bool    // indexed by time.Weekday
	StartTime           string
	EndTime             string
	AppointmentDuration int // minutes
	LunchBreakEnabled   bool
	LunchStartTime      string
	LunchEndTime        string
	UpdatedAt           time.Time
}

// DayEnabled reports whether bookings are accepted on the given weekday.
func (p Policy) DayEnabled(d time.Weekday) bool {
	if d < time.Sunday || d > time.Saturday {
		return false
	}
	return p.Days[d]
}

// Hours returns opening and closing minutes.
func (p Policy) Hours() (Interval, error) {
	start, err := ParseClock(p.StartTime)
	if err != nil {
		return Interval{}, err
	}
	end, err := ParseClock(p.EndTime)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: start, End: end}, nil
}

// Lunch returns the lunch interval and whether it applies.
func (p Policy) Lunch() (Interval, bool, error) {
	if !p.LunchBreakEnabled {
		return Interval{}, false, nil
	}
	start, err := ParseClock(p.LunchStartTime)
	if err != nil {
		return Interval{}, false, err
	}
	end, err := ParseClock(p.LunchEndTime)
	if err != nil {
		return Interval{}, false, err
	}
	return Interval{Start: start, End: end}, true, nil
}

// Validate checks the invariants an admin-supplied policy must hold.
func (p Policy) Validate() error {
	hours, err := p.Hours()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if hours.Start >= hours.End {
		return fmt.Errorf("%w: startTime must be before endTime", ErrInvalidPolicy)
	}
	if p.AppointmentDuration <= 0 {
		return fmt.Errorf("%w: appointmentDuration must be positive", ErrInvalidPolicy)
	}
	if p.AppointmentDuration > hours.End-hours.Start {
		return fmt.Errorf("%w: appointmentDuration exceeds the working day", ErrInvalidPolicy)
	}
	lunch, ok, err := p.Lunch()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if ok {
		if lunch.Start >= lunch.End {
			return fmt.Errorf("%w: lunchStartTime must be before lunchEndTime", ErrInvalidPolicy)
		}
		if lunch.Start < hours.Start || lunch.End > hours.End {
			return fmt.Errorf("%w: lunch break must fall inside working hours", ErrInvalidPolicy)
		}
	}
	return nil
}
