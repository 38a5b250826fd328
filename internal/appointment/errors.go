package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPolicyNotConfigured = errors.New("business hours not configured")

	// ErrSlotConflict is returned by stores when the active-slot uniqueness
	// constraint rejects a write.
	ErrSlotConflict = errors.New("slot already taken")
	// ErrStaleState is returned by conditional updates whose row no longer
	// matches the expected source status.
	ErrStaleState = errors.New("appointment changed concurrently")

	ErrSlotBeingBooked     = errors.New("doctor agenda is being booked, please retry")
	ErrAlreadyCancelled    = errors.New("appointment already cancelled")
	ErrAppointmentTerminal = errors.New("appointment is completed and can no longer change")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotYetEnded         = errors.New("appointment has not ended yet")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrForbidden           = errors.New("forbidden")
	ErrValidation          = errors.New("validation failed")
)

// ValidationError describes malformed input on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
