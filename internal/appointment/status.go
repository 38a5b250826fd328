package appointment

import (
	"fmt"
	"strings"
)

var (
	allStatuses        = []Status{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled}
	allTypes           = []Type{TypeGeneral, TypeUrgent, TypeFollowup}
	allPaymentStatuses = []PaymentStatus{PaymentPending, PaymentConfirmed, PaymentRejected, PaymentCancelled, PaymentRefunded}
)

// appointmentTransitions lists every permitted appointment status change.
// Terminal statuses have no entry.
var appointmentTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentConfirmed, PaymentRejected, PaymentCancelled},
	PaymentConfirmed: {PaymentRefunded},
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Blocking reports whether an appointment in status s occupies its slot.
func (s Status) Blocking() bool {
	return s != StatusCancelled
}

// CanTransition reports whether an appointment may move from s to to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range appointmentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminal is the source set for guarded conditional updates.
func NonTerminal() []Status {
	return []Status{StatusPending, StatusConfirmed}
}

func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CascadeFor returns the appointment status implied by a payment entering p.
// Refunds do not cascade: attendance is independent of the money flow.
func CascadeFor(p PaymentStatus) (Status, bool) {
	switch p {
	case PaymentConfirmed:
		return StatusConfirmed, true
	case PaymentRejected, PaymentCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// InvalidValueError reports an enum value outside its allowed set.
type InvalidValueError struct {
	Field   string
	Value   string
	Allowed []string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid %s %q (allowed: %s)", e.Field, e.Value, strings.Join(e.Allowed, ", "))
}

func (e *InvalidValueError) Is(target error) bool {
	return target == ErrValidation
}

func ParseStatus(s string) (Status, error) {
	v := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if v == st {
			return st, nil
		}
	}
	return "", &InvalidValueError{Field: "status", Value: s, Allowed: toStrings(allStatuses)}
}

func ParseType(s string) (Type, error) {
	v := Type(strings.ToUpper(strings.TrimSpace(s)))
	if v == "" {
		return TypeGeneral, nil
	}
	for _, t := range allTypes {
		if v == t {
			return t, nil
		}
	}
	return "", &InvalidValueError{Field: "type", Value: s, Allowed: toStrings(allTypes)}
}

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	v := PaymentStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allPaymentStatuses {
		if v == st {
			return st, nil
		}
	}
	return "", &InvalidValueError{Field: "payment status", Value: s, Allowed: toStrings(allPaymentStatuses)}
}

func toStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}
