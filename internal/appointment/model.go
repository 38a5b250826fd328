package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

type Type string

const (
	TypeGeneral  Type = "GENERAL"
	TypeUrgent   Type = "URGENT"
	TypeFollowup Type = "FOLLOWUP"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentRejected  PaymentStatus = "REJECTED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Phone     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contact is the patient snapshot taken when the appointment is booked.
type Contact struct {
	Name  string
	Email string
	Phone string
}

type Appointment struct {
	ID                  uuid.UUID
	PatientID           uuid.UUID
	DoctorID            uuid.UUID
	Date                time.Time // UTC midnight
	StartTime           string    // "HH:MM"
	EndTime             string
	Type                Type
	Status              Status
	Contact             Contact
	ReminderSent        bool
	PaymentReminderSent bool
	VideoLinkSent       bool
	VideoURL            *string
	AmountCents         int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (a Appointment) Candidate() scheduling.Candidate {
	return scheduling.Candidate{Date: a.Date, StartTime: a.StartTime, EndTime: a.EndTime}
}

// StartsAt returns the UTC instant the appointment begins.
func (a Appointment) StartsAt() (time.Time, error) {
	m, err := scheduling.ParseClock(a.StartTime)
	if err != nil {
		return time.Time{}, err
	}
	return scheduling.At(a.Date, m), nil
}

// EndsAt returns the UTC instant the appointment ends.
func (a Appointment) EndsAt() (time.Time, error) {
	m, err := scheduling.ParseClock(a.EndTime)
	if err != nil {
		return time.Time{}, err
	}
	return scheduling.At(a.Date, m), nil
}

type Payment struct {
	ID            uuid.UUID
	AppointmentID *uuid.UUID
	ProcessorID   *string // processor payment id, known once the patient pays
	PreferenceID  *string
	RedirectURL   *string
	Status        PaymentStatus
	AmountCents   int64
	Currency      string
	Description   string
	PayerEmail    string
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Booking pairs an appointment with its payment, if any.
type Booking struct {
	Appointment Appointment
	Payment     *Payment
}

const (
	HistoryReasonTimeoutPayment = "TIMEOUT_PAYMENT"
	UpdatedBySystem             = "SYSTEM"
)

// HistoryEntry is the append-only audit row for automated cancellations.
type HistoryEntry struct {
	ID              uuid.UUID
	AppointmentID   uuid.UUID
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	Date            time.Time
	StartTime       string
	EndTime         string
	Reason          string
	Notes           string
	UpdatedBy       string
	LostAmountCents *int64
	CreatedAt       time.Time
}

// WebhookEvent is a row of the webhook deduplication ledger.
type WebhookEvent struct {
	EventID     string
	Type        string
	Action      string
	Processed   bool
	ProcessedAt *time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// ListFilter narrows ListAppointments. Zero values mean "any".
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    *Status
	Date      *time.Time
	Limit     int
	Offset    int
}

// NotifyFlag names one of the per-appointment delivery flags.
type NotifyFlag string

const (
	FlagReminderSent        NotifyFlag = "reminder_sent"
	FlagPaymentReminderSent NotifyFlag = "payment_reminder_sent"
	FlagVideoLinkSent       NotifyFlag = "video_link_sent"
)
