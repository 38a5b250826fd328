package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/housekeeping"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
)

type CreateAppointmentRequest struct {
	DoctorID     string  `json:"doctorId"`
	PatientID    *string `json:"patientId,omitempty"`
	Date         string  `json:"date"`
	StartTime    string  `json:"startTime"`
	EndTime      string  `json:"endTime"`
	Type         string  `json:"type,omitempty"`
	PatientName  string  `json:"patientName,omitempty"`
	PatientEmail string  `json:"patientEmail,omitempty"`
	PatientPhone string  `json:"patientPhone,omitempty"`
	VideoURL     *string `json:"videoUrl,omitempty"`
	AmountCents  int64   `json:"amountCents"`
	Currency     string  `json:"currency,omitempty"`
	Description  string  `json:"description,omitempty"`
}

// UpdateAppointmentRequest is a partial update; absent fields are kept.
type UpdateAppointmentRequest struct {
	Date         *string `json:"date,omitempty"`
	StartTime    *string `json:"startTime,omitempty"`
	EndTime      *string `json:"endTime,omitempty"`
	Type         *string `json:"type,omitempty"`
	Status       *string `json:"status,omitempty"`
	PatientName  *string `json:"patientName,omitempty"`
	PatientEmail *string `json:"patientEmail,omitempty"`
	PatientPhone *string `json:"patientPhone,omitempty"`
	VideoURL     *string `json:"videoUrl,omitempty"`
	AmountCents  *int64  `json:"amountCents,omitempty"`
}

type AppointmentResponse struct {
	ID                  uuid.UUID `json:"id"`
	PatientID           uuid.UUID `json:"patientId"`
	DoctorID            uuid.UUID `json:"doctorId"`
	Date                string    `json:"date"`
	StartTime           string    `json:"startTime"`
	EndTime             string    `json:"endTime"`
	Type                string    `json:"type"`
	Status              string    `json:"status"`
	PatientName         string    `json:"patientName"`
	PatientEmail        string    `json:"patientEmail"`
	PatientPhone        string    `json:"patientPhone"`
	ReminderSent        bool      `json:"reminderSent"`
	PaymentReminderSent bool      `json:"paymentReminderSent"`
	VideoLinkSent       bool      `json:"videoLinkSent"`
	VideoURL            *string   `json:"videoUrl,omitempty"`
	AmountCents         int64     `json:"amountCents"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type PaymentResponse struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID *uuid.UUID `json:"appointmentId,omitempty"`
	ProcessorID   *string    `json:"processorId,omitempty"`
	PreferenceID  *string    `json:"preferenceId,omitempty"`
	RedirectURL   *string    `json:"redirectUrl,omitempty"`
	Status        string     `json:"status"`
	AmountCents   int64      `json:"amountCents"`
	Currency      string     `json:"currency"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
}

type BookingResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Payment     *PaymentResponse    `json:"payment,omitempty"`
}

type PaymentStatusResponse struct {
	ID          uuid.UUID  `json:"id"`
	Status      string     `json:"status"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	Changed     bool       `json:"changed"`
	Appointment *string    `json:"appointmentStatus,omitempty"`
}

type BusinessHoursRequest struct {
	Sunday              bool   `json:"sunday"`
	Monday              bool   `json:"monday"`
	Tuesday             bool   `json:"tuesday"`
	Wednesday           bool   `json:"wednesday"`
	Thursday            bool   `json:"thursday"`
	Friday              bool   `json:"friday"`
	Saturday            bool   `json:"saturday"`
	StartTime           string `json:"startTime"`
	EndTime             string `json:"endTime"`
	AppointmentDuration int    `json:"appointmentDuration"`
	LunchBreakEnabled   bool   `json:"lunchBreakEnabled"`
	LunchStartTime      string `json:"lunchStartTime,omitempty"`
	LunchEndTime        string `json:"lunchEndTime,omitempty"`
}

type BusinessHoursResponse struct {
	ID       uuid.UUID  `json:"id"`
	DoctorID *uuid.UUID `json:"doctorId,omitempty"`
	BusinessHoursRequest
	UpdatedAt time.Time `json:"updatedAt"`
}

type AvailableSlotsResponse struct {
	Date  string   `json:"date"`
	Slots []string `json:"slots"`
}

type SweepResponse struct {
	Success bool                  `json:"success"`
	Reports []housekeeping.Report `json:"reports"`
}

type ErrorResponse struct {
	Error            string   `json:"error"`
	Details          string   `json:"details,omitempty"`
	ExpectedDuration int      `json:"expectedDuration,omitempty"`
	Allowed          []string `json:"allowed,omitempty"`
}

// WebhookPayload is the body Mercado Pago posts. Its ids arrive as JSON
// numbers or strings depending on the topic.
type WebhookPayload struct {
	ID     flexibleString `json:"id"`
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Data   struct {
		ID flexibleString `json:"id"`
	} `json:"data"`
}

// ProcessPaymentRequest carries the card form produced by the processor's
// checkout brick. formData keeps the brick's own field names.
type ProcessPaymentRequest struct {
	AppointmentID string `json:"appointmentId"`
	FormData      struct {
		Token           string         `json:"token"`
		Installments    int            `json:"installments"`
		PaymentMethodID string         `json:"payment_method_id"`
		IssuerID        flexibleString `json:"issuer_id"`
		Payer           struct {
			Email          string `json:"email"`
			Identification struct {
				Type   string `json:"type"`
				Number string `json:"number"`
			} `json:"identification"`
		} `json:"payer"`
	} `json:"formData"`
}

type ProcessPaymentResponse struct {
	ID                string           `json:"id"`
	Status            string           `json:"status"`
	Detail            string           `json:"detail,omitempty"`
	Payment           *PaymentResponse `json:"payment"`
	AppointmentStatus *string          `json:"appointmentStatus,omitempty"`
}

type flexibleString string

func (s *flexibleString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexibleString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*s = flexibleString(num.String())
	return nil
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                  a.ID,
		PatientID:           a.PatientID,
		DoctorID:            a.DoctorID,
		Date:                a.Date.Format(time.DateOnly),
		StartTime:           a.StartTime,
		EndTime:             a.EndTime,
		Type:                string(a.Type),
		Status:              string(a.Status),
		PatientName:         a.Contact.Name,
		PatientEmail:        a.Contact.Email,
		PatientPhone:        a.Contact.Phone,
		ReminderSent:        a.ReminderSent,
		PaymentReminderSent: a.PaymentReminderSent,
		VideoLinkSent:       a.VideoLinkSent,
		VideoURL:            a.VideoURL,
		AmountCents:         a.AmountCents,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

func toPaymentResponse(p *appointment.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		ProcessorID:   p.ProcessorID,
		PreferenceID:  p.PreferenceID,
		RedirectURL:   p.RedirectURL,
		Status:        string(p.Status),
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		PaidAt:        p.PaidAt,
	}
}

func (b BusinessHoursRequest) policy(doctorID *uuid.UUID) scheduling.Policy {
	return scheduling.Policy{
		DoctorID:            doctorID,
		Days:                [7]bool{b.Sunday, b.Monday, b.Tuesday, b.Wednesday, b.Thursday, b.Friday, b.Saturday},
		StartTime:           strings.TrimSpace(b.StartTime),
		EndTime:             strings.TrimSpace(b.EndTime),
		AppointmentDuration: b.AppointmentDuration,
		LunchBreakEnabled:   b.LunchBreakEnabled,
		LunchStartTime:      strings.TrimSpace(b.LunchStartTime),
		LunchEndTime:        strings.TrimSpace(b.LunchEndTime),
	}
}

func toBusinessHoursResponse(p scheduling.Policy) BusinessHoursResponse {
	return BusinessHoursResponse{
		ID:       p.ID,
		DoctorID: p.DoctorID,
		BusinessHoursRequest: BusinessHoursRequest{
			Sunday:              p.Days[time.Sunday],
			Monday:              p.Days[time.Monday],
			Tuesday:             p.Days[time.Tuesday],
			Wednesday:           p.Days[time.Wednesday],
			Thursday:            p.Days[time.Thursday],
			Friday:              p.Days[time.Friday],
			Saturday:            p.Days[time.Saturday],
			StartTime:           p.StartTime,
			EndTime:             p.EndTime,
			AppointmentDuration: p.AppointmentDuration,
			LunchBreakEnabled:   p.LunchBreakEnabled,
			LunchStartTime:      p.LunchStartTime,
			LunchEndTime:        p.LunchEndTime,
		},
		UpdatedAt: p.UpdatedAt,
	}
}
