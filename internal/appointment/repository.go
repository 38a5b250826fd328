package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
)

// Repository contains all DB interactions needed by the lifecycle service,
// the reconciliation engine and the housekeeping sweeps. Methods suffixed
// ForUpdate lock the returned row and are only meaningful inside WithTx.
type Repository interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)

	// Business hours: the doctor's own policy wins over the global one.
	GetPolicy(ctx context.Context, doctorID uuid.UUID) (*scheduling.Policy, error)
	UpsertPolicy(ctx context.Context, p scheduling.Policy) (*scheduling.Policy, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)
	// ListBlocking returns the doctor's non-cancelled appointments on day.
	ListBlocking(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]scheduling.Booked, error)
	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	// UpdateAppointment rewrites the mutable fields of a non-terminal appointment.
	UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	TransitionAppointment(ctx context.Context, id uuid.UUID, to Status, from []Status) (*Appointment, error)
	SetNotified(ctx context.Context, id uuid.UUID, flag NotifyFlag) error

	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetPaymentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)
	// FindPaymentForUpdate matches by processor id or, failing that, by appointment id.
	FindPaymentForUpdate(ctx context.Context, processorID string, appointmentID *uuid.UUID) (*Payment, error)
	InsertPayment(ctx context.Context, p Payment) (*Payment, error)
	// UpdatePaymentStatus never clears or moves paid_at once set.
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, to PaymentStatus, processorID *string, at time.Time) (*Payment, error)

	// Webhook ledger
	IsWebhookProcessed(ctx context.Context, eventID string) (bool, error)
	ClaimWebhookEvent(ctx context.Context, ev WebhookEvent) (processed bool, err error)
	MarkWebhookProcessed(ctx context.Context, ev WebhookEvent) error

	// Housekeeping
	InsertHistory(ctx context.Context, h HistoryEntry) error
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Appointment, error)
	LockStalePending(ctx context.Context, id uuid.UUID, createdBefore time.Time) (*Appointment, error)
	ListPurgeable(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error)
	PurgeAppointment(ctx context.Context, id uuid.UUID, updatedBefore time.Time) (bool, error)
	ListReminderDue(ctx context.Context, day time.Time, limit int) ([]Appointment, error)
	ListVideoLinkDue(ctx context.Context, day time.Time, from, to string, limit int) ([]Appointment, error)
	ListNudgeDue(ctx context.Context, createdBefore, createdAfter time.Time, limit int) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store is a Repository that can scope a unit of work in a transaction.
// fn may be invoked more than once when the store retries a conflicting
// transaction.
type Store interface {
	Repository
	WithTx(ctx context.Context, fn func(tx Repository) error) error
}
