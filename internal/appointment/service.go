package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-appointment-payments/internal/auth"
	"github.com/hackgods/clinic-appointment-payments/internal/config"
	"github.com/hackgods/clinic-appointment-payments/internal/metrics"
	"github.com/hackgods/clinic-appointment-payments/internal/payments"
	redisclient "github.com/hackgods/clinic-appointment-payments/internal/redis"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentUpdated   = "APPOINTMENT_UPDATED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
	EventPaymentUpdated       = "PAYMENT_UPDATED"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var tracer = otel.Tracer("clinic.internal.appointment")

// PaymentGateway creates the processor checkout for a new booking.
type PaymentGateway interface {
	CreatePreference(ctx context.Context, req payments.PreferenceRequest) (*payments.Preference, error)
}

type Service struct {
	store   Store
	locker  redisclient.Locker
	gateway PaymentGateway
	cfg     config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(store Store, locker redisclient.Locker, gateway PaymentGateway, cfg config.Config, logger *logging.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	return &Service{
		store:   store,
		locker:  locker,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the wall clock used for completion checks and payment timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateRequest struct {
	// PatientID lets an admin book on behalf of a patient; ignored otherwise.
	PatientID   *uuid.UUID
	DoctorID    uuid.UUID
	Date        time.Time
	StartTime   string
	EndTime     string
	Type        Type
	Contact     Contact // overrides the patient record field by field
	VideoURL    *string
	AmountCents int64
	Currency    string
	Description string
}

// Create books a PENDING appointment and its PENDING payment in one
// transaction. The processor preference is created first, outside the
// transaction. The doctor's day is then locked in Redis, the transaction is
// serializable and the active-slot index backs both up.
func (s *Service) Create(ctx context.Context, p auth.Principal, req CreateRequest) (*Booking, error) {
	ctx, span := tracer.Start(ctx, "appointment.create")
	defer span.End()

	booking, err := s.create(ctx, p, req)
	s.metrics.ObserveBooking(bookingOutcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("appointment.id", booking.Appointment.ID.String()))
	return booking, nil
}

func (s *Service) create(ctx context.Context, p auth.Principal, req CreateRequest) (*Booking, error) {
	patientID := p.ID
	if p.IsAdmin() && req.PatientID != nil {
		patientID = *req.PatientID
	}

	start, end, err := normalizeInterval(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	if req.DoctorID == uuid.Nil {
		return nil, invalid("doctorId", "is required")
	}
	if req.Date.IsZero() {
		return nil, invalid("date", "is required")
	}
	if req.AmountCents <= 0 {
		return nil, invalid("amount", "must be positive")
	}
	if req.Type == "" {
		req.Type = TypeGeneral
	}

	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	doctor, err := s.store.GetDoctor(ctx, req.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	// The id is fixed before the transaction so retries and the processor's
	// external reference agree on it.
	appt := Appointment{
		ID:          uuid.New(),
		PatientID:   patientID,
		DoctorID:    doctor.ID,
		Date:        scheduling.DayOf(req.Date),
		StartTime:   start,
		EndTime:     end,
		Type:        req.Type,
		Status:      StatusPending,
		Contact:     snapshotContact(patient, req.Contact),
		VideoURL:    req.VideoURL,
		AmountCents: req.AmountCents,
	}

	// Reject bad or taken slots before talking to the processor. The
	// transaction checks again.
	if err := s.checkSlot(ctx, s.store, appt, uuid.Nil); err != nil {
		return nil, err
	}

	// One preference per booking attempt: the transaction below may run more
	// than once and must reuse it.
	pref, err := s.createPreference(ctx, appt, doctor, req)
	if err != nil {
		return nil, err
	}

	var booking *Booking
	err = s.locker.WithDayLock(ctx, appt.DoctorID, appt.Date, func(lockCtx context.Context) error {
		return s.store.WithTx(lockCtx, func(tx Repository) error {
			booking = nil
			if err := s.checkSlot(lockCtx, tx, appt, uuid.Nil); err != nil {
				return err
			}

			created, err := tx.InsertAppointment(lockCtx, appt)
			if err != nil {
				if errors.Is(err, ErrSlotConflict) {
					return &scheduling.SlotError{Reason: scheduling.ReasonTimeUnavailable}
				}
				return fmt.Errorf("insert appointment: %w", err)
			}

			payment, err := tx.InsertPayment(lockCtx, Payment{
				AppointmentID: &created.ID,
				ProcessorID:   nullableString(pref.ProcessorID),
				PreferenceID:  nullableString(pref.PreferenceID),
				RedirectURL:   nullableString(pref.RedirectURL),
				Status:        PaymentPending,
				AmountCents:   created.AmountCents,
				Currency:      s.currency(req.Currency),
				Description:   s.description(*created, doctor, req.Description),
				PayerEmail:    created.Contact.Email,
			})
			if err != nil {
				return fmt.Errorf("insert payment: %w", err)
			}

			if err := RecordEvent(lockCtx, tx, created.ID, EventAppointmentCreated, map[string]any{
				"doctor_id":     created.DoctorID.String(),
				"patient_id":    created.PatientID.String(),
				"date":          created.Date.Format(time.DateOnly),
				"start_time":    created.StartTime,
				"payment_id":    payment.ID.String(),
				"preference_id": pref.PreferenceID,
			}); err != nil {
				return err
			}

			booking = &Booking{Appointment: *created, Payment: payment}
			return nil
		})
	})
	if err != nil {
		s.logger.Info("booking abandoned after preference was created",
			"appointment_id", appt.ID, "preference_id", pref.PreferenceID, "error", err)
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.logger.Info("appointment created",
		"appointment_id", booking.Appointment.ID,
		"doctor_id", booking.Appointment.DoctorID,
		"payment_id", booking.Payment.ID,
	)
	return booking, nil
}

// checkSlot runs the slot validator and collision detector against the
// transaction's view of the doctor's day.
func (s *Service) checkSlot(ctx context.Context, tx Repository, appt Appointment, excludeID uuid.UUID) error {
	policy, err := tx.GetPolicy(ctx, appt.DoctorID)
	if err != nil {
		return err
	}
	candidate := appt.Candidate()
	if err := scheduling.ValidateSlot(candidate, *policy); err != nil {
		return err
	}
	booked, err := tx.ListBlocking(ctx, appt.DoctorID, appt.Date)
	if err != nil {
		return fmt.Errorf("list booked appointments: %w", err)
	}
	return scheduling.CheckCollision(candidate, booked, excludeID)
}

func (s *Service) createPreference(ctx context.Context, appt Appointment, doctor *Doctor, req CreateRequest) (*payments.Preference, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}
	if s.cfg.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
	}

	pref, err := s.gateway.CreatePreference(ctx, payments.PreferenceRequest{
		AppointmentID: appt.ID,
		AmountCents:   appt.AmountCents,
		Currency:      s.currency(req.Currency),
		Description:   s.description(appt, doctor, req.Description),
		PayerEmail:    appt.Contact.Email,
		ReturnURLs: payments.ReturnURLs{
			Success: s.cfg.PaymentSuccessURL,
			Pending: s.cfg.PaymentPendingURL,
			Failure: s.cfg.PaymentFailureURL,
		},
	})
	if err != nil {
		s.logger.Warn("payment preference failed", "appointment_id", appt.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return pref, nil
}

func (s *Service) currency(requested string) string {
	if requested != "" {
		return requested
	}
	if s.cfg.DefaultCurrency != "" {
		return s.cfg.DefaultCurrency
	}
	return "BRL"
}

func (s *Service) description(appt Appointment, doctor *Doctor, requested string) string {
	if requested != "" {
		return requested
	}
	return fmt.Sprintf("Appointment with %s on %s at %s", doctor.Name, appt.Date.Format(time.DateOnly), appt.StartTime)
}

// Patch is a field-level partial update; nil fields keep their value.
type Patch struct {
	Date        *time.Time
	StartTime   *string
	EndTime     *string
	Type        *Type
	Status      *Status
	Contact     *Contact // non-empty fields replace the snapshot
	VideoURL    *string
	AmountCents *int64
}

func (p Patch) apply(a Appointment) (Appointment, error) {
	if p.Date != nil {
		a.Date = scheduling.DayOf(*p.Date)
	}
	start, end := a.StartTime, a.EndTime
	if p.StartTime != nil {
		start = *p.StartTime
	}
	if p.EndTime != nil {
		end = *p.EndTime
	}
	if p.StartTime != nil || p.EndTime != nil {
		var err error
		if a.StartTime, a.EndTime, err = normalizeInterval(start, end); err != nil {
			return Appointment{}, err
		}
	}
	if p.Type != nil {
		a.Type = *p.Type
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Contact != nil {
		a.Contact = mergeContact(a.Contact, *p.Contact)
	}
	if p.VideoURL != nil {
		a.VideoURL = p.VideoURL
	}
	if p.AmountCents != nil {
		if *p.AmountCents <= 0 {
			return Appointment{}, invalid("amount", "must be positive")
		}
		a.AmountCents = *p.AmountCents
	}
	return a, nil
}

func rescheduled(before, after Appointment) bool {
	return !before.Date.Equal(after.Date) || before.StartTime != after.StartTime || before.EndTime != after.EndTime
}

// Update applies patch to an appointment. Moving it re-runs slot validation
// and collision detection excluding the appointment itself.
func (s *Service) Update(ctx context.Context, p auth.Principal, id uuid.UUID, patch Patch) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.update")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	current, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !p.IsAdmin() && !p.IsDoctor(current.DoctorID) {
		return nil, ErrForbidden
	}
	preview, err := patch.apply(*current)
	if err != nil {
		return nil, err
	}

	var updated *Appointment
	run := func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx Repository) error {
			locked, err := tx.GetAppointmentForUpdate(ctx, id)
			if err != nil {
				return fmt.Errorf("lock appointment: %w", err)
			}
			switch locked.Status {
			case StatusCancelled:
				return ErrAlreadyCancelled
			case StatusCompleted:
				return ErrAppointmentTerminal
			}

			next, err := patch.apply(*locked)
			if err != nil {
				return err
			}
			if rescheduled(*locked, next) {
				if err := s.checkSlot(ctx, tx, next, id); err != nil {
					return err
				}
			}
			if next.Status != locked.Status {
				if err := s.checkManualTransition(*locked, next.Status); err != nil {
					return err
				}
			}

			updated, err = tx.UpdateAppointment(ctx, next)
			if err != nil {
				if errors.Is(err, ErrSlotConflict) {
					return &scheduling.SlotError{Reason: scheduling.ReasonTimeUnavailable}
				}
				return fmt.Errorf("update appointment: %w", err)
			}
			if updated.Status == StatusCancelled {
				if err := s.cancelPendingPayment(ctx, tx, id); err != nil {
					return err
				}
			}

			return RecordEvent(ctx, tx, id, EventAppointmentUpdated, map[string]any{
				"by":         p.ID.String(),
				"status":     string(updated.Status),
				"date":       updated.Date.Format(time.DateOnly),
				"start_time": updated.StartTime,
			})
		})
	}

	if rescheduled(*current, preview) {
		err = s.locker.WithDayLock(ctx, current.DoctorID, preview.Date, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

// checkManualTransition guards status changes requested by people.
// Confirmation only ever comes from payment reconciliation.
func (s *Service) checkManualTransition(from Appointment, to Status) error {
	if to == StatusConfirmed {
		return fmt.Errorf("%w: appointments are confirmed by payment", ErrInvalidTransition)
	}
	if !from.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from.Status, to)
	}
	if to == StatusCompleted {
		ends, err := from.EndsAt()
		if err != nil {
			return err
		}
		if ends.After(s.now()) {
			return ErrNotYetEnded
		}
	}
	return nil
}

func (s *Service) cancelPendingPayment(ctx context.Context, tx Repository, appointmentID uuid.UUID) error {
	payment, err := tx.GetPaymentByAppointment(ctx, appointmentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if payment.Status != PaymentPending {
		return nil
	}
	if _, err := tx.UpdatePaymentStatus(ctx, payment.ID, PaymentCancelled, nil, s.now()); err != nil {
		return fmt.Errorf("cancel payment: %w", err)
	}
	return nil
}

// Cancel cancels the appointment and its still-pending payment together.
// It returns ErrAlreadyCancelled when there is nothing left to do.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, id uuid.UUID) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	var cancelled *Appointment
	err := s.store.WithTx(ctx, func(tx Repository) error {
		locked, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("lock appointment: %w", err)
		}
		if !canView(p, *locked) {
			return ErrForbidden
		}
		switch locked.Status {
		case StatusCancelled:
			return ErrAlreadyCancelled
		case StatusCompleted:
			return ErrAppointmentTerminal
		}

		if err := s.cancelPendingPayment(ctx, tx, id); err != nil {
			return err
		}
		cancelled, err = tx.TransitionAppointment(ctx, id, StatusCancelled, NonTerminal())
		if err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		return RecordEvent(ctx, tx, id, EventAppointmentCancelled, map[string]any{
			"by":   p.ID.String(),
			"from": string(locked.Status),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment cancelled", "appointment_id", id, "by", p.ID)
	return cancelled, nil
}

// Complete marks a confirmed appointment whose time has passed as attended.
func (s *Service) Complete(ctx context.Context, p auth.Principal, id uuid.UUID) (*Appointment, error) {
	var completed *Appointment
	err := s.store.WithTx(ctx, func(tx Repository) error {
		locked, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("lock appointment: %w", err)
		}
		if !p.IsAdmin() && !p.IsDoctor(locked.DoctorID) {
			return ErrForbidden
		}
		if locked.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}
		if err := s.checkManualTransition(*locked, StatusCompleted); err != nil {
			return err
		}

		completed, err = tx.TransitionAppointment(ctx, id, StatusCompleted, []Status{StatusConfirmed})
		if err != nil {
			return fmt.Errorf("complete appointment: %w", err)
		}
		return RecordEvent(ctx, tx, id, EventAppointmentCompleted, map[string]any{"by": p.ID.String()})
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// Get returns the appointment and its payment.
func (s *Service) Get(ctx context.Context, p auth.Principal, id uuid.UUID) (*Booking, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if !canView(p, *appt) {
		return nil, ErrForbidden
	}

	payment, err := s.store.GetPaymentByAppointment(ctx, id)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &Booking{Appointment: *appt, Payment: payment}, nil
}

// List returns appointments visible to p. Patients only ever see their own.
func (s *Service) List(ctx context.Context, p auth.Principal, f ListFilter) ([]Appointment, error) {
	if p.Role == auth.RoleUser {
		id := p.ID
		f.PatientID = &id
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	appointments, err := s.store.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if appointments == nil {
		appointments = []Appointment{}
	}
	return appointments, nil
}

// AvailableSlots lists the start times still free on the doctor's day.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]string, error) {
	policy, err := s.store.GetPolicy(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	booked, err := s.store.ListBlocking(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list booked appointments: %w", err)
	}
	return scheduling.AvailableSlots(*policy, date, booked)
}

func (s *Service) BusinessHours(ctx context.Context, doctorID uuid.UUID) (*scheduling.Policy, error) {
	return s.store.GetPolicy(ctx, doctorID)
}

// UpsertBusinessHours stores a validated policy. A nil DoctorID targets the
// clinic-wide default.
func (s *Service) UpsertBusinessHours(ctx context.Context, p auth.Principal, policy scheduling.Policy) (*scheduling.Policy, error) {
	if !p.IsAdmin() {
		return nil, ErrForbidden
	}
	if err := policy.Validate(); err != nil {
		return nil, invalid("businessHours", err.Error())
	}
	if policy.DoctorID != nil {
		if _, err := s.store.GetDoctor(ctx, *policy.DoctorID); err != nil {
			return nil, err
		}
	}

	saved, err := s.store.UpsertPolicy(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("upsert business hours: %w", err)
	}
	s.logger.Info("business hours updated", "policy_id", saved.ID, "global", saved.DoctorID == nil)
	return saved, nil
}

// Payment returns a stored payment visible to p.
func (s *Service) Payment(ctx context.Context, p auth.Principal, id uuid.UUID) (*Payment, error) {
	payment, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsAdmin() {
		return payment, nil
	}
	if payment.AppointmentID == nil {
		return nil, ErrForbidden
	}
	appt, err := s.store.GetAppointment(ctx, *payment.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !canView(p, *appt) {
		return nil, ErrForbidden
	}
	return payment, nil
}

func canView(p auth.Principal, a Appointment) bool {
	return p.IsAdmin() || p.IsDoctor(a.DoctorID) || p.ID == a.PatientID
}

func normalizeInterval(start, end string) (string, string, error) {
	s, err := scheduling.ParseClock(start)
	if err != nil {
		return "", "", invalid("startTime", err.Error())
	}
	e, err := scheduling.ParseClock(end)
	if err != nil {
		return "", "", invalid("endTime", err.Error())
	}
	return scheduling.FormatClock(s), scheduling.FormatClock(e), nil
}

func mergeContact(c, override Contact) Contact {
	if override.Name != "" {
		c.Name = override.Name
	}
	if override.Email != "" {
		c.Email = override.Email
	}
	if override.Phone != "" {
		c.Phone = override.Phone
	}
	return c
}

func snapshotContact(p *Patient, override Contact) Contact {
	return mergeContact(Contact{Name: p.Name, Email: p.Email, Phone: p.Phone}, override)
}

func bookingOutcome(err error) string {
	if err == nil {
		return "created"
	}
	if reason, ok := scheduling.ReasonOf(err); ok {
		return string(reason)
	}
	switch {
	case errors.Is(err, ErrSlotBeingBooked):
		return "being_booked"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrPolicyNotConfigured):
		return "policy_not_configured"
	default:
		return "error"
	}
}

// RecordEvent appends to the appointment event log inside tx.
func RecordEvent(ctx context.Context, tx Repository, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id := appointmentID
	if err := tx.InsertEvent(ctx, EventLog{EventType: eventType, AppointmentID: &id, Payload: data}); err != nil {
		return err
	}
	return nil
}
