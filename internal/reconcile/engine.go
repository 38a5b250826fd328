// Package reconcile applies payment processor state to local payments and
// appointments, from webhooks, client-initiated status checks and card
// charges made through the transparent checkout.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/auth"
	"github.com/hackgods/clinic-appointment-payments/internal/metrics"
	"github.com/hackgods/clinic-appointment-payments/internal/notify"
	"github.com/hackgods/clinic-appointment-payments/internal/payments"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

const (
	TypePayment      = "payment"
	TypeSubscription = "subscription_preapproval"
	ActionCreated    = "payment.created"
)

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeNoResource Outcome = "no_resource"
	OutcomeRecorded   Outcome = "recorded"
	OutcomeUnmatched  Outcome = "unmatched"
)

const notifyTimeout = 15 * time.Second

var tracer = otel.Tracer("clinic.internal.reconcile")

// Event is a processor notification as received on the webhook.
type Event struct {
	ID         string
	Type       string
	Action     string
	ResourceID string
}

// Result describes what reconciling one processor payment did.
type Result struct {
	Outcome     Outcome
	Payment     *appointment.Payment
	Appointment *appointment.Appointment
	From        appointment.PaymentStatus
	// Processor is set for card charges: the processor's answer to the charge.
	Processor   *payments.PaymentDetail
}

type Engine struct {
	store    appointment.Store
	gateway  payments.Gateway
	notifier notify.Notifier
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	// dispatch runs post-commit side effects. Defaults to a goroutine.
	dispatch func(func())

	// notificationURL is sent with card charges so the processor knows
	// where to deliver webhooks.
	notificationURL string
}

func NewEngine(store appointment.Store, gateway payments.Gateway, notifier notify.Notifier, logger *logging.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if notifier == nil {
		notifier = notify.Noop{Logger: logger}
	}
	return &Engine{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		dispatch: func(f func()) { go f() },
	}
}

// WithClock replaces the clock used for paid_at and ledger timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithDispatch replaces how post-commit notifications are run.
func (e *Engine) WithDispatch(dispatch func(func())) *Engine {
	e.dispatch = dispatch
	return e
}

// WithNotificationURL sets the webhook URL sent with card charges.
func (e *Engine) WithNotificationURL(url string) *Engine {
	e.notificationURL = url
	return e
}

// MapStatus translates a processor payment status into the local one.
// Anything unknown is treated as still pending.
func MapStatus(processorStatus string) appointment.PaymentStatus {
	switch processorStatus {
	case payments.ProcessorApproved:
		return appointment.PaymentConfirmed
	case payments.ProcessorRejected:
		return appointment.PaymentRejected
	case payments.ProcessorCancelled:
		return appointment.PaymentCancelled
	case payments.ProcessorRefunded:
		return appointment.PaymentRefunded
	default:
		return appointment.PaymentPending
	}
}

// HandleEvent reconciles one webhook delivery. A returned error means the
// event was not recorded and the processor should redeliver it.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "reconcile.webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.event_id", ev.ID),
		attribute.String("webhook.type", ev.Type),
		attribute.String("webhook.action", ev.Action),
	)

	started := time.Now()
	outcome, err := e.handle(ctx, ev)
	label := string(outcome)
	if err != nil {
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.ObserveWebhook(ev.Type, label, time.Since(started).Seconds())
	return outcome, err
}

func (e *Engine) handle(ctx context.Context, ev Event) (Outcome, error) {
	log := e.logger.With("event_id", ev.ID, "type", ev.Type, "action", ev.Action)

	if ev.ID != "" {
		processed, err := e.store.IsWebhookProcessed(ctx, ev.ID)
		if err != nil {
			return "", fmt.Errorf("check webhook ledger: %w", err)
		}
		if processed {
			log.Info("webhook already processed")
			return OutcomeDuplicate, nil
		}
	}

	if ev.ResourceID == "" {
		log.Warn("webhook without resource id acknowledged")
		return OutcomeNoResource, nil
	}

	switch {
	case ev.Type == TypePayment && ev.Action == ActionCreated:
		return e.record(ctx, ev, OutcomeRecorded)
	case ev.Type == TypePayment:
		return e.handlePayment(ctx, ev, log)
	case ev.Type == TypeSubscription:
		authorized, err := e.gateway.GetSubscriptionStatus(ctx, ev.ResourceID)
		if err != nil {
			return "", fmt.Errorf("fetch subscription %s: %w", ev.ResourceID, err)
		}
		log.Info("subscription status received", "subscription_id", ev.ResourceID, "authorized", authorized)
		return e.record(ctx, ev, OutcomeRecorded)
	default:
		log.Info("webhook type not handled")
		return e.record(ctx, ev, OutcomeIgnored)
	}
}

// record marks an event processed without touching payments.
func (e *Engine) record(ctx context.Context, ev Event, outcome Outcome) (Outcome, error) {
	if ev.ID == "" {
		return outcome, nil
	}
	err := e.store.WithTx(ctx, func(tx appointment.Repository) error {
		processed, err := tx.ClaimWebhookEvent(ctx, e.ledgerEntry(ev))
		if err != nil {
			return fmt.Errorf("claim webhook event: %w", err)
		}
		if processed {
			outcome = OutcomeDuplicate
			return nil
		}
		return tx.MarkWebhookProcessed(ctx, e.ledgerEntry(ev))
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (e *Engine) handlePayment(ctx context.Context, ev Event, log *logging.Logger) (Outcome, error) {
	// Fetch outside the transaction so no row lock is held across the network call.
	detail, err := e.gateway.GetPayment(ctx, ev.ResourceID)
	if errors.Is(err, payments.ErrNotFound) {
		log.Warn("payment unknown to processor, acknowledging", "payment_id", ev.ResourceID)
		return e.record(ctx, ev, OutcomeUnmatched)
	}
	if err != nil {
		return "", fmt.Errorf("fetch payment %s: %w", ev.ResourceID, err)
	}

	var res Result
	err = e.store.WithTx(ctx, func(tx appointment.Repository) error {
		var err error
		res = Result{}
		if ev.ID != "" {
			processed, err := tx.ClaimWebhookEvent(ctx, e.ledgerEntry(ev))
			if err != nil {
				return fmt.Errorf("claim webhook event: %w", err)
			}
			if processed {
				res.Outcome = OutcomeDuplicate
				return nil
			}
		}

		res, err = e.apply(ctx, tx, detail, ev.ID)
		if err != nil {
			return err
		}

		if ev.ID == "" {
			return nil
		}
		return tx.MarkWebhookProcessed(ctx, e.ledgerEntry(ev))
	})
	if err != nil {
		return "", err
	}

	switch res.Outcome {
	case OutcomeUnmatched:
		log.Warn("webhook payment matches no local payment", "payment_id", detail.ID, "external_reference", detail.ExternalReference)
	case OutcomeApplied:
		log.Info("payment reconciled", "payment_id", res.Payment.ID, "from", res.From, "to", res.Payment.Status)
	}
	e.afterCommit(res)
	return res.Outcome, nil
}

// CheckStatus polls the processor for a payment and applies any change.
func (e *Engine) CheckStatus(ctx context.Context, processorID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "reconcile.check_status")
	defer span.End()
	span.SetAttributes(attribute.String("payment.processor_id", processorID))

	detail, err := e.gateway.GetPayment(ctx, processorID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, payments.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", appointment.ErrPaymentNotFound, err)
		}
		return nil, fmt.Errorf("fetch payment %s: %w", processorID, err)
	}

	var res Result
	err = e.store.WithTx(ctx, func(tx appointment.Repository) error {
		var err error
		res, err = e.apply(ctx, tx, detail, "")
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if res.Outcome == OutcomeUnmatched {
		return nil, appointment.ErrPaymentNotFound
	}

	e.afterCommit(res)
	return &res, nil
}

// CardPayment is a transparent-checkout charge for an appointment.
type CardPayment struct {
	AppointmentID        uuid.UUID
	Token                string
	Installments         int
	PaymentMethodID      string
	IssuerID             string
	PayerEmail           string
	IdentificationType   string
	IdentificationNumber string
}

// ProcessPayment charges a card token against the appointment's PENDING
// payment and applies the processor's answer the same way a webhook would.
func (e *Engine) ProcessPayment(ctx context.Context, p auth.Principal, req CardPayment) (*Result, error) {
	ctx, span := tracer.Start(ctx, "reconcile.process_payment")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", req.AppointmentID.String()))

	res, err := e.processPayment(ctx, p, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.status", string(res.Payment.Status)))
	return res, nil
}

func (e *Engine) processPayment(ctx context.Context, p auth.Principal, req CardPayment) (*Result, error) {
	switch {
	case req.AppointmentID == uuid.Nil:
		return nil, &appointment.ValidationError{Field: "appointmentId", Message: "is required"}
	case strings.TrimSpace(req.Token) == "":
		return nil, &appointment.ValidationError{Field: "token", Message: "is required"}
	case strings.TrimSpace(req.PaymentMethodID) == "":
		return nil, &appointment.ValidationError{Field: "paymentMethodId", Message: "is required"}
	}

	appt, err := e.store.GetAppointment(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && appt.PatientID != p.ID {
		return nil, appointment.ErrForbidden
	}
	if appt.Status != appointment.StatusPending {
		return nil, fmt.Errorf("%w: appointment is %s", appointment.ErrInvalidTransition, appt.Status)
	}
	payment, err := e.store.GetPaymentByAppointment(ctx, appt.ID)
	if err != nil {
		return nil, err
	}
	if payment.Status != appointment.PaymentPending {
		return nil, fmt.Errorf("%w: payment is %s", appointment.ErrInvalidTransition, payment.Status)
	}

	// Charged outside the transaction. The key makes a resubmitted token
	// return the first charge instead of a second one.
	detail, err := e.gateway.CreatePayment(ctx, payments.CardPaymentRequest{
		AppointmentID:        appt.ID,
		AmountCents:          payment.AmountCents,
		Description:          payment.Description,
		Token:                req.Token,
		Installments:         req.Installments,
		PaymentMethodID:      req.PaymentMethodID,
		IssuerID:             req.IssuerID,
		PayerEmail:           cmp.Or(req.PayerEmail, payment.PayerEmail, appt.Contact.Email),
		IdentificationType:   cmp.Or(req.IdentificationType, "CPF"),
		IdentificationNumber: req.IdentificationNumber,
		NotificationURL:      e.notificationURL,
		IdempotencyKey:       uuid.NewSHA1(payment.ID, []byte(req.Token)).String(),
	})
	if errors.Is(err, payments.ErrInvalidRequest) {
		e.logger.Warn("card payment refused by processor", "appointment_id", appt.ID, "error", err)
		return nil, &appointment.ValidationError{Field: "card", Message: "the processor refused the card data"}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appointment.ErrGatewayUnavailable, err)
	}

	var res Result
	err = e.store.WithTx(ctx, func(tx appointment.Repository) error {
		var err error
		res, err = e.apply(ctx, tx, detail, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeUnmatched {
		return nil, appointment.ErrPaymentNotFound
	}
	res.Processor = detail

	e.logger.Info("card payment processed",
		"appointment_id", appt.ID, "payment_id", res.Payment.ID, "processor_id", detail.ID,
		"processor_status", detail.Status, "outcome", res.Outcome)
	e.afterCommit(res)
	return &res, nil
}

// apply resolves the local payment for detail and moves it, and its
// appointment, to the processor's status.
func (e *Engine) apply(ctx context.Context, tx appointment.Repository, detail *payments.PaymentDetail, eventID string) (Result, error) {
	target := MapStatus(detail.Status)
	appointmentID := externalReference(detail.ExternalReference)

	payment, err := tx.FindPaymentForUpdate(ctx, detail.ID, appointmentID)
	if errors.Is(err, appointment.ErrPaymentNotFound) {
		payment, err = e.linkPayment(ctx, tx, detail, appointmentID)
	}
	if err != nil {
		return Result{}, err
	}
	if payment == nil {
		return Result{Outcome: OutcomeUnmatched}, nil
	}

	res := Result{Payment: payment, From: payment.Status}
	if payment.Status == target {
		res.Outcome = OutcomeUnchanged
		res.Payment, err = e.linkProcessorID(ctx, tx, payment, detail.ID)
		return res, err
	}
	if !payment.Status.CanTransition(target) {
		e.logger.Warn("ignoring invalid payment transition",
			"payment_id", payment.ID, "processor_id", detail.ID, "from", payment.Status, "to", target, "event_id", eventID)
		res.Outcome = OutcomeIgnored
		res.Payment, err = e.linkProcessorID(ctx, tx, payment, detail.ID)
		return res, err
	}

	updated, err := tx.UpdatePaymentStatus(ctx, payment.ID, target, &detail.ID, e.now())
	if err != nil {
		return Result{}, fmt.Errorf("update payment status: %w", err)
	}
	res.Payment = updated
	res.Outcome = OutcomeApplied

	if updated.AppointmentID == nil {
		return res, nil
	}
	if err := appointment.RecordEvent(ctx, tx, *updated.AppointmentID, appointment.EventPaymentUpdated, map[string]any{
		"payment_id":   updated.ID.String(),
		"processor_id": detail.ID,
		"from":         string(res.From),
		"to":           string(target),
		"event_id":     eventID,
	}); err != nil {
		return Result{}, err
	}

	res.Appointment, err = e.cascade(ctx, tx, *updated.AppointmentID, target)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// linkProcessorID stores the processor's payment id on payment without
// changing its status.
func (e *Engine) linkProcessorID(ctx context.Context, tx appointment.Repository, payment *appointment.Payment, processorID string) (*appointment.Payment, error) {
	if processorID == "" || (payment.ProcessorID != nil && *payment.ProcessorID == processorID) {
		return payment, nil
	}
	linked, err := tx.UpdatePaymentStatus(ctx, payment.ID, payment.Status, &processorID, e.now())
	if err != nil {
		return nil, fmt.Errorf("link payment: %w", err)
	}
	return linked, nil
}

// linkPayment creates the local payment for an appointment the processor
// knows about but that has no payment row yet. It returns nil when the
// external reference names no appointment.
func (e *Engine) linkPayment(ctx context.Context, tx appointment.Repository, detail *payments.PaymentDetail, appointmentID *uuid.UUID) (*appointment.Payment, error) {
	if appointmentID == nil {
		return nil, nil
	}
	appt, err := tx.GetAppointmentForUpdate(ctx, *appointmentID)
	if errors.Is(err, appointment.ErrAppointmentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	amount := detail.AmountCents
	if amount == 0 {
		amount = appt.AmountCents
	}
	currency := detail.Currency
	if currency == "" {
		currency = "BRL"
	}
	processorID := detail.ID
	payment, err := tx.InsertPayment(ctx, appointment.Payment{
		AppointmentID: &appt.ID,
		ProcessorID:   &processorID,
		Status:        appointment.PaymentPending,
		AmountCents:   amount,
		Currency:      currency,
		PayerEmail:    appt.Contact.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("link payment: %w", err)
	}
	e.logger.Info("payment linked from processor payload", "appointment_id", appt.ID, "payment_id", payment.ID)
	return payment, nil
}

// cascade moves the appointment as implied by the payment's new status.
// Terminal appointments are never overwritten.
func (e *Engine) cascade(ctx context.Context, tx appointment.Repository, appointmentID uuid.UUID, paid appointment.PaymentStatus) (*appointment.Appointment, error) {
	to, ok := appointment.CascadeFor(paid)
	if !ok {
		return nil, nil
	}

	from := appointment.NonTerminal()
	event := appointment.EventAppointmentCancelled
	if to == appointment.StatusConfirmed {
		from = []appointment.Status{appointment.StatusPending}
		event = appointment.EventAppointmentConfirmed
	}

	appt, err := tx.TransitionAppointment(ctx, appointmentID, to, from)
	if errors.Is(err, appointment.ErrStaleState) {
		e.logger.Info("appointment not moved by payment", "appointment_id", appointmentID, "to", to)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cascade to appointment: %w", err)
	}
	if err := appointment.RecordEvent(ctx, tx, appointmentID, event, map[string]any{
		"payment_status": string(paid),
	}); err != nil {
		return nil, err
	}
	return appt, nil
}

func (e *Engine) afterCommit(res Result) {
	if res.Outcome != OutcomeApplied || res.Appointment == nil || res.Appointment.Status != appointment.StatusConfirmed {
		return
	}
	appt := *res.Appointment
	e.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := e.sendConfirmation(ctx, appt); err != nil {
			e.logger.Warn("confirmation notification failed", "appointment_id", appt.ID, "error", err)
		}
	})
}

func (e *Engine) sendConfirmation(ctx context.Context, appt appointment.Appointment) error {
	starts, err := appt.StartsAt()
	if err != nil {
		return err
	}
	msg := notify.Message{
		AppointmentID: appt.ID,
		Name:          appt.Contact.Name,
		Email:         appt.Contact.Email,
		Phone:         appt.Contact.Phone,
		StartsAt:      starts,
	}
	if doctor, err := e.store.GetDoctor(ctx, appt.DoctorID); err == nil {
		msg.DoctorName = doctor.Name
	}
	if appt.VideoURL != nil {
		msg.VideoURL = *appt.VideoURL
	}
	return e.notifier.SendConfirmation(ctx, msg)
}

func (e *Engine) ledgerEntry(ev Event) appointment.WebhookEvent {
	at := e.now().UTC()
	return appointment.WebhookEvent{EventID: ev.ID, Type: ev.Type, Action: ev.Action, ProcessedAt: &at}
}

func externalReference(ref string) *uuid.UUID {
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil
	}
	return &id
}
