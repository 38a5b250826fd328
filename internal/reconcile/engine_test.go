package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/appointment/apptest"
	"github.com/hackgods/clinic-appointment-payments/internal/auth"
	"github.com/hackgods/clinic-appointment-payments/internal/notify"
	"github.com/hackgods/clinic-appointment-payments/internal/payments"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

type recordingNotifier struct {
	notify.Noop
	mu            sync.Mutex
	confirmations []notify.Message
}

func (r *recordingNotifier) SendConfirmation(ctx context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations = append(r.confirmations, msg)
	return nil
}

type harness struct {
	store    *apptest.Store
	gateway  *payments.FakeGateway
	notifier *recordingNotifier
	engine   *Engine
	now      time.Time
	doctor   appointment.Doctor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    apptest.New(),
		gateway:  payments.NewFakeGateway("https://pay.example.com", logging.Discard()),
		notifier: &recordingNotifier{},
		now:      time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC),
	}
	h.store.Now = func() time.Time { return h.now }
	h.doctor = h.store.AddDoctor(appointment.Doctor{Name: "Dr. Lima"})
	h.engine = NewEngine(h.store, h.gateway, h.notifier, logging.Discard(), nil).
		WithClock(func() time.Time { return h.now }).
		WithDispatch(func(f func()) { f() })
	return h
}

// seed stores an appointment and its payment in the given states.
func (h *harness) seed(status appointment.Status, paymentStatus appointment.PaymentStatus) (appointment.Appointment, appointment.Payment) {
	appt := h.store.PutAppointment(appointment.Appointment{
		PatientID:   uuid.New(),
		DoctorID:    h.doctor.ID,
		Date:        time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
		StartTime:   "09:00",
		EndTime:     "09:30",
		Type:        appointment.TypeGeneral,
		Status:      status,
		Contact:     appointment.Contact{Name: "Ana", Email: "ana@example.com", Phone: "11999990000"},
		AmountCents: 15000,
		CreatedAt:   h.now.Add(-time.Hour),
		UpdatedAt:   h.now.Add(-time.Hour),
	})
	pref := "pref-" + appt.ID.String()
	payment := appointment.Payment{
		AppointmentID: &appt.ID,
		ProcessorID:   &pref,
		Status:        paymentStatus,
		AmountCents:   15000,
		Currency:      "BRL",
	}
	if paymentStatus == appointment.PaymentConfirmed || paymentStatus == appointment.PaymentRefunded {
		paidAt := h.now.Add(-30 * time.Minute)
		payment.PaidAt = &paidAt
	}
	return appt, h.store.PutPayment(payment)
}

func (h *harness) processor(id, status string, appointmentID uuid.UUID) {
	h.gateway.SetPayment(payments.PaymentDetail{
		ID:                id,
		Status:            status,
		ExternalReference: appointmentID.String(),
		AmountCents:       15000,
		Currency:          "BRL",
	})
}

func paymentEvent(id, resource string) Event {
	return Event{ID: id, Type: TypePayment, Action: "payment.updated", ResourceID: resource}
}

func TestApprovedPaymentConfirmsAppointment(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
	h.processor("mp-1", payments.ProcessorApproved, appt.ID)

	outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-1", "mp-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	payment, _ := h.store.PaymentFor(appt.ID)
	assert.Equal(t, appointment.PaymentConfirmed, payment.Status)
	require.NotNil(t, payment.PaidAt)
	assert.True(t, payment.PaidAt.Equal(h.now))
	require.NotNil(t, payment.ProcessorID)
	assert.Equal(t, "mp-1", *payment.ProcessorID)

	got, _ := h.store.Appointment(appt.ID)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)

	ev, ok := h.store.WebhookEvent("evt-1")
	require.True(t, ok)
	assert.True(t, ev.Processed)

	require.Len(t, h.notifier.confirmations, 1)
	assert.Equal(t, "Dr. Lima", h.notifier.confirmations[0].DoctorName)
	assert.Equal(t, time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC), h.notifier.confirmations[0].StartsAt)

	var types []string
	for _, e := range h.store.Events() {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{appointment.EventPaymentUpdated, appointment.EventAppointmentConfirmed}, types)
}

func TestDuplicateEventIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
	h.processor("mp-1", payments.ProcessorApproved, appt.ID)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, paymentEvent("evt-1", "mp-1"))
	require.NoError(t, err)
	txs := h.store.TxCount()
	events := len(h.store.Events())

	outcome, err := h.engine.HandleEvent(ctx, paymentEvent("evt-1", "mp-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, txs, h.store.TxCount())
	assert.Len(t, h.store.Events(), events)
	assert.Len(t, h.notifier.confirmations, 1)
}

func TestPaidAtIsSetOnce(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
	h.processor("mp-1", payments.ProcessorApproved, appt.ID)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, paymentEvent("evt-1", "mp-1"))
	require.NoError(t, err)
	first, _ := h.store.PaymentFor(appt.ID)

	h.now = h.now.Add(2 * time.Hour)
	outcome, err := h.engine.HandleEvent(ctx, paymentEvent("evt-2", "mp-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	second, _ := h.store.PaymentFor(appt.ID)
	assert.True(t, second.PaidAt.Equal(*first.PaidAt))
	ev, _ := h.store.WebhookEvent("evt-2")
	assert.True(t, ev.Processed)
}

func TestLatePaymentNeverReopensTerminalAppointment(t *testing.T) {
	for _, status := range []appointment.Status{appointment.StatusCancelled, appointment.StatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			appt, _ := h.seed(status, appointment.PaymentPending)
			h.processor("mp-9", payments.ProcessorApproved, appt.ID)

			outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-9", "mp-9"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, outcome)

			got, _ := h.store.Appointment(appt.ID)
			assert.Equal(t, status, got.Status)
			payment, _ := h.store.PaymentFor(appt.ID)
			assert.Equal(t, appointment.PaymentConfirmed, payment.Status)
			assert.Empty(t, h.notifier.confirmations)
		})
	}
}

func TestRejectedPaymentCancelsAppointment(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
	h.processor("mp-2", payments.ProcessorRejected, appt.ID)

	_, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-2", "mp-2"))
	require.NoError(t, err)

	got, _ := h.store.Appointment(appt.ID)
	assert.Equal(t, appointment.StatusCancelled, got.Status)
	payment, _ := h.store.PaymentFor(appt.ID)
	assert.Equal(t, appointment.PaymentRejected, payment.Status)
	assert.Nil(t, payment.PaidAt)
}

func TestRefundDoesNotCascade(t *testing.T) {
	h := newHarness(t)
	appt, before := h.seed(appointment.StatusConfirmed, appointment.PaymentConfirmed)
	h.processor("mp-3", payments.ProcessorRefunded, appt.ID)

	outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-3", "mp-3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, _ := h.store.Appointment(appt.ID)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
	payment, _ := h.store.PaymentFor(appt.ID)
	assert.Equal(t, appointment.PaymentRefunded, payment.Status)
	assert.True(t, payment.PaidAt.Equal(*before.PaidAt))
}

func TestInvalidTransitionIsIgnoredButRecorded(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusCancelled, appointment.PaymentRejected)
	h.processor("mp-4", payments.ProcessorApproved, appt.ID)

	outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-4", "mp-4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	payment, _ := h.store.PaymentFor(appt.ID)
	assert.Equal(t, appointment.PaymentRejected, payment.Status)
	assert.Nil(t, payment.PaidAt)
	require.NotNil(t, payment.ProcessorID)
	assert.Equal(t, "mp-4", *payment.ProcessorID)
	ev, _ := h.store.WebhookEvent("evt-4")
	assert.True(t, ev.Processed)
}

func TestEventWithoutResourceIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.engine.HandleEvent(context.Background(), Event{ID: "evt-5", Type: TypePayment})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoResource, outcome)
	_, recorded := h.store.WebhookEvent("evt-5")
	assert.False(t, recorded)
}

func TestUnmatchedPaymentIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.processor("mp-6", payments.ProcessorApproved, uuid.New())

	outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-6", "mp-6"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, outcome)
	ev, _ := h.store.WebhookEvent("evt-6")
	assert.True(t, ev.Processed)
	assert.Empty(t, h.store.Payments())

	outcome, err = h.engine.HandleEvent(context.Background(), paymentEvent("evt-7", "does-not-exist"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, outcome)
}

func TestPaymentLinkedFromExternalReference(t *testing.T) {
	h := newHarness(t)
	appt := h.store.PutAppointment(appointment.Appointment{
		PatientID: uuid.New(), DoctorID: h.doctor.ID,
		Date: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), StartTime: "10:00", EndTime: "10:30",
		Type: appointment.TypeGeneral, Status: appointment.StatusPending, AmountCents: 15000,
	})
	h.processor("mp-8", payments.ProcessorApproved, appt.ID)

	outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-8", "mp-8"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	payment, ok := h.store.PaymentFor(appt.ID)
	require.True(t, ok)
	assert.Equal(t, appointment.PaymentConfirmed, payment.Status)
	assert.Equal(t, "mp-8", *payment.ProcessorID)
	got, _ := h.store.Appointment(appt.ID)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
}

func TestGatewayFailureLeavesEventUnprocessed(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
	h.processor("mp-1", payments.ProcessorApproved, appt.ID)
	h.gateway.Err = payments.ErrGatewayUnavailable

	_, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-1", "mp-1"))
	require.ErrorIs(t, err, payments.ErrGatewayUnavailable)
	_, recorded := h.store.WebhookEvent("evt-1")
	assert.False(t, recorded)
}

func TestFailureInsideTransactionRollsBackEverything(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
	h.processor("mp-1", payments.ProcessorApproved, appt.ID)
	h.store.FailOn("MarkWebhookProcessed", errors.New("connection reset"))

	_, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-1", "mp-1"))
	require.Error(t, err)

	payment, _ := h.store.PaymentFor(appt.ID)
	assert.Equal(t, appointment.PaymentPending, payment.Status)
	got, _ := h.store.Appointment(appt.ID)
	assert.Equal(t, appointment.StatusPending, got.Status)
	_, recorded := h.store.WebhookEvent("evt-1")
	assert.False(t, recorded)
	assert.Empty(t, h.notifier.confirmations)

	h.store.FailOn("MarkWebhookProcessed", nil)
	outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-1", "mp-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestCreatedActionIsRecordedWithoutFetch(t *testing.T) {
	h := newHarness(t)
	h.gateway.Err = errors.New("must not be called")

	outcome, err := h.engine.HandleEvent(context.Background(), Event{ID: "evt-10", Type: TypePayment, Action: ActionCreated, ResourceID: "mp-10"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)
	ev, _ := h.store.WebhookEvent("evt-10")
	assert.True(t, ev.Processed)
}

func TestSubscriptionEventIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.gateway.SetSubscription("sub-1", true)

	outcome, err := h.engine.HandleEvent(context.Background(), Event{ID: "evt-11", Type: TypeSubscription, ResourceID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)
	ev, _ := h.store.WebhookEvent("evt-11")
	assert.True(t, ev.Processed)
}

func TestEventWithoutIDSkipsLedger(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
	h.processor("mp-1", payments.ProcessorApproved, appt.ID)

	outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("", "mp-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	_, recorded := h.store.WebhookEvent("")
	assert.False(t, recorded)
}

func TestCheckStatus(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
	h.processor("mp-1", payments.ProcessorPending, appt.ID)
	ctx := context.Background()

	res, err := h.engine.CheckStatus(ctx, "mp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, "mp-1", *res.Payment.ProcessorID)

	h.processor("mp-1", payments.ProcessorApproved, appt.ID)
	res, err = h.engine.CheckStatus(ctx, "mp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, appointment.PaymentConfirmed, res.Payment.Status)
	require.NotNil(t, res.Appointment)
	assert.Equal(t, appointment.StatusConfirmed, res.Appointment.Status)

	_, err = h.engine.CheckStatus(ctx, "missing")
	assert.ErrorIs(t, err, appointment.ErrPaymentNotFound)
}

func patientOf(appt appointment.Appointment) auth.Principal {
	return auth.Principal{ID: appt.PatientID, Role: auth.RoleUser}
}

func cardPayment(appointmentID uuid.UUID) CardPayment {
	return CardPayment{AppointmentID: appointmentID, Token: "card-tok", Installments: 1, PaymentMethodID: "visa"}
}

func TestProcessPaymentApprovedConfirms(t *testing.T) {
	h := newHarness(t)
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)

	res, err := h.engine.ProcessPayment(context.Background(), patientOf(appt), cardPayment(appt.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Processor)
	assert.Equal(t, payments.ProcessorApproved, res.Processor.Status)

	payment, _ := h.store.PaymentFor(appt.ID)
	assert.Equal(t, appointment.PaymentConfirmed, payment.Status)
	require.NotNil(t, payment.PaidAt)
	require.NotNil(t, payment.ProcessorID)
	assert.Equal(t, res.Processor.ID, *payment.ProcessorID)

	got, _ := h.store.Appointment(appt.ID)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
	require.Len(t, h.notifier.confirmations, 1)

	// The same token again must not charge twice.
	_, err = h.engine.ProcessPayment(context.Background(), patientOf(appt), cardPayment(appt.ID))
	assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
}

func TestProcessPaymentInProcessLinksProcessorID(t *testing.T) {
	h := newHarness(t)
	h.gateway.CardStatus = "in_process"
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)

	res, err := h.engine.ProcessPayment(context.Background(), patientOf(appt), cardPayment(appt.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)

	payment, _ := h.store.PaymentFor(appt.ID)
	assert.Equal(t, appointment.PaymentPending, payment.Status)
	assert.Nil(t, payment.PaidAt)
	assert.Equal(t, res.Processor.ID, *payment.ProcessorID)

	// The later webhook finds the payment by its processor id.
	h.processor(res.Processor.ID, payments.ProcessorApproved, appt.ID)
	outcome, err := h.engine.HandleEvent(context.Background(), paymentEvent("evt-card", res.Processor.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	got, _ := h.store.Appointment(appt.ID)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
}

func TestProcessPaymentRejectedCancels(t *testing.T) {
	h := newHarness(t)
	h.gateway.CardStatus = payments.ProcessorRejected
	appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)

	res, err := h.engine.ProcessPayment(context.Background(), patientOf(appt), cardPayment(appt.ID))
	require.NoError(t, err)
	assert.Equal(t, appointment.PaymentRejected, res.Payment.Status)
	got, _ := h.store.Appointment(appt.ID)
	assert.Equal(t, appointment.StatusCancelled, got.Status)
}

func TestProcessPaymentRefusals(t *testing.T) {
	ctx := context.Background()

	t.Run("other patient", func(t *testing.T) {
		h := newHarness(t)
		appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
		stranger := auth.Principal{ID: uuid.New(), Role: auth.RoleUser}
		_, err := h.engine.ProcessPayment(ctx, stranger, cardPayment(appt.ID))
		assert.ErrorIs(t, err, appointment.ErrForbidden)
	})

	t.Run("missing token", func(t *testing.T) {
		h := newHarness(t)
		appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
		req := cardPayment(appt.ID)
		req.Token = " "
		_, err := h.engine.ProcessPayment(ctx, patientOf(appt), req)
		var ve *appointment.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "token", ve.Field)
	})

	t.Run("card refused", func(t *testing.T) {
		h := newHarness(t)
		appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
		req := cardPayment(appt.ID)
		req.Token = "invalid"
		_, err := h.engine.ProcessPayment(ctx, patientOf(appt), req)
		assert.ErrorIs(t, err, appointment.ErrValidation)
		payment, _ := h.store.PaymentFor(appt.ID)
		assert.Equal(t, appointment.PaymentPending, payment.Status)
	})

	t.Run("gateway down", func(t *testing.T) {
		h := newHarness(t)
		h.gateway.Err = errors.New("connection reset")
		appt, _ := h.seed(appointment.StatusPending, appointment.PaymentPending)
		_, err := h.engine.ProcessPayment(ctx, patientOf(appt), cardPayment(appt.ID))
		assert.ErrorIs(t, err, appointment.ErrGatewayUnavailable)
		assert.Zero(t, h.store.TxCount())
	})

	t.Run("appointment already cancelled", func(t *testing.T) {
		h := newHarness(t)
		appt, _ := h.seed(appointment.StatusCancelled, appointment.PaymentPending)
		_, err := h.engine.ProcessPayment(ctx, patientOf(appt), cardPayment(appt.ID))
		assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
		assert.Zero(t, h.store.TxCount())
	})

	t.Run("unknown appointment", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.ProcessPayment(ctx, auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin}, cardPayment(uuid.New()))
		assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
	})
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, appointment.PaymentConfirmed, MapStatus("approved"))
	assert.Equal(t, appointment.PaymentRejected, MapStatus("rejected"))
	assert.Equal(t, appointment.PaymentCancelled, MapStatus("cancelled"))
	assert.Equal(t, appointment.PaymentRefunded, MapStatus("refunded"))
	assert.Equal(t, appointment.PaymentPending, MapStatus("in_process"))
	assert.Equal(t, appointment.PaymentPending, MapStatus(""))
}
