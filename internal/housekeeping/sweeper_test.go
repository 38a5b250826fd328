package housekeeping

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
	"github.com/hackgods/clinic-appointment-payments/internal/notify"
	"github.com/hackgods/clinic-appointment-payments/internal/payments"
	"github.com/hackgods/clinic-appointment-payments/internal/reconcile"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

var now = time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu     sync.Mutex
	failTo map[string]bool // phones whose delivery fails
	sent   map[string][]notify.Message
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failTo: map[string]bool{}, sent: map[string][]notify.Message{}}
}

func (f *fakeNotifier) record(kind string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[msg.Phone] {
		return errors.New("delivery failed")
	}
	f.sent[kind] = append(f.sent[kind], msg)
	return nil
}

func (f *fakeNotifier) SendConfirmation(ctx context.Context, msg notify.Message) error {
	return f.record(notify.KindConfirmation, msg)
}

func (f *fakeNotifier) SendReminder(ctx context.Context, msg notify.Message) error {
	return f.record(notify.KindReminder, msg)
}

func (f *fakeNotifier) SendVideoLink(ctx context.Context, msg notify.Message) error {
	return f.record(notify.KindVideoLink, msg)
}

func (f *fakeNotifier) SendPendingPaymentNudge(ctx context.Context, msg notify.Message) error {
	return f.record(notify.KindPaymentNudge, msg)
}

type env struct {
	store    *apptest.Store
	notifier *fakeNotifier
	sweeper  *Sweeper
	doctor   appointment.Doctor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: apptest.New(), notifier: newFakeNotifier()}
	e.store.Now = func() time.Time { return now }
	e.doctor = e.store.AddDoctor(appointment.Doctor{Name: "Dr. Lima"})
	e.sweeper = NewSweeper(e.store, e.notifier, Config{
		PendingGrace:       20 * time.Minute,
		CancelledRetention: 30 * 24 * time.Hour,
		PaymentNudgeAfter:  10 * time.Minute,
		VideoLinkLead:      20 * time.Minute,
		BatchSize:          50,
	}, logging.Discard(), nil)
	return e
}

type apptOpt func(*appointment.Appointment)

func withVideo(url string) apptOpt {
	return func(a *appointment.Appointment) { a.VideoURL = &url }
}

func withPhone(phone string) apptOpt {
	return func(a *appointment.Appointment) { a.Contact.Phone = phone }
}

func (e *env) appointment(status appointment.Status, date time.Time, start string, age time.Duration, opts ...apptOpt) appointment.Appointment {
	startMin := (int(start[0]-'0')*10+int(start[1]-'0'))*60 + int(start[3]-'0')*10 + int(start[4]-'0')
	a := appointment.Appointment{
		PatientID:   uuid.New(),
		DoctorID:    e.doctor.ID,
		Date:        date,
		StartTime:   start,
		EndTime:     formatMinutes(startMin + 30),
		Type:        appointment.TypeGeneral,
		Status:      status,
		Contact:     appointment.Contact{Name: "Ana", Email: "ana@example.com", Phone: "11999990000"},
		AmountCents: 15000,
		CreatedAt:   now.Add(-age),
		UpdatedAt:   now.Add(-age),
	}
	for _, opt := range opts {
		opt(&a)
	}
	return e.store.PutAppointment(a)
}

func formatMinutes(m int) string {
	return time.Date(2000, 1, 1, 0, m, 0, 0, time.UTC).Format("15:04")
}

func (e *env) payment(appointmentID uuid.UUID, status appointment.PaymentStatus) appointment.Payment {
	url := "https://pay.example.com/" + appointmentID.String()
	return e.store.PutPayment(appointment.Payment{
		AppointmentID: &appointmentID,
		Status:        status,
		AmountCents:   15000,
		Currency:      "BRL",
		RedirectURL:   &url,
	})
}

var (
	today    = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	tomorrow = today.AddDate(0, 0, 1)
)

func TestExpireStalePending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale := e.appointment(appointment.StatusPending, tomorrow, "09:00", 30*time.Minute)
	e.payment(stale.ID, appointment.PaymentPending)
	rejected := e.appointment(appointment.StatusPending, tomorrow, "10:00", 45*time.Minute)
	e.payment(rejected.ID, appointment.PaymentRejected)
	orphan := e.appointment(appointment.StatusPending, tomorrow, "11:00", time.Hour)
	fresh := e.appointment(appointment.StatusPending, tomorrow, "13:00", 5*time.Minute)
	e.payment(fresh.ID, appointment.PaymentPending)
	paid := e.appointment(appointment.StatusPending, tomorrow, "14:00", time.Hour)
	e.payment(paid.ID, appointment.PaymentConfirmed)

	r, err := e.sweeper.ExpireStalePending(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Affected)
	assert.Zero(t, r.Errors)

	for _, id := range []uuid.UUID{stale.ID, rejected.ID, orphan.ID} {
		got, _ := e.store.Appointment(id)
		assert.Equal(t, appointment.StatusCancelled, got.Status)
	}
	for _, id := range []uuid.UUID{fresh.ID, paid.ID} {
		got, _ := e.store.Appointment(id)
		assert.Equal(t, appointment.StatusPending, got.Status)
	}

	p, _ := e.store.PaymentFor(stale.ID)
	assert.Equal(t, appointment.PaymentPending, p.Status)
	p, _ = e.store.PaymentFor(rejected.ID)
	assert.Equal(t, appointment.PaymentRejected, p.Status)

	history := e.store.History()
	require.Len(t, history, 3)
	for _, h := range history {
		assert.Equal(t, appointment.HistoryReasonTimeoutPayment, h.Reason)
		assert.Equal(t, appointment.UpdatedBySystem, h.UpdatedBy)
		require.NotNil(t, h.LostAmountCents)
		assert.Equal(t, int64(15000), *h.LostAmountCents)
	}

	// a second run finds nothing and writes no extra history
	r, err = e.sweeper.ExpireStalePending(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, r.Affected)
	assert.Len(t, e.store.History(), 3)
}

func TestLateApprovalAfterExpiryConfirmsPayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale := e.appointment(appointment.StatusPending, tomorrow, "09:00", 30*time.Minute)
	e.payment(stale.ID, appointment.PaymentPending)

	r, err := e.sweeper.ExpireStalePending(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, r.Affected)

	gateway := payments.NewFakeGateway("https://pay.example.com", logging.Discard())
	gateway.SetPayment(payments.PaymentDetail{
		ID:                "mp-late",
		Status:            payments.ProcessorApproved,
		ExternalReference: stale.ID.String(),
		AmountCents:       15000,
		Currency:          "BRL",
	})
	engine := reconcile.NewEngine(e.store, gateway, e.notifier, logging.Discard(), nil).
		WithClock(func() time.Time { return now.Add(time.Minute) }).
		WithDispatch(func(f func()) { f() })

	outcome, err := engine.HandleEvent(ctx, reconcile.Event{
		ID:         "evt-late",
		Type:       reconcile.TypePayment,
		Action:     "payment.updated",
		ResourceID: "mp-late",
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, outcome)

	p, _ := e.store.PaymentFor(stale.ID)
	assert.Equal(t, appointment.PaymentConfirmed, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.PaidAt.Equal(now.Add(time.Minute)))
	require.NotNil(t, p.ProcessorID)
	assert.Equal(t, "mp-late", *p.ProcessorID)

	got, _ := e.store.Appointment(stale.ID)
	assert.Equal(t, appointment.StatusCancelled, got.Status)
	assert.Empty(t, e.notifier.sent[notify.KindConfirmation])
}

func TestExpireRollsBackHistoryWhenCancelFails(t *testing.T) {
	e := newEnv(t)
	stale := e.appointment(appointment.StatusPending, tomorrow, "09:00", time.Hour)
	e.store.FailOn("TransitionAppointment", errors.New("deadlock"))

	r, err := e.sweeper.ExpireStalePending(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Errors)
	assert.Empty(t, e.store.History())

	got, _ := e.store.Appointment(stale.ID)
	assert.Equal(t, appointment.StatusPending, got.Status)
}

func TestPurgeCancelled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	old := e.appointment(appointment.StatusCancelled, today.AddDate(0, -2, 0), "09:00", 31*24*time.Hour)
	e.payment(old.ID, appointment.PaymentCancelled)
	recent := e.appointment(appointment.StatusCancelled, today, "09:00", 24*time.Hour)
	done := e.appointment(appointment.StatusCompleted, today.AddDate(0, -2, 0), "10:00", 60*24*time.Hour)

	r, err := e.sweeper.PurgeCancelled(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Affected)

	_, ok := e.store.Appointment(old.ID)
	assert.False(t, ok)
	_, ok = e.store.PaymentFor(old.ID)
	assert.False(t, ok)
	_, ok = e.store.Appointment(recent.ID)
	assert.True(t, ok)
	_, ok = e.store.Appointment(done.ID)
	assert.True(t, ok)

	r, err = e.sweeper.PurgeCancelled(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, r.Affected)
}

func TestRemindersMarkOnlyDelivered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ok := e.appointment(appointment.StatusConfirmed, tomorrow, "09:00", time.Hour)
	failing := e.appointment(appointment.StatusConfirmed, tomorrow, "10:00", time.Hour, withPhone("11888880000"))
	e.appointment(appointment.StatusPending, tomorrow, "11:00", time.Hour)
	e.appointment(appointment.StatusConfirmed, today, "15:00", time.Hour)
	e.notifier.failTo["11888880000"] = true

	r, err := e.sweeper.SendReminders(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Processed)
	assert.Equal(t, 1, r.Affected)
	assert.Equal(t, 1, r.Errors)

	got, _ := e.store.Appointment(ok.ID)
	assert.True(t, got.ReminderSent)
	got, _ = e.store.Appointment(failing.ID)
	assert.False(t, got.ReminderSent)

	sent := e.notifier.sent[notify.KindReminder]
	require.Len(t, sent, 1)
	assert.Equal(t, "Dr. Lima", sent[0].DoctorName)
	assert.Equal(t, time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC), sent[0].StartsAt)

	// the failed one is retried, the delivered one is not re-sent
	e.notifier.failTo["11888880000"] = false
	r, err = e.sweeper.SendReminders(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Processed)
	assert.Equal(t, 1, r.Affected)
	assert.Len(t, e.notifier.sent[notify.KindReminder], 2)
}

func TestVideoLinksWithinLeadWindow(t *testing.T) {
	e := newEnv(t)

	soon := e.appointment(appointment.StatusConfirmed, today, "14:10", time.Hour, withVideo("https://meet.jit.si/room-1"))
	later := e.appointment(appointment.StatusConfirmed, today, "14:40", time.Hour, withVideo("https://meet.jit.si/room-2"))
	noVideo := e.appointment(appointment.StatusConfirmed, today, "14:05", time.Hour)

	r, err := e.sweeper.SendVideoLinks(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Affected)

	got, _ := e.store.Appointment(soon.ID)
	assert.True(t, got.VideoLinkSent)
	got, _ = e.store.Appointment(later.ID)
	assert.False(t, got.VideoLinkSent)
	got, _ = e.store.Appointment(noVideo.ID)
	assert.False(t, got.VideoLinkSent)

	sent := e.notifier.sent[notify.KindVideoLink]
	require.Len(t, sent, 1)
	assert.Equal(t, "https://meet.jit.si/room-1", sent[0].VideoURL)
}

func TestPaymentNudges(t *testing.T) {
	e := newEnv(t)

	due := e.appointment(appointment.StatusPending, tomorrow, "09:00", 15*time.Minute)
	e.payment(due.ID, appointment.PaymentPending)
	tooNew := e.appointment(appointment.StatusPending, tomorrow, "10:00", 5*time.Minute)
	e.payment(tooNew.ID, appointment.PaymentPending)
	expired := e.appointment(appointment.StatusPending, tomorrow, "11:00", 25*time.Minute)
	e.payment(expired.ID, appointment.PaymentPending)

	r, err := e.sweeper.SendPaymentNudges(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Affected)

	got, _ := e.store.Appointment(due.ID)
	assert.True(t, got.PaymentReminderSent)
	sent := e.notifier.sent[notify.KindPaymentNudge]
	require.Len(t, sent, 1)
	assert.Equal(t, "https://pay.example.com/"+due.ID.String(), sent[0].PaymentURL)
}

func TestRunAllContinuesPastFailingSweep(t *testing.T) {
	e := newEnv(t)
	e.appointment(appointment.StatusPending, tomorrow, "09:00", time.Hour)
	e.store.FailOn("ListPurgeable", errors.New("timeout"))

	reports, err := e.sweeper.RunAll(context.Background(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), SweepPurgeCancelled)
	require.Len(t, reports, 5)
	assert.Equal(t, SweepExpireStale, reports[0].Sweep)
	assert.Equal(t, 1, reports[0].Affected)
}

func TestWorkerRunOnce(t *testing.T) {
	e := newEnv(t)
	e.appointment(appointment.StatusPending, tomorrow, "09:00", time.Hour)

	w := NewWorker(e.sweeper, time.Minute, logging.Discard())
	w.now = func() time.Time { return now }

	reports := w.RunOnce(context.Background())
	require.Len(t, reports, 5)
	assert.Equal(t, 1, reports[0].Affected)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	w := NewWorker(e.sweeper, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
