package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/appointment/apptest"
	"github.com/hackgods/clinic-appointment-payments/internal/auth"
	"github.com/hackgods/clinic-appointment-payments/internal/config"
	"github.com/hackgods/clinic-appointment-payments/internal/housekeeping"
	"github.com/hackgods/clinic-appointment-payments/internal/notify"
	"github.com/hackgods/clinic-appointment-payments/internal/payments"
	"github.com/hackgods/clinic-appointment-payments/internal/reconcile"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

const (
	jwtSecret     = "test-jwt-secret"
	webhookSecret = "test-webhook-secret"
	cronSecret    = "test-cron-secret"
)

type server struct {
	t       *testing.T
	handler http.Handler
	store   *apptest.Store
	gateway *payments.FakeGateway
	now     time.Time
	patient appointment.Patient
	doctor  appointment.Doctor
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{
		t:       t,
		store:   apptest.New(),
		gateway: payments.NewFakeGateway("https://pay.example.com/checkout", logging.Discard()),
		now:     time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return s.now }
	s.store.Now = clock
	s.patient = s.store.AddPatient(appointment.Patient{Name: "Ana Souza", Email: "ana@example.com", Phone: "11999990000"})
	s.doctor = s.store.AddDoctor(appointment.Doctor{Name: "Dr. Lima"})
	s.store.PutPolicy(scheduling.Policy{
		ID:                  uuid.New(),
		Days:                [7]bool{false, true, true, true, true, true, false},
		StartTime:           "08:00",
		EndTime:             "18:00",
		AppointmentDuration: 30,
		LunchBreakEnabled:   true,
		LunchStartTime:      "12:00",
		LunchEndTime:        "13:00",
	})

	logger := logging.Discard()
	cfg := config.Config{GatewayTimeout: time.Second, DefaultCurrency: "BRL"}
	svc := appointment.NewService(s.store, nil, s.gateway, cfg, logger, nil).WithClock(clock)
	noop := notify.Noop{Logger: logger}
	engine := reconcile.NewEngine(s.store, s.gateway, noop, logger, nil).
		WithClock(clock).
		WithDispatch(func(f func()) { f() })
	sweeper := housekeeping.NewSweeper(s.store, noop, housekeeping.Config{
		PendingGrace:       30 * time.Minute,
		CancelledRetention: 24 * time.Hour,
		PaymentNudgeAfter:  10 * time.Minute,
		VideoLinkLead:      15 * time.Minute,
	}, logger, nil)

	s.handler = NewRouter(RouterConfig{
		Appointments:  svc,
		Reconciler:    engine,
		Sweeper:       sweeper,
		Logger:        logger,
		JWTSecret:     jwtSecret,
		WebhookSecret: webhookSecret,
		CronSecret:    cronSecret,
		Now:           clock,
		Env:           "test",
		Version:       "v0.0.0",
	})
	return s
}

func (s *server) token(p auth.Principal) string {
	s.t.Helper()
	tok, err := auth.IssueToken(jwtSecret, p, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *server) userToken() string {
	return s.token(auth.Principal{ID: s.patient.ID, Role: auth.RoleUser})
}

func (s *server) adminToken() string {
	return s.token(auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin})
}

func (s *server) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) book(start, end string) BookingResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/appointments", s.userToken(), s.createBody(start, end))
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp BookingResponse
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *server) createBody(start, end string) CreateAppointmentRequest {
	return CreateAppointmentRequest{
		DoctorID:    s.doctor.ID.String(),
		Date:        "2025-03-04",
		StartTime:   start,
		EndTime:     end,
		AmountCents: 15000,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "disabled", ready.Dependencies["postgres"])

	down := NewRouter(RouterConfig{Postgres: failingPinger{}, Logger: logging.Discard()})
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	degraded := NewRouter(RouterConfig{Redis: failingPinger{}, Logger: logging.Discard()})
	rec = httptest.NewRecorder()
	degraded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode[ReadinessResponse](t, rec).Status)
}

func TestAppointmentsRequireToken(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/appointments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/appointments", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAppointment(t *testing.T) {
	s := newServer(t)

	booking := s.book("09:00", "09:30")
	assert.Equal(t, "PENDING", booking.Appointment.Status)
	assert.Equal(t, "2025-03-04", booking.Appointment.Date)
	assert.Equal(t, "Ana Souza", booking.Appointment.PatientName)
	require.NotNil(t, booking.Payment)
	assert.Equal(t, "PENDING", booking.Payment.Status)
	require.NotNil(t, booking.Payment.RedirectURL)
	assert.Contains(t, *booking.Payment.RedirectURL, "https://pay.example.com/checkout")

	t.Run("overlapping slot", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/appointments", s.userToken(), s.createBody("09:00", "09:30"))
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "time_unavailable", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("lunch break", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/appointments", s.userToken(), s.createBody("12:00", "12:30"))
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "lunch_collision", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("wrong duration", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/appointments", s.userToken(), s.createBody("14:00", "15:00"))
		require.Equal(t, http.StatusConflict, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "duration_mismatch", resp.Error)
		assert.Equal(t, 30, resp.ExpectedDuration)
	})

	t.Run("unknown type", func(t *testing.T) {
		body := s.createBody("14:00", "14:30")
		body.Type = "SURGERY"
		rec := s.do(http.MethodPost, "/appointments", s.userToken(), body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.ElementsMatch(t, []string{"GENERAL", "URGENT", "FOLLOWUP"}, decode[ErrorResponse](t, rec).Allowed)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/appointments", s.userToken(), `{"doctorId":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("gateway down", func(t *testing.T) {
		s.gateway.Err = errors.New("boom")
		defer func() { s.gateway.Err = nil }()
		rec := s.do(http.MethodPost, "/appointments", s.userToken(), s.createBody("15:00", "15:30"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGetAndListScopedToPatient(t *testing.T) {
	s := newServer(t)
	booking := s.book("09:00", "09:30")

	rec := s.do(http.MethodGet, "/appointments/"+booking.Appointment.ID.String(), s.userToken(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, booking.Appointment.ID, decode[BookingResponse](t, rec).Appointment.ID)

	stranger := s.token(auth.Principal{ID: uuid.New(), Role: auth.RoleUser})
	rec = s.do(http.MethodGet, "/appointments/"+booking.Appointment.ID.String(), stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/appointments", stranger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]AppointmentResponse](t, rec))

	rec = s.do(http.MethodGet, "/appointments?status=PENDING", s.userToken(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 1)

	rec = s.do(http.MethodGet, "/appointments?status=LOST", s.userToken(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/appointments/"+uuid.NewString(), s.adminToken(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/appointments/not-a-uuid", s.adminToken(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newServer(t)
	booking := s.book("09:00", "09:30")
	path := "/appointments/" + booking.Appointment.ID.String()

	rec := s.do(http.MethodDelete, path, s.userToken(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodDelete, path, s.userToken(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	appt, ok := s.store.Appointment(booking.Appointment.ID)
	require.True(t, ok)
	assert.Equal(t, appointment.StatusCancelled, appt.Status)
	payment, ok := s.store.PaymentFor(booking.Appointment.ID)
	require.True(t, ok)
	assert.Equal(t, appointment.PaymentCancelled, payment.Status)

	// The freed slot can be booked again.
	s.book("09:00", "09:30")
}

func TestUpdateRejectsManualConfirmation(t *testing.T) {
	s := newServer(t)
	booking := s.book("09:00", "09:30")
	path := "/appointments/" + booking.Appointment.ID.String()

	rec := s.do(http.MethodPatch, path, s.adminToken(), map[string]string{"status": "CONFIRMED"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPatch, path, s.adminToken(), map[string]string{"startTime": "10:00", "endTime": "10:30", "patientPhone": "11900001111"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "10:00", updated.StartTime)
	assert.Equal(t, "11900001111", updated.PatientPhone)
	assert.Equal(t, "ana@example.com", updated.PatientEmail)

	rec = s.do(http.MethodPatch, path, s.userToken(), map[string]string{"type": "URGENT"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func webhookBody(eventID any, resourceID string) map[string]any {
	return map[string]any{
		"id":     eventID,
		"type":   "payment",
		"action": "payment.updated",
		"data":   map[string]any{"id": resourceID},
	}
}

func signedHeaders(resourceID, requestID string) []string {
	ts := "1700000000"
	return []string{
		"x-request-id", requestID,
		"x-signature", "ts=" + ts + ",v1=" + payments.Sign(webhookSecret, resourceID, requestID, ts),
	}
}

func TestWebhookConfirmsAppointment(t *testing.T) {
	s := newServer(t)
	booking := s.book("09:00", "09:30")
	s.gateway.SetPayment(payments.PaymentDetail{
		ID:                "mp-777",
		Status:            "approved",
		ExternalReference: booking.Appointment.ID.String(),
		AmountCents:       15000,
		Currency:          "BRL",
	})

	rec := s.do(http.MethodPost, "/webhooks/mercado-pago", "", webhookBody(987654321, "mp-777"), signedHeaders("mp-777", "req-1")...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decode[map[string]string](t, rec)["status"])

	appt, _ := s.store.Appointment(booking.Appointment.ID)
	assert.Equal(t, appointment.StatusConfirmed, appt.Status)
	payment, _ := s.store.PaymentFor(booking.Appointment.ID)
	assert.Equal(t, appointment.PaymentConfirmed, payment.Status)
	require.NotNil(t, payment.PaidAt)

	rec = s.do(http.MethodPost, "/webhooks/mercado-pago", "", webhookBody(987654321, "mp-777"), signedHeaders("mp-777", "req-2")...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode[map[string]string](t, rec)["status"])

	rec = s.do(http.MethodGet, "/payments/"+payment.ID.String()+"/status", s.userToken(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIRMED", decode[PaymentResponse](t, rec).Status)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/webhooks/mercado-pago", "", webhookBody("evt-1", "mp-1"),
		"x-request-id", "req-1", "x-signature", "ts=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/webhooks/mercado-pago", "", webhookBody("evt-1", "mp-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, seen := s.store.WebhookEvent("evt-1")
	assert.False(t, seen)
}

func TestWebhookGatewayFailureAsksForRedelivery(t *testing.T) {
	s := newServer(t)
	s.gateway.Err = errors.New("processor timeout")

	rec := s.do(http.MethodPost, "/webhooks/mercado-pago", "", webhookBody("evt-9", "mp-9"), signedHeaders("mp-9", "req-9")...)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCheckStatus(t *testing.T) {
	s := newServer(t)
	booking := s.book("09:00", "09:30")

	rec := s.do(http.MethodGet, "/payments/check-status", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/payments/check-status?id=missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.gateway.SetPayment(payments.PaymentDetail{
		ID:                "mp-55",
		Status:            "approved",
		ExternalReference: booking.Appointment.ID.String(),
		AmountCents:       15000,
		Currency:          "BRL",
	})
	rec = s.do(http.MethodGet, "/payments/check-status?id=mp-55", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PaymentStatusResponse](t, rec)
	assert.Equal(t, "CONFIRMED", resp.Status)
	assert.True(t, resp.Changed)
	require.NotNil(t, resp.Appointment)
	assert.Equal(t, "CONFIRMED", *resp.Appointment)

	rec = s.do(http.MethodGet, "/payments/check-status?id=mp-55", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[PaymentStatusResponse](t, rec).Changed)
}

func TestCronRequiresSecret(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/cron/cleanup-appointments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(http.MethodGet, "/cron/cleanup-appointments", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	closed := NewRouter(RouterConfig{Sweeper: housekeeping.NewSweeper(s.store, nil, housekeeping.Config{}, nil, nil), Logger: logging.Discard()})
	req := httptest.NewRequest(http.MethodGet, "/cron/send-reminders", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec = httptest.NewRecorder()
	closed.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCronCleanupExpiresStaleBookings(t *testing.T) {
	s := newServer(t)
	booking := s.book("09:00", "09:30")
	s.now = s.now.Add(time.Hour)

	rec := s.do(http.MethodPost, "/cron/cleanup-appointments", cronSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SweepResponse](t, rec)
	assert.True(t, resp.Success)
	require.Len(t, resp.Reports, 2)
	assert.Equal(t, housekeeping.SweepExpireStale, resp.Reports[0].Sweep)
	assert.Equal(t, 1, resp.Reports[0].Affected)
	assert.Equal(t, housekeeping.SweepPurgeCancelled, resp.Reports[1].Sweep)

	appt, _ := s.store.Appointment(booking.Appointment.ID)
	assert.Equal(t, appointment.StatusCancelled, appt.Status)
	require.Len(t, s.store.History(), 1)
	assert.Equal(t, appointment.HistoryReasonTimeoutPayment, s.store.History()[0].Reason)
}

func TestBusinessHours(t *testing.T) {
	s := newServer(t)

	body := BusinessHoursRequest{
		Monday:              true,
		Tuesday:             true,
		Wednesday:           true,
		StartTime:           "09:00",
		EndTime:             "12:00",
		AppointmentDuration: 60,
	}
	rec := s.do(http.MethodPut, "/business-hours/"+s.doctor.ID.String(), s.userToken(), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPut, "/business-hours/"+s.doctor.ID.String(), s.adminToken(), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[BusinessHoursResponse](t, rec)
	require.NotNil(t, saved.DoctorID)
	assert.Equal(t, s.doctor.ID, *saved.DoctorID)

	rec = s.do(http.MethodGet, "/business-hours/global", s.userToken(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30, decode[BusinessHoursResponse](t, rec).AppointmentDuration)

	bad := body
	bad.EndTime = "08:00"
	rec = s.do(http.MethodPut, "/business-hours/global", s.adminToken(), bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/business-hours/available-slots?date=2025-03-04&doctorId="+s.doctor.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"09:00", "10:00", "11:00"}, decode[AvailableSlotsResponse](t, rec).Slots)

	rec = s.do(http.MethodGet, "/business-hours/available-slots?date=2025-03-08&doctorId="+s.doctor.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[AvailableSlotsResponse](t, rec).Slots)

	rec = s.do(http.MethodGet, "/business-hours/available-slots?date=tomorrow&doctorId="+s.doctor.ID.String(), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookPayloadAcceptsNumericIDs(t *testing.T) {
	var p WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(`{"id":12345678901,"type":"payment","data":{"id":42}}`), &p))
	assert.Equal(t, "12345678901", string(p.ID))
	assert.Equal(t, "42", string(p.Data.ID))

	require.NoError(t, json.Unmarshal([]byte(`{"id":"abc","data":{"id":null}}`), &p))
	assert.Equal(t, "abc", string(p.ID))
}

func TestProcessCardPayment(t *testing.T) {
	s := newServer(t)
	booking := s.book("09:00", "09:30")
	form := func(token string) string {
		return `{"appointmentId":"` + booking.Appointment.ID.String() + `","formData":{` +
			`"token":"` + token + `","installments":1,"payment_method_id":"master","issuer_id":24,` +
			`"transaction_amount":150,"payer":{"email":"ana@example.com","identification":{"type":"CPF","number":"12345678909"}}}}`
	}

	rec := s.do(http.MethodPost, "/payments/process", "", form("tok-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stranger := s.token(auth.Principal{ID: uuid.New(), Role: auth.RoleUser})
	rec = s.do(http.MethodPost, "/payments/process", stranger, form("tok-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/payments/process", s.userToken(), form("invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_card", decode[ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/payments/process", s.userToken(), `{"appointmentId":"nope","formData":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/payments/process", s.userToken(), form("tok-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ProcessPaymentResponse](t, rec)
	assert.Equal(t, payments.ProcessorApproved, resp.Status)
	assert.NotEmpty(t, resp.ID)
	require.NotNil(t, resp.Payment)
	assert.Equal(t, string(appointment.PaymentConfirmed), resp.Payment.Status)
	require.NotNil(t, resp.AppointmentStatus)
	assert.Equal(t, string(appointment.StatusConfirmed), *resp.AppointmentStatus)

	payment, _ := s.store.PaymentFor(booking.Appointment.ID)
	require.NotNil(t, payment.ProcessorID)
	assert.Equal(t, resp.ID, *payment.ProcessorID)

	rec = s.do(http.MethodPost, "/payments/process", s.userToken(), form("tok-2"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
