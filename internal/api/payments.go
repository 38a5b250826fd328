package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/payments"
	"github.com/hackgods/clinic-appointment-payments/internal/reconcile"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

const (
	maxWebhookBody = 1 << 20
	maxCardBody    = 64 << 10
)

type paymentHandlers struct {
	svc           *appointment.Service
	engine        *reconcile.Engine
	webhookSecret string
	logger        *logging.Logger
}

// webhook acknowledges every delivery it could reconcile or safely ignore.
// A 500 asks Mercado Pago to redeliver.
func (h *paymentHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
		return
	}

	var payload WebhookPayload
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
	}

	q := r.URL.Query()
	resourceID := string(payload.Data.ID)
	if resourceID == "" {
		resourceID = q.Get("data.id")
	}
	eventType := payload.Type
	if eventType == "" {
		eventType = firstNonEmpty(q.Get("type"), q.Get("topic"))
	}

	if err := payments.VerifySignature(h.webhookSecret, r.Header.Get("x-signature"), r.Header.Get("x-request-id"), resourceID); err != nil {
		h.logger.Warn("webhook signature rejected", "error", err, "request_id", GetRequestID(r.Context()))
		writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed")
		return
	}

	outcome, err := h.engine.HandleEvent(r.Context(), reconcile.Event{
		ID:         string(payload.ID),
		Type:       eventType,
		Action:     payload.Action,
		ResourceID: resourceID,
	})
	if err != nil {
		h.logger.Error("webhook processing failed", "error", err, "event_id", string(payload.ID), "resource_id", resourceID)
		writeError(w, http.StatusInternalServerError, "webhook_failed", "webhook could not be processed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// checkStatus polls the processor for a payment id, typically from the
// return page, and applies whatever it reports.
func (h *paymentHandlers) checkStatus(w http.ResponseWriter, r *http.Request) {
	processorID := strings.TrimSpace(r.URL.Query().Get("id"))
	if processorID == "" {
		writeError(w, http.StatusBadRequest, "missing_payment_id", "query parameter id is required")
		return
	}

	res, err := h.engine.CheckStatus(r.Context(), processorID)
	if err != nil {
		if errors.Is(err, appointment.ErrPaymentNotFound) {
			writeError(w, http.StatusNotFound, "payment_not_found", "payment not found")
			return
		}
		h.logger.Error("payment status check failed", "error", err, "processor_id", processorID)
		writeError(w, http.StatusBadGateway, "payment_gateway_unavailable", "could not fetch payment status")
		return
	}

	resp := PaymentStatusResponse{
		ID:      res.Payment.ID,
		Status:  string(res.Payment.Status),
		PaidAt:  res.Payment.PaidAt,
		Changed: res.Outcome == reconcile.OutcomeApplied,
	}
	if res.Appointment != nil {
		st := string(res.Appointment.Status)
		resp.Appointment = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// process charges a card token for a PENDING appointment (transparent
// checkout). The brick sends fields this handler does not read, so unknown
// fields are accepted.
func (h *paymentHandlers) process(w http.ResponseWriter, r *http.Request) {
	var req ProcessPaymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCardBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	appointmentID, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointmentId", "appointmentId must be a valid UUID")
		return
	}

	form := req.FormData
	res, err := h.engine.ProcessPayment(r.Context(), principal(r), reconcile.CardPayment{
		AppointmentID:        appointmentID,
		Token:                form.Token,
		Installments:         form.Installments,
		PaymentMethodID:      form.PaymentMethodID,
		IssuerID:             string(form.IssuerID),
		PayerEmail:           form.Payer.Email,
		IdentificationType:   form.Payer.Identification.Type,
		IdentificationNumber: form.Payer.Identification.Number,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := ProcessPaymentResponse{
		ID:      res.Processor.ID,
		Status:  res.Processor.Status,
		Detail:  res.Processor.StatusDetail,
		Payment: toPaymentResponse(res.Payment),
	}
	if res.Appointment != nil {
		st := string(res.Appointment.Status)
		resp.AppointmentStatus = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *paymentHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payment_id", "id must be a valid UUID")
		return
	}

	payment, err := h.svc.Payment(r.Context(), principal(r), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
