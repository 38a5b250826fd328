package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeServiceError maps domain errors to HTTP responses. Anything it does
// not recognise is logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, logger *logging.Logger, err error) {
	var (
		slotErr *scheduling.SlotError
		valErr  *appointment.ValidationError
		enumErr *appointment.InvalidValueError
	)
	switch {
	case errors.As(err, &slotErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:            string(slotErr.Reason),
			Details:          slotErr.Error(),
			ExpectedDuration: slotErr.ExpectedDuration,
		})
	case errors.As(err, &enumErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_" + enumErr.Field,
			Details: enumErr.Error(),
			Allowed: enumErr.Allowed,
		})
	case errors.As(err, &valErr):
		writeError(w, http.StatusBadRequest, "invalid_"+valErr.Field, valErr.Message)
	case errors.Is(err, scheduling.ErrInvalidClock):
		writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
	case errors.Is(err, scheduling.ErrInvalidPolicy):
		writeError(w, http.StatusBadRequest, "invalid_business_hours", err.Error())
	case errors.Is(err, appointment.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "already_cancelled", err.Error())
	case errors.Is(err, appointment.ErrAppointmentTerminal):
		writeError(w, http.StatusConflict, "appointment_terminal", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, appointment.ErrNotYetEnded):
		writeError(w, http.StatusConflict, "not_yet_ended", err.Error())
	case errors.Is(err, appointment.ErrStaleState):
		writeError(w, http.StatusConflict, "concurrent_update", err.Error())
	case errors.Is(err, appointment.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, "payment_gateway_unavailable", "could not create the payment, please retry")
	case errors.Is(err, appointment.ErrPolicyNotConfigured):
		logger.Error("business hours missing", "error", err)
		writeError(w, http.StatusInternalServerError, "business_hours_not_configured", err.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}
