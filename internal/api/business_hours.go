package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

// globalPolicyKey addresses the clinic-wide business hours in place of a doctor id.
const globalPolicyKey = "global"

type businessHoursHandlers struct {
	svc    *appointment.Service
	logger *logging.Logger
}

func (h *businessHoursHandlers) availableSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doctorID, err := uuid.Parse(q.Get("doctorId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctorId", "doctorId must be a valid UUID")
		return
	}
	date, err := scheduling.ParseDate(q.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}

	slots, err := h.svc.AvailableSlots(r.Context(), doctorID, date)
	if errors.Is(err, appointment.ErrPolicyNotConfigured) {
		writeError(w, http.StatusNotFound, "business_hours_not_configured", err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailableSlotsResponse{Date: date.Format(time.DateOnly), Slots: slots})
}

func (h *businessHoursHandlers) get(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := policyDoctor(w, r)
	if !ok {
		return
	}
	key := uuid.Nil
	if doctorID != nil {
		key = *doctorID
	}

	policy, err := h.svc.BusinessHours(r.Context(), key)
	if errors.Is(err, appointment.ErrPolicyNotConfigured) {
		writeError(w, http.StatusNotFound, "business_hours_not_configured", err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBusinessHoursResponse(*policy))
}

func (h *businessHoursHandlers) put(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := policyDoctor(w, r)
	if !ok {
		return
	}
	var req BusinessHoursRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	saved, err := h.svc.UpsertBusinessHours(r.Context(), principal(r), req.policy(doctorID))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBusinessHoursResponse(*saved))
}

// policyDoctor resolves the {doctorId} path segment; nil means the global policy.
func policyDoctor(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := chi.URLParam(r, "doctorId")
	if raw == globalPolicyKey {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctorId", `doctorId must be a valid UUID or "global"`)
		return nil, false
	}
	return &id, true
}
