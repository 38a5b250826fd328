package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/auth"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

type appointmentHandlers struct {
	svc    *appointment.Service
	logger *logging.Logger
}

func (h *appointmentHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctorId", "doctorId must be a valid UUID")
		return
	}
	var patientID *uuid.UUID
	if req.PatientID != nil && *req.PatientID != "" {
		id, err := uuid.Parse(*req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patientId", "patientId must be a valid UUID")
			return
		}
		patientID = &id
	}
	date, err := scheduling.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}
	typ, err := appointment.ParseType(req.Type)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	booking, err := h.svc.Create(r.Context(), principal(r), appointment.CreateRequest{
		PatientID: patientID,
		DoctorID:  doctorID,
		Date:      date,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Type:      typ,
		Contact: appointment.Contact{
			Name:  req.PatientName,
			Email: req.PatientEmail,
			Phone: req.PatientPhone,
		},
		VideoURL:    req.VideoURL,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, BookingResponse{
		Appointment: toAppointmentResponse(booking.Appointment),
		Payment:     toPaymentResponse(booking.Payment),
	})
}

func (h *appointmentHandlers) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	appointments, err := h.svc.List(r.Context(), principal(r), f)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(appointments))
	for _, a := range appointments {
		resp = append(resp, toAppointmentResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *appointmentHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	booking, err := h.svc.Get(r.Context(), principal(r), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, BookingResponse{
		Appointment: toAppointmentResponse(booking.Appointment),
		Payment:     toPaymentResponse(booking.Payment),
	})
}

func (h *appointmentHandlers) update(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	var req UpdateAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	appt, err := h.svc.Update(r.Context(), principal(r), id, patch)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

// cancel answers 204 for a repeated cancellation so clients can retry freely.
func (h *appointmentHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	_, err := h.svc.Cancel(r.Context(), principal(r), id)
	if err != nil && !errors.Is(err, appointment.ErrAlreadyCancelled) {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *appointmentHandlers) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.Complete(r.Context(), principal(r), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func (req UpdateAppointmentRequest) patch() (appointment.Patch, error) {
	patch := appointment.Patch{
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		VideoURL:    req.VideoURL,
		AmountCents: req.AmountCents,
	}
	if req.Date != nil {
		date, err := scheduling.ParseDate(*req.Date)
		if err != nil {
			return patch, &appointment.ValidationError{Field: "date", Message: err.Error()}
		}
		patch.Date = &date
	}
	if req.Type != nil {
		typ, err := appointment.ParseType(*req.Type)
		if err != nil {
			return patch, err
		}
		patch.Type = &typ
	}
	if req.Status != nil {
		st, err := appointment.ParseStatus(*req.Status)
		if err != nil {
			return patch, err
		}
		patch.Status = &st
	}
	if req.PatientName != nil || req.PatientEmail != nil || req.PatientPhone != nil {
		patch.Contact = &appointment.Contact{
			Name:  deref(req.PatientName),
			Email: deref(req.PatientEmail),
			Phone: deref(req.PatientPhone),
		}
	}
	return patch, nil
}

func parseListFilter(r *http.Request) (appointment.ListFilter, error) {
	q := r.URL.Query()
	var f appointment.ListFilter

	if v := q.Get("doctorId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, &appointment.ValidationError{Field: "doctorId", Message: "must be a valid UUID"}
		}
		f.DoctorID = &id
	}
	if v := q.Get("patientId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, &appointment.ValidationError{Field: "patientId", Message: "must be a valid UUID"}
		}
		f.PatientID = &id
	}
	if v := q.Get("status"); v != "" {
		st, err := appointment.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = &st
	}
	if v := q.Get("date"); v != "" {
		date, err := scheduling.ParseDate(v)
		if err != nil {
			return f, &appointment.ValidationError{Field: "date", Message: err.Error()}
		}
		f.Date = &date
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, &appointment.ValidationError{Field: key, Message: "must be an integer"}
		}
		*dst = n
	}
	return f, nil
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
