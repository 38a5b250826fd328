package apptest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
)

// repo implements appointment.Repository over the store state. Outside a
// transaction every call takes the store mutex; inside WithTx it is already held.
type repo struct {
	s    *Store
	inTx bool
}

func (r *repo) enter(method string) (func(), error) {
	unlock := func() {}
	if !r.inTx {
		r.s.mu.Lock()
		unlock = r.s.mu.Unlock
	}
	if err := r.s.failures[method]; err != nil {
		unlock()
		return func() {}, err
	}
	return unlock, nil
}

func (r *repo) now() time.Time {
	return r.s.Now().UTC()
}

func (r *repo) GetPatient(ctx context.Context, id uuid.UUID) (*appointment.Patient, error) {
	done, err := r.enter("GetPatient")
	defer done()
	if err != nil {
		return nil, err
	}
	p, ok := r.s.st.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return &p, nil
}

func (r *repo) GetDoctor(ctx context.Context, id uuid.UUID) (*appointment.Doctor, error) {
	done, err := r.enter("GetDoctor")
	defer done()
	if err != nil {
		return nil, err
	}
	d, ok := r.s.st.doctors[id]
	if !ok {
		return nil, appointment.ErrDoctorNotFound
	}
	return &d, nil
}

func (r *repo) GetPolicy(ctx context.Context, doctorID uuid.UUID) (*scheduling.Policy, error) {
	done, err := r.enter("GetPolicy")
	defer done()
	if err != nil {
		return nil, err
	}
	if p, ok := r.s.st.policies[doctorID]; ok {
		return &p, nil
	}
	if p, ok := r.s.st.policies[uuid.Nil]; ok {
		return &p, nil
	}
	return nil, appointment.ErrPolicyNotConfigured
}

func (r *repo) UpsertPolicy(ctx context.Context, p scheduling.Policy) (*scheduling.Policy, error) {
	done, err := r.enter("UpsertPolicy")
	defer done()
	if err != nil {
		return nil, err
	}
	key := policyKey(p.DoctorID)
	if existing, ok := r.s.st.policies[key]; ok {
		p.ID = existing.ID
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.UpdatedAt = r.now()
	r.s.st.policies[key] = p
	return &p, nil
}

func (r *repo) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	done, err := r.enter("GetAppointment")
	defer done()
	if err != nil {
		return nil, err
	}
	a, ok := r.s.st.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *repo) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return r.GetAppointment(ctx, id)
}

func (r *repo) ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error) {
	done, err := r.enter("ListAppointments")
	defer done()
	if err != nil {
		return nil, err
	}
	var out []appointment.Appointment
	for _, a := range r.s.st.appointments {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Date != nil && !a.Date.Equal(scheduling.DayOf(*f.Date)) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].StartTime > out[j].StartTime
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *repo) ListBlocking(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]scheduling.Booked, error) {
	done, err := r.enter("ListBlocking")
	defer done()
	if err != nil {
		return nil, err
	}
	day = scheduling.DayOf(day)
	var out []scheduling.Booked
	for _, a := range r.s.st.appointments {
		if a.DoctorID == doctorID && a.Date.Equal(day) && a.Status.Blocking() {
			out = append(out, scheduling.Booked{ID: a.ID, StartTime: a.StartTime, EndTime: a.EndTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

// slotTaken emulates the partial unique index on (doctor_id, date, start_time).
func (r *repo) slotTaken(a appointment.Appointment) bool {
	if !a.Status.Blocking() {
		return false
	}
	for _, other := range r.s.st.appointments {
		if other.ID != a.ID && other.Status.Blocking() && other.DoctorID == a.DoctorID &&
			other.Date.Equal(a.Date) && other.StartTime == a.StartTime {
			return true
		}
	}
	return false
}

func (r *repo) InsertAppointment(ctx context.Context, a appointment.Appointment) (*appointment.Appointment, error) {
	done, err := r.enter("InsertAppointment")
	defer done()
	if err != nil {
		return nil, err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, exists := r.s.st.appointments[a.ID]; exists {
		return nil, fmt.Errorf("duplicate appointment id %s", a.ID)
	}
	a.Date = scheduling.DayOf(a.Date)
	if r.slotTaken(a) {
		return nil, appointment.ErrSlotConflict
	}
	a.ReminderSent, a.PaymentReminderSent, a.VideoLinkSent = false, false, false
	a.CreatedAt = r.now()
	a.UpdatedAt = a.CreatedAt
	r.s.st.appointments[a.ID] = a
	return &a, nil
}

func (r *repo) UpdateAppointment(ctx context.Context, a appointment.Appointment) (*appointment.Appointment, error) {
	done, err := r.enter("UpdateAppointment")
	defer done()
	if err != nil {
		return nil, err
	}
	current, ok := r.s.st.appointments[a.ID]
	if !ok || current.Status.Terminal() {
		return nil, appointment.ErrStaleState
	}
	a.Date = scheduling.DayOf(a.Date)
	if r.slotTaken(a) {
		return nil, appointment.ErrSlotConflict
	}
	// only the mutable columns change
	current.Date = a.Date
	current.StartTime = a.StartTime
	current.EndTime = a.EndTime
	current.Type = a.Type
	current.Status = a.Status
	current.Contact = a.Contact
	current.VideoURL = a.VideoURL
	current.AmountCents = a.AmountCents
	current.UpdatedAt = r.now()
	r.s.st.appointments[a.ID] = current
	return &current, nil
}

func (r *repo) TransitionAppointment(ctx context.Context, id uuid.UUID, to appointment.Status, from []appointment.Status) (*appointment.Appointment, error) {
	done, err := r.enter("TransitionAppointment")
	defer done()
	if err != nil {
		return nil, err
	}
	a, ok := r.s.st.appointments[id]
	if !ok || !containsStatus(from, a.Status) {
		return nil, appointment.ErrStaleState
	}
	a.Status = to
	a.UpdatedAt = r.now()
	r.s.st.appointments[id] = a
	return &a, nil
}

func containsStatus(set []appointment.Status, s appointment.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (r *repo) SetNotified(ctx context.Context, id uuid.UUID, flag appointment.NotifyFlag) error {
	done, err := r.enter("SetNotified")
	defer done()
	if err != nil {
		return err
	}
	a, ok := r.s.st.appointments[id]
	if !ok {
		return nil
	}
	switch flag {
	case appointment.FlagReminderSent:
		a.ReminderSent = true
	case appointment.FlagPaymentReminderSent:
		a.PaymentReminderSent = true
	case appointment.FlagVideoLinkSent:
		a.VideoLinkSent = true
	default:
		return fmt.Errorf("unknown notify flag %q", flag)
	}
	r.s.st.appointments[id] = a
	return nil
}

func (r *repo) GetPayment(ctx context.Context, id uuid.UUID) (*appointment.Payment, error) {
	done, err := r.enter("GetPayment")
	defer done()
	if err != nil {
		return nil, err
	}
	p, ok := r.s.st.payments[id]
	if !ok {
		return nil, appointment.ErrPaymentNotFound
	}
	return &p, nil
}

func (r *repo) paymentByAppointment(appointmentID uuid.UUID) (appointment.Payment, bool) {
	for _, p := range r.s.st.payments {
		if p.AppointmentID != nil && *p.AppointmentID == appointmentID {
			return p, true
		}
	}
	return appointment.Payment{}, false
}

func (r *repo) GetPaymentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*appointment.Payment, error) {
	done, err := r.enter("GetPaymentByAppointment")
	defer done()
	if err != nil {
		return nil, err
	}
	p, ok := r.paymentByAppointment(appointmentID)
	if !ok {
		return nil, appointment.ErrPaymentNotFound
	}
	return &p, nil
}

func (r *repo) FindPaymentForUpdate(ctx context.Context, processorID string, appointmentID *uuid.UUID) (*appointment.Payment, error) {
	done, err := r.enter("FindPaymentForUpdate")
	defer done()
	if err != nil {
		return nil, err
	}
	if processorID != "" {
		for _, p := range r.s.st.payments {
			if p.ProcessorID != nil && *p.ProcessorID == processorID {
				return &p, nil
			}
		}
	}
	if appointmentID != nil {
		if p, ok := r.paymentByAppointment(*appointmentID); ok {
			return &p, nil
		}
	}
	return nil, appointment.ErrPaymentNotFound
}

func (r *repo) InsertPayment(ctx context.Context, p appointment.Payment) (*appointment.Payment, error) {
	done, err := r.enter("InsertPayment")
	defer done()
	if err != nil {
		return nil, err
	}
	if p.AppointmentID != nil {
		if _, ok := r.paymentByAppointment(*p.AppointmentID); ok {
			return nil, fmt.Errorf("payment already exists for appointment %s", *p.AppointmentID)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt
	r.s.st.payments[p.ID] = p
	return &p, nil
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, to appointment.PaymentStatus, processorID *string, at time.Time) (*appointment.Payment, error) {
	done, err := r.enter("UpdatePaymentStatus")
	defer done()
	if err != nil {
		return nil, err
	}
	p, ok := r.s.st.payments[id]
	if !ok {
		return nil, appointment.ErrPaymentNotFound
	}
	p.Status = to
	if processorID != nil {
		pid := *processorID
		p.ProcessorID = &pid
	}
	if to == appointment.PaymentConfirmed && p.PaidAt == nil {
		paidAt := at
		p.PaidAt = &paidAt
	}
	p.UpdatedAt = r.now()
	r.s.st.payments[id] = p
	return &p, nil
}

func (r *repo) IsWebhookProcessed(ctx context.Context, eventID string) (bool, error) {
	done, err := r.enter("IsWebhookProcessed")
	defer done()
	if err != nil {
		return false, err
	}
	return r.s.st.webhooks[eventID].Processed, nil
}

func (r *repo) ClaimWebhookEvent(ctx context.Context, ev appointment.WebhookEvent) (bool, error) {
	done, err := r.enter("ClaimWebhookEvent")
	defer done()
	if err != nil {
		return false, err
	}
	existing, ok := r.s.st.webhooks[ev.EventID]
	if !ok {
		existing = appointment.WebhookEvent{EventID: ev.EventID, Type: ev.Type, Action: ev.Action}
		r.s.st.webhooks[ev.EventID] = existing
	}
	return existing.Processed, nil
}

func (r *repo) MarkWebhookProcessed(ctx context.Context, ev appointment.WebhookEvent) error {
	done, err := r.enter("MarkWebhookProcessed")
	defer done()
	if err != nil {
		return err
	}
	at := r.now()
	if ev.ProcessedAt != nil {
		at = *ev.ProcessedAt
	}
	existing, ok := r.s.st.webhooks[ev.EventID]
	if !ok {
		existing = appointment.WebhookEvent{EventID: ev.EventID, Type: ev.Type, Action: ev.Action}
	}
	existing.Processed = true
	existing.ProcessedAt = &at
	r.s.st.webhooks[ev.EventID] = existing
	return nil
}

func (r *repo) InsertHistory(ctx context.Context, h appointment.HistoryEntry) error {
	done, err := r.enter("InsertHistory")
	defer done()
	if err != nil {
		return err
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = r.now()
	}
	r.s.st.history = append(r.s.st.history, h)
	return nil
}

func (r *repo) stalePending(a appointment.Appointment, createdBefore time.Time) bool {
	if a.Status != appointment.StatusPending || !a.CreatedAt.Before(createdBefore) {
		return false
	}
	p, ok := r.paymentByAppointment(a.ID)
	return !ok || p.Status == appointment.PaymentPending || p.Status == appointment.PaymentRejected
}

func (r *repo) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]appointment.Appointment, error) {
	done, err := r.enter("ListStalePending")
	defer done()
	if err != nil {
		return nil, err
	}
	var out []appointment.Appointment
	for _, a := range r.s.st.appointments {
		if r.stalePending(a, createdBefore) {
			out = append(out, a)
		}
	}
	return oldestFirst(out, limit), nil
}

func (r *repo) LockStalePending(ctx context.Context, id uuid.UUID, createdBefore time.Time) (*appointment.Appointment, error) {
	done, err := r.enter("LockStalePending")
	defer done()
	if err != nil {
		return nil, err
	}
	a, ok := r.s.st.appointments[id]
	if !ok || !r.stalePending(a, createdBefore) {
		return nil, appointment.ErrStaleState
	}
	return &a, nil
}

func (r *repo) ListPurgeable(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	done, err := r.enter("ListPurgeable")
	defer done()
	if err != nil {
		return nil, err
	}
	var candidates []appointment.Appointment
	for _, a := range r.s.st.appointments {
		if a.Status == appointment.StatusCancelled && a.UpdatedAt.Before(updatedBefore) {
			candidates = append(candidates, a)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, a := range candidates {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (r *repo) PurgeAppointment(ctx context.Context, id uuid.UUID, updatedBefore time.Time) (bool, error) {
	done, err := r.enter("PurgeAppointment")
	defer done()
	if err != nil {
		return false, err
	}
	a, ok := r.s.st.appointments[id]
	if !ok || a.Status != appointment.StatusCancelled || !a.UpdatedAt.Before(updatedBefore) {
		return false, nil
	}
	for pid, p := range r.s.st.payments {
		if p.AppointmentID != nil && *p.AppointmentID == id {
			delete(r.s.st.payments, pid)
		}
	}
	history := r.s.st.history[:0:0]
	for _, h := range r.s.st.history {
		if h.AppointmentID != id {
			history = append(history, h)
		}
	}
	r.s.st.history = history
	events := r.s.st.events[:0:0]
	for _, ev := range r.s.st.events {
		if ev.AppointmentID == nil || *ev.AppointmentID != id {
			events = append(events, ev)
		}
	}
	r.s.st.events = events
	delete(r.s.st.appointments, id)
	return true, nil
}

func (r *repo) ListReminderDue(ctx context.Context, day time.Time, limit int) ([]appointment.Appointment, error) {
	done, err := r.enter("ListReminderDue")
	defer done()
	if err != nil {
		return nil, err
	}
	day = scheduling.DayOf(day)
	var out []appointment.Appointment
	for _, a := range r.s.st.appointments {
		if a.Status == appointment.StatusConfirmed && a.Date.Equal(day) && !a.ReminderSent {
			out = append(out, a)
		}
	}
	return earliestFirst(out, limit), nil
}

func (r *repo) ListVideoLinkDue(ctx context.Context, day time.Time, from, to string, limit int) ([]appointment.Appointment, error) {
	done, err := r.enter("ListVideoLinkDue")
	defer done()
	if err != nil {
		return nil, err
	}
	day = scheduling.DayOf(day)
	var out []appointment.Appointment
	for _, a := range r.s.st.appointments {
		if a.Status == appointment.StatusConfirmed && a.Date.Equal(day) && a.VideoURL != nil &&
			!a.VideoLinkSent && a.StartTime >= from && a.StartTime <= to {
			out = append(out, a)
		}
	}
	return earliestFirst(out, limit), nil
}

func (r *repo) ListNudgeDue(ctx context.Context, createdBefore, createdAfter time.Time, limit int) ([]appointment.Appointment, error) {
	done, err := r.enter("ListNudgeDue")
	defer done()
	if err != nil {
		return nil, err
	}
	var out []appointment.Appointment
	for _, a := range r.s.st.appointments {
		if a.Status == appointment.StatusPending && !a.PaymentReminderSent &&
			!a.CreatedAt.After(createdBefore) && a.CreatedAt.After(createdAfter) {
			out = append(out, a)
		}
	}
	return oldestFirst(out, limit), nil
}

func (r *repo) InsertEvent(ctx context.Context, ev appointment.EventLog) error {
	done, err := r.enter("InsertEvent")
	defer done()
	if err != nil {
		return err
	}
	r.s.st.nextEventID++
	ev.ID = r.s.st.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.s.st.events = append(r.s.st.events, ev)
	return nil
}

func oldestFirst(in []appointment.Appointment, limit int) []appointment.Appointment {
	sort.Slice(in, func(i, j int) bool { return in[i].CreatedAt.Before(in[j].CreatedAt) })
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func earliestFirst(in []appointment.Appointment, limit int) []appointment.Appointment {
	sort.Slice(in, func(i, j int) bool { return in[i].StartTime < in[j].StartTime })
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
