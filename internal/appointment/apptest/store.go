// Package apptest provides an in-memory appointment.Store for tests. Every
// transaction holds a single mutex, so units of work are fully serialized,
// and a failed unit of work restores the state it started from.
package apptest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
)

type state struct {
	patients     map[uuid.UUID]appointment.Patient
	doctors      map[uuid.UUID]appointment.Doctor
	policies     map[uuid.UUID]scheduling.Policy // uuid.Nil holds the global policy
	appointments map[uuid.UUID]appointment.Appointment
	payments     map[uuid.UUID]appointment.Payment
	webhooks     map[string]appointment.WebhookEvent
	history      []appointment.HistoryEntry
	events       []appointment.EventLog
	nextEventID  int64
}

func newState() *state {
	return &state{
		patients:     make(map[uuid.UUID]appointment.Patient),
		doctors:      make(map[uuid.UUID]appointment.Doctor),
		policies:     make(map[uuid.UUID]scheduling.Policy),
		appointments: make(map[uuid.UUID]appointment.Appointment),
		payments:     make(map[uuid.UUID]appointment.Payment),
		webhooks:     make(map[string]appointment.WebhookEvent),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		patients:     cloneMap(s.patients),
		doctors:      cloneMap(s.doctors),
		policies:     cloneMap(s.policies),
		appointments: cloneMap(s.appointments),
		payments:     cloneMap(s.payments),
		webhooks:     cloneMap(s.webhooks),
		history:      append([]appointment.HistoryEntry(nil), s.history...),
		events:       append([]appointment.EventLog(nil), s.events...),
		nextEventID:  s.nextEventID,
	}
}

// Store implements appointment.Store in memory.
type Store struct {
	*repo

	mu       sync.Mutex
	st       *state
	failures map[string]error
	txCount  int

	commitConflicts int

	// Now stamps created_at/updated_at. Defaults to time.Now.
	Now func() time.Time
}

var _ appointment.Store = (*Store)(nil)

func New() *Store {
	s := &Store{
		st:       newState(),
		failures: make(map[string]error),
		Now:      time.Now,
	}
	s.repo = &repo{s: s}
	return s
}

// FailOn makes the named Repository method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// WithTx runs fn as one unit of work. After ConflictOnCommit(n), the next n
// units of work are rolled back at commit and fn is run again, the way the
// Postgres store retries a serialization failure.
func (s *Store) WithTx(ctx context.Context, fn func(tx appointment.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.txCount++
		snapshot := s.st.clone()
		if err := fn(&repo{s: s, inTx: true}); err != nil {
			s.st = snapshot
			return err
		}
		if s.commitConflicts == 0 {
			return nil
		}
		s.commitConflicts--
		s.st = snapshot
	}
}

func (s *Store) ConflictOnCommit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitConflicts = n
}

// TxCount reports how many units of work have run.
func (s *Store) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// Seeding and inspection helpers. They bypass every check.

func (s *Store) AddPatient(p appointment.Patient) appointment.Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.st.patients[p.ID] = p
	return p
}

func (s *Store) AddDoctor(d appointment.Doctor) appointment.Doctor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	s.st.doctors[d.ID] = d
	return d
}

func (s *Store) PutPolicy(p scheduling.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.policies[policyKey(p.DoctorID)] = p
}

func (s *Store) PutAppointment(a appointment.Appointment) appointment.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Date = scheduling.DayOf(a.Date)
	s.st.appointments[a.ID] = a
	return a
}

func (s *Store) PutPayment(p appointment.Payment) appointment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.st.payments[p.ID] = p
	return p
}

func (s *Store) Appointment(id uuid.UUID) (appointment.Appointment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.appointments[id]
	return a, ok
}

func (s *Store) PaymentFor(appointmentID uuid.UUID) (appointment.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.payments {
		if p.AppointmentID != nil && *p.AppointmentID == appointmentID {
			return p, true
		}
	}
	return appointment.Payment{}, false
}

func (s *Store) Appointments() []appointment.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appointment.Appointment, 0, len(s.st.appointments))
	for _, a := range s.st.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Payments() []appointment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appointment.Payment, 0, len(s.st.payments))
	for _, p := range s.st.payments {
		out = append(out, p)
	}
	return out
}

func (s *Store) History() []appointment.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appointment.HistoryEntry(nil), s.st.history...)
}

func (s *Store) Events() []appointment.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appointment.EventLog(nil), s.st.events...)
}

func (s *Store) WebhookEvent(id string) (appointment.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.st.webhooks[id]
	return ev, ok
}

func policyKey(doctorID *uuid.UUID) uuid.UUID {
	if doctorID == nil {
		return uuid.Nil
	}
	return *doctorID
}
