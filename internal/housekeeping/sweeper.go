// Package housekeeping runs the periodic sweeps: expiring unpaid bookings,
// purging old cancellations and sending reminders, video links and payment
// nudges. Every sweep takes now explicitly and is safe to re-run.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/metrics"
	"github.com/hackgods/clinic-appointment-payments/internal/notify"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

const (
	SweepExpireStale    = "expire_stale"
	SweepPurgeCancelled = "purge_cancelled"
	SweepReminders      = "reminders"
	SweepVideoLinks     = "video_links"
	SweepPaymentNudges  = "payment_nudges"
)

const (
	fallbackPatientName = "Paciente"
	fallbackDoctorName  = "Dr(a). Especialista"
)

type Config struct {
	PendingGrace       time.Duration
	CancelledRetention time.Duration
	PaymentNudgeAfter  time.Duration
	VideoLinkLead      time.Duration
	BatchSize          int
}

// Report summarizes one sweep run.
type Report struct {
	Sweep     string `json:"sweep"`
	Processed int    `json:"processed"`
	Affected  int    `json:"affected"`
	Errors    int    `json:"errors"`
}

type Sweeper struct {
	store    appointment.Store
	notifier notify.Notifier
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

func NewSweeper(store appointment.Store, notifier notify.Notifier, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	if notifier == nil {
		notifier = notify.Noop{Logger: logger}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Sweeper{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

func (s *Sweeper) finish(r Report) Report {
	s.metrics.ObserveSweep(r.Sweep, r.Affected)
	s.logger.Info("sweep finished", "sweep", r.Sweep, "processed", r.Processed, "affected", r.Affected, "errors", r.Errors)
	return r
}

// ExpireStalePending cancels PENDING appointments older than the grace
// window whose payment never went through. Each appointment gets a
// TIMEOUT_PAYMENT history row written in the same transaction as the cancel.
func (s *Sweeper) ExpireStalePending(ctx context.Context, now time.Time) (Report, error) {
	r := Report{Sweep: SweepExpireStale}
	cutoff := now.Add(-s.cfg.PendingGrace)

	stale, err := s.store.ListStalePending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return r, fmt.Errorf("list stale pending: %w", err)
	}
	r.Processed = len(stale)

	for _, candidate := range stale {
		expired, err := s.expireOne(ctx, candidate.ID, cutoff, now)
		if err != nil {
			r.Errors++
			s.logger.Error("expire appointment failed", "sweep", r.Sweep, "appointment_id", candidate.ID, "error", err)
			continue
		}
		if expired {
			r.Affected++
		}
	}
	return s.finish(r), nil
}

func (s *Sweeper) expireOne(ctx context.Context, id uuid.UUID, cutoff, now time.Time) (bool, error) {
	expired := false
	err := s.store.WithTx(ctx, func(tx appointment.Repository) error {
		expired = false
		appt, err := tx.LockStalePending(ctx, id, cutoff)
		if errors.Is(err, appointment.ErrStaleState) {
			// paid, cancelled or locked by a concurrent run since listing
			return nil
		}
		if err != nil {
			return err
		}

		lost := appt.AmountCents
		if err := tx.InsertHistory(ctx, appointment.HistoryEntry{
			AppointmentID:   appt.ID,
			PatientID:       appt.PatientID,
			DoctorID:        appt.DoctorID,
			Date:            appt.Date,
			StartTime:       appt.StartTime,
			EndTime:         appt.EndTime,
			Reason:          appointment.HistoryReasonTimeoutPayment,
			Notes:           fmt.Sprintf("payment not completed within %s", s.cfg.PendingGrace),
			UpdatedBy:       appointment.UpdatedBySystem,
			LostAmountCents: &lost,
			CreatedAt:       now.UTC(),
		}); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}

		// The payment is left PENDING so a late approval still lands on it.
		if _, err := tx.TransitionAppointment(ctx, appt.ID, appointment.StatusCancelled, []appointment.Status{appointment.StatusPending}); err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		if err := appointment.RecordEvent(ctx, tx, appt.ID, appointment.EventAppointmentExpired, map[string]any{
			"reason":     appointment.HistoryReasonTimeoutPayment,
			"created_at": appt.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// PurgeCancelled hard-deletes appointments cancelled longer than the
// retention window, together with their payment, history and event rows.
func (s *Sweeper) PurgeCancelled(ctx context.Context, now time.Time) (Report, error) {
	r := Report{Sweep: SweepPurgeCancelled}
	cutoff := now.Add(-s.cfg.CancelledRetention)

	ids, err := s.store.ListPurgeable(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return r, fmt.Errorf("list purgeable: %w", err)
	}
	r.Processed = len(ids)

	for _, id := range ids {
		var purged bool
		err := s.store.WithTx(ctx, func(tx appointment.Repository) error {
			var err error
			purged, err = tx.PurgeAppointment(ctx, id, cutoff)
			return err
		})
		if err != nil {
			r.Errors++
			s.logger.Error("purge appointment failed", "sweep", r.Sweep, "appointment_id", id, "error", err)
			continue
		}
		if purged {
			r.Affected++
		}
	}
	return s.finish(r), nil
}

// SendReminders notifies CONFIRMED appointments on the next UTC day.
func (s *Sweeper) SendReminders(ctx context.Context, now time.Time) (Report, error) {
	tomorrow := scheduling.DayOf(now).AddDate(0, 0, 1)
	due, err := s.store.ListReminderDue(ctx, tomorrow, s.cfg.BatchSize)
	if err != nil {
		return Report{Sweep: SweepReminders}, fmt.Errorf("list reminders due: %w", err)
	}
	return s.deliver(ctx, SweepReminders, due, appointment.FlagReminderSent, s.notifier.SendReminder), nil
}

// SendVideoLinks sends the call link for today's CONFIRMED appointments
// starting within the lead window.
func (s *Sweeper) SendVideoLinks(ctx context.Context, now time.Time) (Report, error) {
	now = now.UTC()
	today := scheduling.DayOf(now)
	from := now.Hour()*60 + now.Minute()
	to := from + int(s.cfg.VideoLinkLead/time.Minute)
	if to >= 24*60 {
		to = 24*60 - 1
	}

	due, err := s.store.ListVideoLinkDue(ctx, today, scheduling.FormatClock(from), scheduling.FormatClock(to), s.cfg.BatchSize)
	if err != nil {
		return Report{Sweep: SweepVideoLinks}, fmt.Errorf("list video links due: %w", err)
	}
	return s.deliver(ctx, SweepVideoLinks, due, appointment.FlagVideoLinkSent, s.notifier.SendVideoLink), nil
}

// SendPaymentNudges reminds patients whose booking is still unpaid after
// PaymentNudgeAfter but has not yet expired.
func (s *Sweeper) SendPaymentNudges(ctx context.Context, now time.Time) (Report, error) {
	due, err := s.store.ListNudgeDue(ctx, now.Add(-s.cfg.PaymentNudgeAfter), now.Add(-s.cfg.PendingGrace), s.cfg.BatchSize)
	if err != nil {
		return Report{Sweep: SweepPaymentNudges}, fmt.Errorf("list payment nudges due: %w", err)
	}
	return s.deliver(ctx, SweepPaymentNudges, due, appointment.FlagPaymentReminderSent, s.notifier.SendPendingPaymentNudge), nil
}

// deliver sends one message per appointment and sets flag only after a
// successful delivery, so failures are retried by the next run.
func (s *Sweeper) deliver(ctx context.Context, sweep string, due []appointment.Appointment, flag appointment.NotifyFlag, send func(context.Context, notify.Message) error) Report {
	r := Report{Sweep: sweep, Processed: len(due)}
	doctors := make(map[uuid.UUID]string)

	for _, appt := range due {
		msg, err := s.message(ctx, appt, doctors, sweep == SweepPaymentNudges)
		if err != nil {
			r.Errors++
			s.logger.Error("build notification failed", "sweep", sweep, "appointment_id", appt.ID, "error", err)
			continue
		}
		if err := send(ctx, msg); err != nil {
			r.Errors++
			s.logger.Warn("notification not delivered", "sweep", sweep, "appointment_id", appt.ID, "error", err)
			continue
		}
		if err := s.store.SetNotified(ctx, appt.ID, flag); err != nil {
			r.Errors++
			s.logger.Error("mark notified failed", "sweep", sweep, "appointment_id", appt.ID, "error", err)
			continue
		}
		r.Affected++
	}
	return s.finish(r)
}

func (s *Sweeper) message(ctx context.Context, appt appointment.Appointment, doctors map[uuid.UUID]string, withPayment bool) (notify.Message, error) {
	starts, err := appt.StartsAt()
	if err != nil {
		return notify.Message{}, err
	}

	doctorName, ok := doctors[appt.DoctorID]
	if !ok {
		doctorName = fallbackDoctorName
		if doctor, err := s.store.GetDoctor(ctx, appt.DoctorID); err == nil {
			doctorName = doctor.Name
		}
		doctors[appt.DoctorID] = doctorName
	}

	msg := notify.Message{
		AppointmentID: appt.ID,
		Name:          appt.Contact.Name,
		Email:         appt.Contact.Email,
		Phone:         appt.Contact.Phone,
		DoctorName:    doctorName,
		StartsAt:      starts,
	}
	if msg.Name == "" {
		msg.Name = fallbackPatientName
	}
	if appt.VideoURL != nil {
		msg.VideoURL = *appt.VideoURL
	}
	if withPayment {
		payment, err := s.store.GetPaymentByAppointment(ctx, appt.ID)
		if err != nil {
			return notify.Message{}, fmt.Errorf("load payment: %w", err)
		}
		if payment.RedirectURL != nil {
			msg.PaymentURL = *payment.RedirectURL
		}
	}
	return msg, nil
}

// RunAll runs every sweep once. A failing sweep does not stop the others.
func (s *Sweeper) RunAll(ctx context.Context, now time.Time) ([]Report, error) {
	sweeps := []func(context.Context, time.Time) (Report, error){
		s.ExpireStalePending,
		s.PurgeCancelled,
		s.SendPaymentNudges,
		s.SendReminders,
		s.SendVideoLinks,
	}

	reports := make([]Report, 0, len(sweeps))
	var errs []error
	for _, sweep := range sweeps {
		r, err := sweep(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Sweep, err))
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}
