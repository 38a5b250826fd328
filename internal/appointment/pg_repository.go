package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/clinic-appointment-payments/internal/db"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
)

// activeSlotIndex is the partial unique index on (doctor_id, date, start_time)
// over non-cancelled appointments.
const activeSlotIndex = "appointments_active_slot"

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a DBTX that can open transactions.
type Pool interface {
	DBTX
	db.Beginner
}

type PgRepository struct {
	q DBTX
}

func NewPgRepository(q DBTX) *PgRepository {
	return &PgRepository{q: q}
}

// PgStore runs units of work in SERIALIZABLE transactions, retrying
// serialization failures.
type PgStore struct {
	*PgRepository
	pool     Pool
	attempts int
}

func NewPgStore(pool Pool) *PgStore {
	return &PgStore{
		PgRepository: NewPgRepository(pool),
		pool:         pool,
		attempts:     db.DefaultTxAttempts,
	}
}

func (s *PgStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	return db.SerializableTx(ctx, s.pool, s.attempts, func(tx pgx.Tx) error {
		return fn(NewPgRepository(tx))
	})
}

// Helpers

const patientColumns = `id, name, email, phone, created_at, updated_at`

const doctorColumns = `id, name, specialty, created_at, updated_at`

const policyColumns = `id, doctor_id, sunday, monday, tuesday, wednesday, thursday, friday, saturday,
	start_time, end_time, appointment_duration, lunch_break_enabled, lunch_start_time, lunch_end_time, updated_at`

const appointmentColumns = `id, patient_id, doctor_id, date, start_time, end_time, type, status,
	patient_name, patient_email, patient_phone, reminder_sent, payment_reminder_sent, video_link_sent,
	video_url, amount_cents, created_at, updated_at`

const paymentColumns = `id, appointment_id, mercado_pago_id, preference_id, redirect_url, status,
	amount_cents, currency, description, payer_email, paid_at, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPolicy(row pgx.Row) (*scheduling.Policy, error) {
	var p scheduling.Policy
	var lunchStart, lunchEnd *string

	err := row.Scan(
		&p.ID,
		&p.DoctorID,
		&p.Days[time.Sunday],
		&p.Days[time.Monday],
		&p.Days[time.Tuesday],
		&p.Days[time.Wednesday],
		&p.Days[time.Thursday],
		&p.Days[time.Friday],
		&p.Days[time.Saturday],
		&p.StartTime,
		&p.EndTime,
		&p.AppointmentDuration,
		&p.LunchBreakEnabled,
		&lunchStart,
		&lunchEnd,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPolicyNotConfigured
		}
		return nil, err
	}

	if lunchStart != nil {
		p.LunchStartTime = *lunchStart
	}
	if lunchEnd != nil {
		p.LunchEndTime = *lunchEnd
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Date,
		&a.StartTime,
		&a.EndTime,
		&a.Type,
		&a.Status,
		&a.Contact.Name,
		&a.Contact.Email,
		&a.Contact.Phone,
		&a.ReminderSent,
		&a.PaymentReminderSent,
		&a.VideoLinkSent,
		&a.VideoURL,
		&a.AmountCents,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = scheduling.DayOf(a.Date)
	return &a, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment

	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.ProcessorID,
		&p.PreferenceID,
		&p.RedirectURL,
		&p.Status,
		&p.AmountCents,
		&p.Currency,
		&p.Description,
		&p.PayerEmail,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func collectAppointments(rows pgx.Rows, err error) ([]Appointment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// conditional maps "no row matched" of a guarded UPDATE to ErrStaleState.
func conditional(a *Appointment, err error) (*Appointment, error) {
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStaleState
	}
	return a, err
}

func statusStrings(statuses []Status) []string {
	return toStrings(statuses)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Interface methods

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPolicy(ctx context.Context, doctorID uuid.UUID) (*scheduling.Policy, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+policyColumns+`
		FROM business_hours
		WHERE doctor_id = $1 OR doctor_id IS NULL
		ORDER BY doctor_id NULLS LAST
		LIMIT 1
	`, doctorID)
	return scanPolicy(row)
}

func (r *PgRepository) UpsertPolicy(ctx context.Context, p scheduling.Policy) (*scheduling.Policy, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	conflict := `ON CONFLICT (doctor_id) WHERE doctor_id IS NOT NULL`
	if p.DoctorID == nil {
		conflict = `ON CONFLICT ((doctor_id IS NULL)) WHERE doctor_id IS NULL`
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO business_hours (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		`+conflict+` DO UPDATE SET
			sunday = EXCLUDED.sunday,
			monday = EXCLUDED.monday,
			tuesday = EXCLUDED.tuesday,
			wednesday = EXCLUDED.wednesday,
			thursday = EXCLUDED.thursday,
			friday = EXCLUDED.friday,
			saturday = EXCLUDED.saturday,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			appointment_duration = EXCLUDED.appointment_duration,
			lunch_break_enabled = EXCLUDED.lunch_break_enabled,
			lunch_start_time = EXCLUDED.lunch_start_time,
			lunch_end_time = EXCLUDED.lunch_end_time,
			updated_at = now()
		RETURNING `+policyColumns,
		p.ID, p.DoctorID,
		p.Days[time.Sunday], p.Days[time.Monday], p.Days[time.Tuesday], p.Days[time.Wednesday],
		p.Days[time.Thursday], p.Days[time.Friday], p.Days[time.Saturday],
		p.StartTime, p.EndTime, p.AppointmentDuration, p.LunchBreakEnabled,
		nullableString(p.LunchStartTime), nullableString(p.LunchEndTime),
	)
	return scanPolicy(row)
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.Date != nil {
		add("date = $%d", scheduling.DayOf(*f.Date))
	}

	sql := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	sql += fmt.Sprintf(` ORDER BY date DESC, start_time DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return collectAppointments(r.q.Query(ctx, sql, args...))
}

func (r *PgRepository) ListBlocking(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]scheduling.Booked, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, start_time, end_time
		FROM appointments
		WHERE doctor_id = $1
		  AND date = $2
		  AND status <> 'CANCELLED'
		ORDER BY start_time
	`, doctorID, scheduling.DayOf(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []scheduling.Booked
	for rows.Next() {
		var b scheduling.Booked
		if err := rows.Scan(&b.ID, &b.StartTime, &b.EndTime); err != nil {
			return nil, err
		}
		result = append(result, b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, false, false, $12, $13, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.DoctorID, scheduling.DayOf(a.Date), a.StartTime, a.EndTime, a.Type, a.Status,
		a.Contact.Name, a.Contact.Email, a.Contact.Phone, a.VideoURL, a.AmountCents,
	)

	created, err := scanAppointment(row)
	if db.IsUniqueViolation(err, activeSlotIndex) {
		return nil, ErrSlotConflict
	}
	return created, err
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET date = $2,
		    start_time = $3,
		    end_time = $4,
		    type = $5,
		    status = $6,
		    patient_name = $7,
		    patient_email = $8,
		    patient_phone = $9,
		    video_url = $10,
		    amount_cents = $11,
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('CANCELLED', 'COMPLETED')
		RETURNING `+appointmentColumns,
		a.ID, scheduling.DayOf(a.Date), a.StartTime, a.EndTime, a.Type, a.Status,
		a.Contact.Name, a.Contact.Email, a.Contact.Phone, a.VideoURL, a.AmountCents,
	)

	updated, err := scanAppointment(row)
	if db.IsUniqueViolation(err, activeSlotIndex) {
		return nil, ErrSlotConflict
	}
	return conditional(updated, err)
}

func (r *PgRepository) TransitionAppointment(ctx context.Context, id uuid.UUID, to Status, from []Status) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
		RETURNING `+appointmentColumns,
		id, to, statusStrings(from),
	)
	return conditional(scanAppointment(row))
}

func (r *PgRepository) SetNotified(ctx context.Context, id uuid.UUID, flag NotifyFlag) error {
	var column string
	switch flag {
	case FlagReminderSent, FlagPaymentReminderSent, FlagVideoLinkSent:
		column = string(flag)
	default:
		return fmt.Errorf("unknown notify flag %q", flag)
	}

	_, err := r.q.Exec(ctx, `UPDATE appointments SET `+column+` = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	return nil
}

func (r *PgRepository) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
	`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetPaymentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
	`, appointmentID)
	return scanPayment(row)
}

func (r *PgRepository) FindPaymentForUpdate(ctx context.Context, processorID string, appointmentID *uuid.UUID) (*Payment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE mercado_pago_id = $1
		   OR appointment_id = $2
		ORDER BY (mercado_pago_id = $1) DESC NULLS LAST
		LIMIT 1
		FOR UPDATE
	`, processorID, appointmentID)
	return scanPayment(row)
}

func (r *PgRepository) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING `+paymentColumns,
		p.ID, p.AppointmentID, p.ProcessorID, p.PreferenceID, p.RedirectURL, p.Status,
		p.AmountCents, p.Currency, p.Description, p.PayerEmail, p.PaidAt,
	)
	return scanPayment(row)
}

func (r *PgRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, to PaymentStatus, processorID *string, at time.Time) (*Payment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
		    mercado_pago_id = COALESCE($3, mercado_pago_id),
		    paid_at = CASE WHEN $2::text = 'CONFIRMED' THEN COALESCE(paid_at, $4) ELSE paid_at END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+paymentColumns,
		id, to, processorID, at,
	)
	return scanPayment(row)
}

func (r *PgRepository) IsWebhookProcessed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := r.q.QueryRow(ctx, `
		SELECT processed
		FROM processed_webhook_events
		WHERE event_id = $1
	`, eventID).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return processed, nil
}

func (r *PgRepository) ClaimWebhookEvent(ctx context.Context, ev WebhookEvent) (bool, error) {
	_, err := r.q.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, type, action, processed)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Type, ev.Action)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}

	var processed bool
	err = r.q.QueryRow(ctx, `
		SELECT processed
		FROM processed_webhook_events
		WHERE event_id = $1
		FOR UPDATE
	`, ev.EventID).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("lock webhook event: %w", err)
	}
	return processed, nil
}

func (r *PgRepository) MarkWebhookProcessed(ctx context.Context, ev WebhookEvent) error {
	processedAt := time.Now().UTC()
	if ev.ProcessedAt != nil {
		processedAt = *ev.ProcessedAt
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, type, action, processed, processed_at)
		VALUES ($1, $2, $3, true, $4)
		ON CONFLICT (event_id) DO UPDATE
		SET processed = true,
		    processed_at = EXCLUDED.processed_at
	`, ev.EventID, ev.Type, ev.Action, processedAt)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertHistory(ctx context.Context, h HistoryEntry) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO appointment_history (
			id, appointment_id, patient_id, doctor_id, date, start_time, end_time,
			reason, notes, updated_by, lost_amount_cents, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()))
	`, h.ID, h.AppointmentID, h.PatientID, h.DoctorID, scheduling.DayOf(h.Date), h.StartTime, h.EndTime,
		h.Reason, h.Notes, h.UpdatedBy, h.LostAmountCents, nullableTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert appointment history: %w", err)
	}
	return nil
}

const stalePendingPredicate = `
		status = 'PENDING'
		AND created_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.appointment_id = appointments.id
			  AND p.status NOT IN ('PENDING', 'REJECTED')
		)`

func (r *PgRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Appointment, error) {
	return collectAppointments(r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+stalePendingPredicate+`
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit))
}

func (r *PgRepository) LockStalePending(ctx context.Context, id uuid.UUID, createdBefore time.Time) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+stalePendingPredicate+`
		  AND id = $2
		FOR UPDATE SKIP LOCKED
	`, createdBefore, id)
	return conditional(scanAppointment(row))
}

func (r *PgRepository) ListPurgeable(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE status = 'CANCELLED'
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgRepository) PurgeAppointment(ctx context.Context, id uuid.UUID, updatedBefore time.Time) (bool, error) {
	var locked uuid.UUID
	err := r.q.QueryRow(ctx, `
		SELECT id
		FROM appointments
		WHERE id = $1
		  AND status = 'CANCELLED'
		  AND updated_at < $2
		FOR UPDATE SKIP LOCKED
	`, id, updatedBefore).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock cancelled appointment: %w", err)
	}

	for _, stmt := range []string{
		`DELETE FROM payments WHERE appointment_id = $1`,
		`DELETE FROM appointment_history WHERE appointment_id = $1`,
		`DELETE FROM appointment_events WHERE appointment_id = $1`,
		`DELETE FROM appointments WHERE id = $1`,
	} {
		if _, err := r.q.Exec(ctx, stmt, id); err != nil {
			return false, fmt.Errorf("purge appointment %s: %w", id, err)
		}
	}
	return true, nil
}

func (r *PgRepository) ListReminderDue(ctx context.Context, day time.Time, limit int) ([]Appointment, error) {
	return collectAppointments(r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'CONFIRMED'
		  AND date = $1
		  AND reminder_sent = false
		ORDER BY start_time
		LIMIT $2
	`, scheduling.DayOf(day), limit))
}

func (r *PgRepository) ListVideoLinkDue(ctx context.Context, day time.Time, from, to string, limit int) ([]Appointment, error) {
	return collectAppointments(r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'CONFIRMED'
		  AND date = $1
		  AND video_url IS NOT NULL
		  AND video_link_sent = false
		  AND start_time >= $2
		  AND start_time <= $3
		ORDER BY start_time
		LIMIT $4
	`, scheduling.DayOf(day), from, to, limit))
}

func (r *PgRepository) ListNudgeDue(ctx context.Context, createdBefore, createdAfter time.Time, limit int) ([]Appointment, error) {
	return collectAppointments(r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'PENDING'
		  AND payment_reminder_sent = false
		  AND created_at <= $1
		  AND created_at > $2
		ORDER BY created_at
		LIMIT $3
	`, createdBefore, createdAfter, limit))
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert appointment event: %w", err)
	}
	return nil
}
