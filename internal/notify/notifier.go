// Package notify delivers patient-facing messages about appointments.
// Delivery is best-effort: callers record success through the appointment's
// *_sent flags and retry failures on the next sweep.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/internal/metrics"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

// ErrNoRecipient is returned when a channel has no address to deliver to.
var ErrNoRecipient = errors.New("notify: no recipient for channel")

const (
	KindConfirmation = "confirmation"
	KindReminder     = "reminder"
	KindVideoLink    = "video_link"
	KindPaymentNudge = "payment_nudge"
)

// Message carries everything a template needs about one appointment.
type Message struct {
	AppointmentID uuid.UUID
	Name          string
	Email         string
	Phone         string
	DoctorName    string
	StartsAt      time.Time
	VideoURL      string
	PaymentURL    string
}

type Notifier interface {
	SendConfirmation(ctx context.Context, msg Message) error
	SendReminder(ctx context.Context, msg Message) error
	SendVideoLink(ctx context.Context, msg Message) error
	SendPendingPaymentNudge(ctx context.Context, msg Message) error
}

// Noop logs and drops every message. It reports success so sweeps still
// advance their flags in environments without delivery channels.
type Noop struct {
	Logger *logging.Logger
}

func (n Noop) log(kind string, msg Message) error {
	logger := n.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger.Info("notification skipped: no channel configured", "kind", kind, "appointment_id", msg.AppointmentID)
	return nil
}

func (n Noop) SendConfirmation(ctx context.Context, msg Message) error {
	return n.log(KindConfirmation, msg)
}

func (n Noop) SendReminder(ctx context.Context, msg Message) error {
	return n.log(KindReminder, msg)
}

func (n Noop) SendVideoLink(ctx context.Context, msg Message) error {
	return n.log(KindVideoLink, msg)
}

func (n Noop) SendPendingPaymentNudge(ctx context.Context, msg Message) error {
	return n.log(KindPaymentNudge, msg)
}

// Fanout delivers through every channel and succeeds when at least one
// channel delivered. Channels without a recipient are skipped.
type Fanout struct {
	channels []Notifier
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

func NewFanout(logger *logging.Logger, m *metrics.Metrics, channels ...Notifier) *Fanout {
	if logger == nil {
		logger = logging.Default()
	}
	return &Fanout{channels: channels, logger: logger, metrics: m}
}

func (f *Fanout) SendConfirmation(ctx context.Context, msg Message) error {
	return f.send(ctx, KindConfirmation, msg, Notifier.SendConfirmation)
}

func (f *Fanout) SendReminder(ctx context.Context, msg Message) error {
	return f.send(ctx, KindReminder, msg, Notifier.SendReminder)
}

func (f *Fanout) SendVideoLink(ctx context.Context, msg Message) error {
	return f.send(ctx, KindVideoLink, msg, Notifier.SendVideoLink)
}

func (f *Fanout) SendPendingPaymentNudge(ctx context.Context, msg Message) error {
	return f.send(ctx, KindPaymentNudge, msg, Notifier.SendPendingPaymentNudge)
}

func (f *Fanout) send(ctx context.Context, kind string, msg Message, call func(Notifier, context.Context, Message) error) error {
	var (
		delivered bool
		errs      []error
	)
	for _, ch := range f.channels {
		err := call(ch, ctx, msg)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNoRecipient):
		default:
			f.logger.Warn("notification channel failed", "kind", kind, "appointment_id", msg.AppointmentID, "error", err)
			errs = append(errs, err)
		}
	}

	f.metrics.ObserveNotification(kind, delivered)
	if delivered {
		return nil
	}
	if len(errs) == 0 {
		return ErrNoRecipient
	}
	return errors.Join(errs...)
}

// FormatWhen renders an appointment start the way patient messages show it.
func FormatWhen(t time.Time) string {
	return t.Format("02/01") + " às " + t.Format("15:04")
}

// Channels holds the optional delivery channels.
type Channels struct {
	WhatsApp WhatsAppConfig
	Email    EmailConfig
}

// New builds a Fanout over every configured channel, or a Noop when none is.
func New(ch Channels, logger *logging.Logger, m *metrics.Metrics) Notifier {
	var channels []Notifier
	if ch.WhatsApp.Token != "" && ch.WhatsApp.PhoneID != "" {
		channels = append(channels, NewWhatsAppClient(ch.WhatsApp, logger))
	}
	if email := NewEmailNotifier(ch.Email, logger); email != nil {
		channels = append(channels, email)
	}
	if len(channels) == 0 {
		return Noop{Logger: logger}
	}
	return NewFanout(logger, m, channels...)
}
