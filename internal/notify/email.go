package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

const sendPath = "/v3/mail/send"

type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// EmailNotifier sends plain-text appointment e-mails through SendGrid.
type EmailNotifier struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

// NewEmailNotifier returns nil when no API key is configured.
func NewEmailNotifier(cfg EmailConfig, logger *logging.Logger) *EmailNotifier {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = "Clinic"
	}
	return &EmailNotifier{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

// WithBaseURL points the client at another SendGrid-compatible host.
func (e *EmailNotifier) WithBaseURL(u string) *EmailNotifier {
	e.client.BaseURL = strings.TrimRight(u, "/") + sendPath
	return e
}

func (e *EmailNotifier) SendConfirmation(ctx context.Context, msg Message) error {
	return e.send(ctx, msg, "Consulta confirmada",
		fmt.Sprintf("Olá %s, sua consulta de %s está confirmada.", msg.Name, FormatWhen(msg.StartsAt)))
}

func (e *EmailNotifier) SendReminder(ctx context.Context, msg Message) error {
	return e.send(ctx, msg, "Lembrete de consulta",
		fmt.Sprintf("Olá %s, lembramos da sua consulta com %s em %s.", msg.Name, msg.DoctorName, FormatWhen(msg.StartsAt)))
}

func (e *EmailNotifier) SendVideoLink(ctx context.Context, msg Message) error {
	if msg.VideoURL == "" {
		return fmt.Errorf("notify: appointment %s has no video url", msg.AppointmentID)
	}
	return e.send(ctx, msg, "Link da sua teleconsulta",
		fmt.Sprintf("Olá %s, sua teleconsulta começa em breve: %s", msg.Name, msg.VideoURL))
}

func (e *EmailNotifier) SendPendingPaymentNudge(ctx context.Context, msg Message) error {
	return e.send(ctx, msg, "Pagamento pendente",
		fmt.Sprintf("Olá %s, o pagamento da sua consulta com %s ainda está pendente. Conclua em: %s", msg.Name, msg.DoctorName, msg.PaymentURL))
}

func (e *EmailNotifier) send(ctx context.Context, msg Message, subject, body string) error {
	if e == nil || e.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	if msg.Email == "" {
		return ErrNoRecipient
	}

	from := mail.NewEmail(e.fromName, e.fromEmail)
	to := mail.NewEmail(msg.Name, msg.Email)
	message := mail.NewSingleEmail(from, subject, to, body, body)

	resp, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		e.logger.Error("sendgrid send failed", "error", err, "appointment_id", msg.AppointmentID)
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		e.logger.Error("sendgrid returned error status", "status", resp.StatusCode, "body", resp.Body)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}

	e.logger.Info("email sent", "subject", subject, "appointment_id", msg.AppointmentID, "status", resp.StatusCode)
	return nil
}
