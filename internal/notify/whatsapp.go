package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

const (
	defaultGraphURL   = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"
	languageCode      = "pt_BR"
	jitsiPrefix       = "https://meet.jit.si/"

	templateConfirmation = "confirmacao_agendamento"
	templateReminder     = "lembrete_consulta_24h"
	templateVideoLink    = "link_videochamada_v2"
	templatePaymentNudge = "cobranca_pix_pendente"
)

type templateParam struct {
	Type  string      `json:"type"`
	Text  string      `json:"text,omitempty"`
	Image *imageParam `json:"image,omitempty"`
}

type imageParam struct {
	Link string `json:"link"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	SubType    string          `json:"sub_type,omitempty"`
	Index      string          `json:"index,omitempty"`
	Parameters []templateParam `json:"parameters"`
}

type templateMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []templateComponent `json:"components"`
	} `json:"template"`
}

// WhatsAppConfig configures the Cloud API template sender.
type WhatsAppConfig struct {
	Token      string
	PhoneID    string
	APIVersion string
	Timeout    time.Duration
	// NudgeImageURL, when set, is sent as the header image of payment nudges.
	NudgeImageURL string
}

// WhatsAppClient sends pre-approved message templates through the WhatsApp Cloud API.
type WhatsAppClient struct {
	httpClient *http.Client
	baseURL    string
	cfg        WhatsAppConfig
	logger     *logging.Logger
}

func NewWhatsAppClient(cfg WhatsAppConfig, logger *logging.Logger) *WhatsAppClient {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WhatsAppClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    defaultGraphURL,
		cfg:        cfg,
		logger:     logger,
	}
}

// WithBaseURL points the client at another Graph API host.
func (c *WhatsAppClient) WithBaseURL(u string) *WhatsAppClient {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

func (c *WhatsAppClient) SendConfirmation(ctx context.Context, msg Message) error {
	return c.sendTemplate(ctx, msg.Phone, templateConfirmation, []templateComponent{
		bodyComponent(msg.Name, FormatWhen(msg.StartsAt)),
	})
}

func (c *WhatsAppClient) SendReminder(ctx context.Context, msg Message) error {
	return c.sendTemplate(ctx, msg.Phone, templateReminder, []templateComponent{
		bodyComponent(msg.Name, FormatWhen(msg.StartsAt), msg.DoctorName),
	})
}

func (c *WhatsAppClient) SendVideoLink(ctx context.Context, msg Message) error {
	if msg.VideoURL == "" {
		return fmt.Errorf("notify: appointment %s has no video url", msg.AppointmentID)
	}
	room := strings.TrimPrefix(msg.VideoURL, jitsiPrefix)
	return c.sendTemplate(ctx, msg.Phone, templateVideoLink, []templateComponent{
		bodyComponent(msg.Name),
		{
			Type:       "button",
			SubType:    "url",
			Index:      "0",
			Parameters: []templateParam{{Type: "text", Text: room}},
		},
	})
}

func (c *WhatsAppClient) SendPendingPaymentNudge(ctx context.Context, msg Message) error {
	components := make([]templateComponent, 0, 2)
	if c.cfg.NudgeImageURL != "" {
		components = append(components, templateComponent{
			Type:       "header",
			Parameters: []templateParam{{Type: "image", Image: &imageParam{Link: c.cfg.NudgeImageURL}}},
		})
	}
	components = append(components, bodyComponent(msg.Name, msg.DoctorName, msg.PaymentURL))
	return c.sendTemplate(ctx, msg.Phone, templatePaymentNudge, components)
}

func bodyComponent(texts ...string) templateComponent {
	params := make([]templateParam, 0, len(texts))
	for _, t := range texts {
		params = append(params, templateParam{Type: "text", Text: t})
	}
	return templateComponent{Type: "body", Parameters: params}
}

// NormalizePhone keeps digits only and prefixes the Brazilian country code
// to 10 or 11 digit national numbers.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	phone := b.String()
	if !strings.HasPrefix(phone, "55") && (len(phone) == 10 || len(phone) == 11) {
		phone = "55" + phone
	}
	return phone
}

func (c *WhatsAppClient) sendTemplate(ctx context.Context, rawPhone, template string, components []templateComponent) error {
	phone := NormalizePhone(rawPhone)
	if phone == "" {
		return ErrNoRecipient
	}
	if c.cfg.Token == "" || c.cfg.PhoneID == "" {
		return fmt.Errorf("notify: whatsapp credentials missing")
	}

	var payload templateMessage
	payload.MessagingProduct = "whatsapp"
	payload.To = phone
	payload.Type = "template"
	payload.Template.Name = template
	payload.Template.Language.Code = languageCode
	payload.Template.Components = components

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal whatsapp payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.cfg.APIVersion, c.cfg.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("whatsapp api error", "status", resp.StatusCode, "template", template, "body", string(respBody))
		return fmt.Errorf("notify: whatsapp returned status %d", resp.StatusCode)
	}

	c.logger.Info("whatsapp template sent", "template", template, "to", phone)
	return nil
}
