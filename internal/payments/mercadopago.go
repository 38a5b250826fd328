package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

var mercadoPagoTracer = otel.Tracer("clinic.internal.payments.mercadopago")

const defaultMercadoPagoURL = "https://api.mercadopago.com"

// MercadoPagoClient talks to the Mercado Pago REST API.
type MercadoPagoClient struct {
	accessToken string
	baseURL     string
	httpClient  *http.Client
	logger      *logging.Logger
}

func NewMercadoPagoClient(accessToken string, timeout time.Duration, logger *logging.Logger) *MercadoPagoClient {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MercadoPagoClient{
		accessToken: accessToken,
		baseURL:     defaultMercadoPagoURL,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// WithBaseURL overrides the API host (sandbox, tests).
func (c *MercadoPagoClient) WithBaseURL(baseURL string) *MercadoPagoClient {
	if baseURL == "" {
		return c
	}
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *MercadoPagoClient) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	ctx, span := mercadoPagoTracer.Start(ctx, "mercadopago.create_preference")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", req.AppointmentID.String()))

	body := map[string]any{
		"external_reference": req.AppointmentID.String(),
		"items": []map[string]any{
			{
				"id":          req.AppointmentID.String(),
				"title":       req.Description,
				"quantity":    1,
				"currency_id": req.Currency,
				"unit_price":  float64(req.AmountCents) / 100,
			},
		},
		"back_urls": map[string]string{
			"success": req.ReturnURLs.Success,
			"pending": req.ReturnURLs.Pending,
			"failure": req.ReturnURLs.Failure,
		},
	}
	if req.ReturnURLs.Success != "" {
		body["auto_return"] = "approved"
	}
	if req.PayerEmail != "" {
		body["payer"] = map[string]string{"email": req.PayerEmail}
	}

	var parsed struct {
		ID        string `json:"id"`
		InitPoint string `json:"init_point"`
	}
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", body, &parsed); err != nil {
		return nil, err
	}
	if parsed.ID == "" || parsed.InitPoint == "" {
		return nil, fmt.Errorf("payments: mercadopago preference response missing id or init_point")
	}

	return &Preference{
		ProcessorID:  parsed.ID,
		PreferenceID: parsed.ID,
		RedirectURL:  parsed.InitPoint,
	}, nil
}

// paymentResource is the subset of /v1/payments responses the client reads.
type paymentResource struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount float64     `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
	PaymentMethodID   string      `json:"payment_method_id"`
	Payer             struct {
		Email string `json:"email"`
	} `json:"payer"`
}

func (p paymentResource) detail() *PaymentDetail {
	return &PaymentDetail{
		ID:                p.ID.String(),
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		AmountCents:       int64(math.Round(p.TransactionAmount * 100)),
		Currency:          p.CurrencyID,
		PayerEmail:        p.Payer.Email,
		PaymentMethodID:   p.PaymentMethodID,
	}
}

// CreatePayment charges a card token directly through POST /v1/payments.
func (c *MercadoPagoClient) CreatePayment(ctx context.Context, req CardPaymentRequest) (*PaymentDetail, error) {
	ctx, span := mercadoPagoTracer.Start(ctx, "mercadopago.create_payment")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", req.AppointmentID.String()))

	installments := req.Installments
	if installments < 1 {
		installments = 1
	}
	payer := map[string]any{"email": req.PayerEmail}
	if req.IdentificationNumber != "" {
		payer["identification"] = map[string]string{
			"type":   req.IdentificationType,
			"number": req.IdentificationNumber,
		}
	}
	body := map[string]any{
		"transaction_amount": float64(req.AmountCents) / 100,
		"token":              req.Token,
		"description":        req.Description,
		"installments":       installments,
		"payment_method_id":  req.PaymentMethodID,
		"external_reference": req.AppointmentID.String(),
		"payer":              payer,
		"metadata":           map[string]string{"appointment_id": req.AppointmentID.String()},
	}
	if req.IssuerID != "" {
		body["issuer_id"] = req.IssuerID
	}
	if req.NotificationURL != "" {
		body["notification_url"] = req.NotificationURL
	}

	var parsed paymentResource
	err := c.do(ctx, http.MethodPost, "/v1/payments", body, &parsed, func(r *http.Request) {
		if req.IdempotencyKey != "" {
			r.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
		}
	})
	if err != nil {
		return nil, err
	}
	if parsed.ID.String() == "" {
		return nil, fmt.Errorf("payments: mercadopago payment response missing id")
	}
	span.SetAttributes(attribute.String("payment.processor_id", parsed.ID.String()))
	return parsed.detail(), nil
}

func (c *MercadoPagoClient) GetPayment(ctx context.Context, id string) (*PaymentDetail, error) {
	ctx, span := mercadoPagoTracer.Start(ctx, "mercadopago.get_payment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.processor_id", id))

	var parsed paymentResource
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &parsed); err != nil {
		return nil, err
	}
	return parsed.detail(), nil
}

// GetSubscriptionStatus reports whether a preapproval is authorized.
func (c *MercadoPagoClient) GetSubscriptionStatus(ctx context.Context, id string) (bool, error) {
	ctx, span := mercadoPagoTracer.Start(ctx, "mercadopago.get_preapproval")
	defer span.End()

	var parsed struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/preapproval/"+url.PathEscape(id), nil, &parsed); err != nil {
		return false, err
	}
	return parsed.Status == "authorized", nil
}

func (c *MercadoPagoClient) do(ctx context.Context, method, path string, payload any, out any, decorate ...func(*http.Request)) error {
	var reader io.Reader
	if payload != nil {
		reqBody, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("payments: mercadopago payload: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("payments: mercadopago request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, d := range decorate {
		d(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("mercadopago unavailable", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d: %s", ErrGatewayUnavailable, resp.StatusCode, string(body))
	case resp.StatusCode >= http.StatusMultipleChoices:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: mercadopago status %d: %s", ErrInvalidRequest, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payments: mercadopago decode: %w", err)
	}
	return nil
}
