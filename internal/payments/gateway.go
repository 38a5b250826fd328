package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrGatewayUnavailable marks transport failures, timeouts and 5xx/429
	// answers from the processor. Callers may retry.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	ErrNotFound           = errors.New("payments: resource not found at processor")
	// ErrInvalidRequest marks any other 4xx answer, such as an expired card token.
	ErrInvalidRequest     = errors.New("payments: request rejected by processor")
)

// Processor payment statuses as reported by Mercado Pago.
const (
	ProcessorApproved  = "approved"
	ProcessorRejected  = "rejected"
	ProcessorCancelled = "cancelled"
	ProcessorRefunded  = "refunded"
	ProcessorPending   = "pending"
)

type ReturnURLs struct {
	Success string
	Pending string
	Failure string
}

type PreferenceRequest struct {
	AppointmentID uuid.UUID // sent as external_reference
	AmountCents   int64
	Currency      string
	Description   string
	PayerEmail    string
	ReturnURLs    ReturnURLs
}

// Preference is the checkout handle returned for a new booking.
type Preference struct {
	ProcessorID  string
	PreferenceID string
	RedirectURL  string
}

// CardPaymentRequest charges a card token produced by the processor's
// browser SDK (transparent checkout).
type CardPaymentRequest struct {
	AppointmentID        uuid.UUID // sent as external_reference
	AmountCents          int64
	Description          string
	Token                string
	Installments         int
	PaymentMethodID      string
	IssuerID             string
	PayerEmail           string
	IdentificationType   string
	IdentificationNumber string
	NotificationURL      string
	// IdempotencyKey makes a resubmitted charge return the first result.
	IdempotencyKey       string
}

// PaymentDetail is the processor's view of a payment.
type PaymentDetail struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	AmountCents       int64
	Currency          string
	PayerEmail        string
	PaymentMethodID   string
}

// Gateway is the payment processor capability.
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
	CreatePayment(ctx context.Context, req CardPaymentRequest) (*PaymentDetail, error)
	GetPayment(ctx context.Context, id string) (*PaymentDetail, error)
	GetSubscriptionStatus(ctx context.Context, id string) (bool, error)
}
