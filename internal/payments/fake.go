package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

// FakeGateway is an in-memory processor for local runs and tests.
// It must only be enabled with ALLOW_FAKE_PAYMENTS.
type FakeGateway struct {
	mu            sync.Mutex
	payments      map[string]PaymentDetail
	subscriptions map[string]bool
	preferences   []PreferenceRequest
	charges       map[string]string // idempotency key to payment id
	redirectBase  string
	logger        *logging.Logger

	// Err, when set, is returned by every call.
	Err error

	// CardStatus is the processor status given to card charges. Defaults to approved.
	CardStatus string
}

func NewFakeGateway(redirectBase string, logger *logging.Logger) *FakeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeGateway{
		payments:      make(map[string]PaymentDetail),
		subscriptions: make(map[string]bool),
		charges:       make(map[string]string),
		redirectBase:  redirectBase,
		logger:        logger,
	}
}

func (g *FakeGateway) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	if err := g.fail(ctx); err != nil {
		return nil, err
	}
	if req.AppointmentID == uuid.Nil {
		return nil, fmt.Errorf("payments: fake preference requires appointment id")
	}
	id := "fake-pref-" + uuid.NewString()
	g.mu.Lock()
	g.preferences = append(g.preferences, req)
	g.mu.Unlock()
	g.logger.Debug("fake preference created", "appointment_id", req.AppointmentID, "preference_id", id)
	return &Preference{
		ProcessorID:  id,
		PreferenceID: id,
		RedirectURL:  fmt.Sprintf("%s?preference_id=%s", g.redirectBase, id),
	}, nil
}

// CreatePayment charges a card token. A token of "invalid" is refused the
// way the processor refuses an expired token.
func (g *FakeGateway) CreatePayment(ctx context.Context, req CardPaymentRequest) (*PaymentDetail, error) {
	if err := g.fail(ctx); err != nil {
		return nil, err
	}
	if req.Token == "" || req.Token == "invalid" {
		return nil, fmt.Errorf("%w: card token %q", ErrInvalidRequest, req.Token)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		detail := g.payments[id]
		return &detail, nil
	}

	status := g.CardStatus
	if status == "" {
		status = ProcessorApproved
	}
	detail := PaymentDetail{
		ID:                "fake-pay-" + uuid.NewString(),
		Status:            status,
		StatusDetail:      "fake_" + status,
		ExternalReference: req.AppointmentID.String(),
		AmountCents:       req.AmountCents,
		Currency:          "BRL",
		PayerEmail:        req.PayerEmail,
		PaymentMethodID:   req.PaymentMethodID,
	}
	g.payments[detail.ID] = detail
	if req.IdempotencyKey != "" {
		g.charges[req.IdempotencyKey] = detail.ID
	}
	g.logger.Debug("fake card payment created", "appointment_id", req.AppointmentID, "payment_id", detail.ID, "status", status)
	return &detail, nil
}

// Preferences returns every preference request accepted so far.
func (g *FakeGateway) Preferences() []PreferenceRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PreferenceRequest(nil), g.preferences...)
}

// SetPayment records what GetPayment will report for detail.ID.
func (g *FakeGateway) SetPayment(detail PaymentDetail) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[detail.ID] = detail
}

func (g *FakeGateway) SetSubscription(id string, authorized bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscriptions[id] = authorized
}

func (g *FakeGateway) GetPayment(ctx context.Context, id string) (*PaymentDetail, error) {
	if err := g.fail(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	detail, ok := g.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, id)
	}
	return &detail, nil
}

func (g *FakeGateway) GetSubscriptionStatus(ctx context.Context, id string) (bool, error) {
	if err := g.fail(ctx); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subscriptions[id], nil
}

func (g *FakeGateway) fail(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Err
}
