package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been fully refunded.
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedMethod is returned when the manager cannot locate a provider
// for the requested payment method.
var ErrUnsupportedMethod = errors.New("payments: unsupported payment method")

// IntentRequest captures the payload required to open a payment with a gateway.
type IntentRequest struct {
	OrderID        string
	UserID         string
	Amount         int64
	Currency       string
	Description    string
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent represents the gateway-side payment the client completes.
type Intent struct {
	ID           string
	Provider     string
	ClientSecret string
	RedirectURL  string
	Status       Status
	ExpiresAt    time.Time
	Raw          map[string]any
}

// ConfirmRequest contains the data required to confirm a gateway payment.
type ConfirmRequest struct {
	IntentID       string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundRequest defines a gateway refund attempt, optionally partial.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest returns provider specific payment details for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises gateway specific fields for storage.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider defines the contract for payment gateway adapters.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	Lookup(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager routes gateway calls to the provider registered for a payment method.
type Manager struct {
	providers map[string]Provider
}

// NewManager constructs a Manager over the supplied providers, keyed by
// payment method name.
func NewManager(providers map[string]Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	return &Manager{providers: copyMap}, nil
}

// Supports reports whether a provider is registered for the method.
func (m *Manager) Supports(method string) bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[strings.TrimSpace(strings.ToLower(method))]
	return ok
}

func (m *Manager) resolve(method string) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	key := strings.TrimSpace(strings.ToLower(method))
	if key == "" {
		return "", nil, ErrUnsupportedMethod
	}
	provider, ok := m.providers[key]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, key)
	}
	return key, provider, nil
}

// CreateIntent delegates to the provider registered for the method.
func (m *Manager) CreateIntent(ctx context.Context, method string, req IntentRequest) (Intent, error) {
	key, provider, err := m.resolve(method)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// Confirm delegates to the provider registered for the method.
func (m *Manager) Confirm(ctx context.Context, method string, req ConfirmRequest) (PaymentDetails, error) {
	_, provider, err := m.resolve(method)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Confirm(ctx, req)
}

// Refund delegates to the provider registered for the method.
func (m *Manager) Refund(ctx context.Context, method string, req RefundRequest) (PaymentDetails, error) {
	_, provider, err := m.resolve(method)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Refund(ctx, req)
}

// Lookup delegates to the provider registered for the method.
func (m *Manager) Lookup(ctx context.Context, method string, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolve(method)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Lookup(ctx, req)
}
