package payments

import (
	"context"
	"errors"
	"strings"
	"time"
)

// BankTransferProviderConfig configures the BankTransferProvider.
type BankTransferProviderConfig struct {
	// Instructions is surfaced to the customer alongside the payment reference.
	Instructions string
	IDGenerator  func() string
	Clock        func() time.Time
}

// BankTransferProvider implements the Provider interface for manual bank
// transfers. There is no gateway behind it: intents stay pending until an
// operator verifies the transfer and settles the transaction out of band.
type BankTransferProvider struct {
	instructions string
	newID        func() string
	clock        func() time.Time
}

// NewBankTransferProvider constructs the manual bank transfer provider.
func NewBankTransferProvider(cfg BankTransferProviderConfig) (*BankTransferProvider, error) {
	if cfg.IDGenerator == nil {
		return nil, errors.New("bank transfer: id generator is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &BankTransferProvider{
		instructions: strings.TrimSpace(cfg.Instructions),
		newID:        cfg.IDGenerator,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// CreateIntent issues a payment reference the customer quotes on the transfer.
func (p *BankTransferProvider) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("bank transfer: provider is nil")
	}
	reference := "bt_" + p.newID()
	raw := map[string]any{
		"reference": reference,
		"orderId":   strings.TrimSpace(req.OrderID),
		"amount":    req.Amount,
		"currency":  strings.ToUpper(req.Currency),
	}
	if p.instructions != "" {
		raw["instructions"] = p.instructions
	}
	return Intent{
		ID:        reference,
		Provider:  "bank_transfer",
		Status:    StatusPending,
		ExpiresAt: p.clock().Add(72 * time.Hour),
		Raw:       raw,
	}, nil
}

// Confirm reports the intent as still pending; settlement happens through
// operator verification, not through this provider.
func (p *BankTransferProvider) Confirm(_ context.Context, req ConfirmRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("bank transfer: provider is nil")
	}
	return PaymentDetails{
		Provider: "bank_transfer",
		IntentID: strings.TrimSpace(req.IntentID),
		Status:   StatusPending,
	}, nil
}

// Refund records the manual refund instruction.
func (p *BankTransferProvider) Refund(_ context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("bank transfer: provider is nil")
	}
	now := p.clock()
	return PaymentDetails{
		Provider:   "bank_transfer",
		IntentID:   strings.TrimSpace(req.IntentID),
		Status:     StatusRefunded,
		RefundedAt: &now,
		Raw: map[string]any{
			"reason": strings.TrimSpace(req.Reason),
			"manual": true,
		},
	}, nil
}

// Lookup reports the intent as pending; there is no gateway to ask.
func (p *BankTransferProvider) Lookup(_ context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("bank transfer: provider is nil")
	}
	return PaymentDetails{
		Provider: "bank_transfer",
		IntentID: strings.TrimSpace(req.IntentID),
		Status:   StatusPending,
	}, nil
}

var _ Provider = (*BankTransferProvider)(nil)
