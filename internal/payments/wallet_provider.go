package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WalletLogger defines the logging contract for wallet gateway operations.
type WalletLogger func(ctx context.Context, event string, fields map[string]any)

// WalletProviderConfig configures a WalletProvider. The same implementation
// serves JazzCash and EasyPaisa; they differ only in endpoint and credentials.
type WalletProviderConfig struct {
	Name          string
	BaseURL       string
	MerchantID    string
	IntegritySalt string
	ReturnURL     string
	HTTPClient    *http.Client
	Logger        WalletLogger
	Clock         func() time.Time
}

// WalletProvider implements the Provider interface against mobile wallet
// gateways that authenticate requests with an HMAC-SHA256 signature.
type WalletProvider struct {
	name       string
	baseURL    string
	merchantID string
	salt       []byte
	returnURL  string
	httpClient *http.Client
	logger     WalletLogger
	clock      func() time.Time
}

// NewWalletProvider constructs a wallet Provider using the given configuration.
func NewWalletProvider(cfg WalletProviderConfig) (*WalletProvider, error) {
	name := strings.TrimSpace(strings.ToLower(cfg.Name))
	if name == "" {
		return nil, errors.New("wallet: provider name is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("wallet: %s base url is required", name)
	}
	merchantID := strings.TrimSpace(cfg.MerchantID)
	salt := strings.TrimSpace(cfg.IntegritySalt)
	if merchantID == "" || salt == "" {
		return nil, fmt.Errorf("wallet: %s merchant id and integrity salt are required", name)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &WalletProvider{
		name:       name,
		baseURL:    baseURL,
		merchantID: merchantID,
		salt:       []byte(salt),
		returnURL:  strings.TrimSpace(cfg.ReturnURL),
		httpClient: httpClient,
		logger:     logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// CreateIntent registers a wallet payment and returns the redirect the
// customer completes in the wallet app.
func (p *WalletProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("wallet: provider is nil")
	}

	returnURL := strings.TrimSpace(req.ReturnURL)
	if returnURL == "" {
		returnURL = p.returnURL
	}

	fields := map[string]string{
		"merchant_id": p.merchantID,
		"order_ref":   strings.TrimSpace(req.OrderID),
		"amount":      strconv.FormatInt(req.Amount, 10),
		"currency":    strings.ToUpper(req.Currency),
		"description": strings.TrimSpace(req.Description),
		"return_url":  returnURL,
		"timestamp":   strconv.FormatInt(p.clock().Unix(), 10),
	}
	fields["signature"] = p.sign(fields)

	var resp walletPaymentResponse
	if err := p.call(ctx, http.MethodPost, "/v1/payments", fields, &resp); err != nil {
		return Intent{}, fmt.Errorf("%s: create payment: %w", p.name, err)
	}

	p.logger(ctx, "payments."+p.name+".payment.created", map[string]any{
		"transactionId": resp.TransactionID,
		"status":        resp.Status,
	})

	return Intent{
		ID:          resp.TransactionID,
		Provider:    p.name,
		RedirectURL: resp.RedirectURL,
		Status:      walletStatus(resp.Status),
		ExpiresAt:   p.clock().Add(time.Hour),
		Raw:         resp.raw(),
	}, nil
}

// Confirm polls the gateway for the final state of a wallet payment.
func (p *WalletProvider) Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("wallet: provider is nil")
	}
	return p.Lookup(ctx, LookupRequest{IntentID: req.IntentID})
}

// Refund reverses a captured wallet payment.
func (p *WalletProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("wallet: provider is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return PaymentDetails{}, fmt.Errorf("%s: transaction id is required", p.name)
	}

	fields := map[string]string{
		"merchant_id":    p.merchantID,
		"transaction_id": id,
		"reason":         strings.TrimSpace(req.Reason),
		"timestamp":      strconv.FormatInt(p.clock().Unix(), 10),
	}
	if req.Amount != nil {
		fields["amount"] = strconv.FormatInt(*req.Amount, 10)
	}
	fields["signature"] = p.sign(fields)

	var resp walletPaymentResponse
	path := fmt.Sprintf("/v1/payments/%s/refund", url.PathEscape(id))
	if err := p.call(ctx, http.MethodPost, path, fields, &resp); err != nil {
		return PaymentDetails{}, fmt.Errorf("%s: refund payment: %w", p.name, err)
	}

	p.logger(ctx, "payments."+p.name+".payment.refunded", map[string]any{
		"transactionId": id,
		"status":        resp.Status,
	})

	details := resp.details(p.name)
	if req.Amount == nil {
		details.Status = StatusRefunded
	}
	now := p.clock()
	details.RefundedAt = &now
	return details, nil
}

// Lookup retrieves a wallet payment.
func (p *WalletProvider) Lookup(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("wallet: provider is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return PaymentDetails{}, fmt.Errorf("%s: transaction id is required", p.name)
	}

	fields := map[string]string{
		"merchant_id":    p.merchantID,
		"transaction_id": id,
		"timestamp":      strconv.FormatInt(p.clock().Unix(), 10),
	}
	fields["signature"] = p.sign(fields)

	var resp walletPaymentResponse
	path := fmt.Sprintf("/v1/payments/%s/status", url.PathEscape(id))
	if err := p.call(ctx, http.MethodPost, path, fields, &resp); err != nil {
		return PaymentDetails{}, fmt.Errorf("%s: lookup payment: %w", p.name, err)
	}
	return resp.details(p.name), nil
}

// sign computes the HMAC-SHA256 of the sorted key=value pairs. The signature
// field itself is excluded from the canonical string.
func (p *WalletProvider) sign(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if key == "signature" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var canonical strings.Builder
	for i, key := range keys {
		if i > 0 {
			canonical.WriteByte('&')
		}
		canonical.WriteString(key)
		canonical.WriteByte('=')
		canonical.WriteString(fields[key])
	}

	mac := hmac.New(sha256.New, p.salt)
	mac.Write([]byte(canonical.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *WalletProvider) call(ctx context.Context, method, path string, payload map[string]string, out *walletPaymentResponse) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type walletPaymentResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	RedirectURL   string `json:"redirect_url"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	ResponseCode  string `json:"response_code"`
	Message       string `json:"message"`
}

func (r walletPaymentResponse) details(provider string) PaymentDetails {
	return PaymentDetails{
		Provider: provider,
		IntentID: r.TransactionID,
		Status:   walletStatus(r.Status),
		Amount:   r.Amount,
		Currency: strings.ToUpper(r.Currency),
		Raw:      r.raw(),
	}
}

func (r walletPaymentResponse) raw() map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(r); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}

func walletStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "success", "succeeded", "paid":
		return StatusSucceeded
	case "failed", "declined", "expired", "cancelled":
		return StatusFailed
	case "refunded", "reversed":
		return StatusRefunded
	default:
		return StatusPending
	}
}

var _ Provider = (*WalletProvider)(nil)
