package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PayPalLogger defines the logging contract for PayPal provider operations.
type PayPalLogger func(ctx context.Context, event string, fields map[string]any)

// PayPalProviderConfig configures the PayPalProvider.
type PayPalProviderConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	HTTPClient   *http.Client
	Logger       PayPalLogger
	Clock        func() time.Time
}

// PayPalProvider implements the Provider interface against the PayPal Orders v2 API.
type PayPalProvider struct {
	baseURL      string
	clientID     string
	clientSecret string
	returnURL    string
	cancelURL    string
	httpClient   *http.Client
	logger       PayPalLogger
	clock        func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider constructs a PayPal Provider using the given configuration.
func NewPayPalProvider(cfg PayPalProviderConfig) (*PayPalProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api-m.paypal.com"
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("paypal: client id and secret are required")
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

	return &PayPalProvider{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		returnURL:    strings.TrimSpace(cfg.ReturnURL),
		cancelURL:    strings.TrimSpace(cfg.CancelURL),
		httpClient:   httpClient,
		logger:       logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// CreateIntent opens a PayPal order the customer approves via redirect.
func (p *PayPalProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("paypal: provider is nil")
	}

	returnURL := strings.TrimSpace(req.ReturnURL)
	if returnURL == "" {
		returnURL = p.returnURL
	}
	cancelURL := strings.TrimSpace(req.CancelURL)
	if cancelURL == "" {
		cancelURL = p.cancelURL
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"reference_id": strings.TrimSpace(req.OrderID),
				"custom_id":    strings.TrimSpace(req.OrderID),
				"description":  strings.TrimSpace(req.Description),
				"amount": map[string]any{
					"currency_code": strings.ToUpper(req.Currency),
					"value":         formatGatewayAmount(req.Amount, req.Currency),
				},
			},
		},
	}
	if returnURL != "" || cancelURL != "" {
		payload["application_context"] = map[string]any{
			"return_url": returnURL,
			"cancel_url": cancelURL,
		}
	}

	var resp paypalOrderResponse
	if err := p.call(ctx, http.MethodPost, "/v2/checkout/orders", req.IdempotencyKey, payload, &resp); err != nil {
		return Intent{}, fmt.Errorf("paypal: create order: %w", err)
	}

	p.logger(ctx, "payments.paypal.order.created", map[string]any{
		"paypalOrder": resp.ID,
		"status":      resp.Status,
	})

	return Intent{
		ID:          resp.ID,
		Provider:    "paypal",
		RedirectURL: resp.approveLink(),
		Status:      StatusPending,
		ExpiresAt:   p.clock().Add(3 * time.Hour),
		Raw:         resp.raw(),
	}, nil
}

// Confirm captures an approved PayPal order.
func (p *PayPalProvider) Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("paypal: provider is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return PaymentDetails{}, errors.New("paypal: order id is required")
	}

	var resp paypalOrderResponse
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", url.PathEscape(id))
	if err := p.call(ctx, http.MethodPost, path, req.IdempotencyKey, map[string]any{}, &resp); err != nil {
		return PaymentDetails{}, fmt.Errorf("paypal: capture order: %w", err)
	}

	p.logger(ctx, "payments.paypal.order.captured", map[string]any{
		"paypalOrder": resp.ID,
		"status":      resp.Status,
	})
	return resp.details(), nil
}

// Refund refunds the capture behind a PayPal order.
func (p *PayPalProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("paypal: provider is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return PaymentDetails{}, errors.New("paypal: order id is required")
	}

	var order paypalOrderResponse
	if err := p.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(id), "", nil, &order); err != nil {
		return PaymentDetails{}, fmt.Errorf("paypal: lookup order for refund: %w", err)
	}
	captureID := order.captureID()
	if captureID == "" {
		return PaymentDetails{}, errors.New("paypal: order has no capture to refund")
	}

	payload := map[string]any{}
	if req.Amount != nil {
		payload["amount"] = map[string]any{
			"currency_code": strings.ToUpper(order.currency()),
			"value":         formatGatewayAmount(*req.Amount, order.currency()),
		}
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		payload["note_to_payer"] = reason
	}

	var refund paypalRefundResponse
	path := fmt.Sprintf("/v2/payments/captures/%s/refund", url.PathEscape(captureID))
	if err := p.call(ctx, http.MethodPost, path, req.IdempotencyKey, payload, &refund); err != nil {
		return PaymentDetails{}, fmt.Errorf("paypal: refund capture: %w", err)
	}

	p.logger(ctx, "payments.paypal.capture.refunded", map[string]any{
		"paypalOrder":  id,
		"capture":      captureID,
		"refundStatus": refund.Status,
	})

	details := order.details()
	if req.Amount == nil {
		details.Status = StatusRefunded
	}
	now := p.clock()
	details.RefundedAt = &now
	return details, nil
}

// Lookup retrieves a PayPal order.
func (p *PayPalProvider) Lookup(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("paypal: provider is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return PaymentDetails{}, errors.New("paypal: order id is required")
	}
	var resp paypalOrderResponse
	if err := p.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(id), "", nil, &resp); err != nil {
		return PaymentDetails{}, fmt.Errorf("paypal: lookup order: %w", err)
	}
	return resp.details(), nil
}

func (p *PayPalProvider) call(ctx context.Context, method, path, idempotencyKey string, payload any, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("PayPal-Request-Id", key)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("paypal responded %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (p *PayPalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && p.clock().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal: fetch token: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal: token endpoint responded %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("paypal: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("paypal: token response missing access token")
	}

	p.accessToken = payload.AccessToken
	// Renew a minute early to avoid using a token that expires mid-request.
	p.tokenExpiry = p.clock().Add(time.Duration(payload.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
	PurchaseUnits []struct {
		Amount struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type paypalRefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (r paypalOrderResponse) approveLink() string {
	for _, link := range r.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

func (r paypalOrderResponse) captureID() string {
	for _, unit := range r.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			if capture.ID != "" {
				return capture.ID
			}
		}
	}
	return ""
}

func (r paypalOrderResponse) currency() string {
	for _, unit := range r.PurchaseUnits {
		if unit.Amount.CurrencyCode != "" {
			return unit.Amount.CurrencyCode
		}
	}
	return ""
}

func (r paypalOrderResponse) amount() int64 {
	for _, unit := range r.PurchaseUnits {
		if unit.Amount.Value != "" {
			return parseGatewayAmount(unit.Amount.Value, unit.Amount.CurrencyCode)
		}
	}
	return 0
}

func (r paypalOrderResponse) details() PaymentDetails {
	status := StatusPending
	switch strings.ToUpper(r.Status) {
	case "COMPLETED":
		status = StatusSucceeded
	case "VOIDED":
		status = StatusFailed
	}
	return PaymentDetails{
		Provider: "paypal",
		IntentID: r.ID,
		Status:   status,
		Amount:   r.amount(),
		Currency: strings.ToUpper(r.currency()),
		Raw:      r.raw(),
	}
}

func (r paypalOrderResponse) raw() map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(r); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}

// zeroDecimalCurrencies lists ISO currencies whose minor unit equals the
// major unit, so gateway amounts carry no decimal point.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
}

func formatGatewayAmount(amount int64, currency string) string {
	if zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))] {
		return strconv.FormatInt(amount, 10)
	}
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

func parseGatewayAmount(value string, currency string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))] {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	}
	parts := strings.SplitN(value, ".", 2)
	major, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0
	}
	var minor int64
	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		minor, _ = strconv.ParseInt(frac, 10, 64)
	}
	return major*100 + minor
}

var _ Provider = (*PayPalProvider)(nil)
