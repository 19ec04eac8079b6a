package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/payments"
	"github.com/clearbay/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput indicates the caller supplied invalid payment parameters.
	ErrPaymentInvalidInput = errors.New("payment service: invalid input")
	// ErrPaymentNotFound indicates the transaction or order does not exist.
	ErrPaymentNotFound = errors.New("payment service: not found")
	// ErrPaymentUnavailable indicates the payment backend cannot fulfil the request.
	ErrPaymentUnavailable = errors.New("payment service: unavailable")
	// ErrPaymentInvalidState indicates the transaction status forbids the operation.
	ErrPaymentInvalidState = errors.New("payment service: invalid transaction state")
	// ErrPaymentAlreadyPaid indicates the order is already settled.
	ErrPaymentAlreadyPaid = errors.New("payment service: order already paid")
	// ErrPaymentGateway indicates the gateway rejected the operation.
	ErrPaymentGateway = errors.New("payment service: gateway error")
	// ErrPaymentBadSignature indicates a webhook signature failed verification.
	ErrPaymentBadSignature = errors.New("payment service: invalid webhook signature")
)

// PaymentWebhookSecrets holds per-provider webhook verification material.
type PaymentWebhookSecrets struct {
	// Stripe is the endpoint signing secret used by ConstructEvent.
	Stripe string
	// Wallets maps wallet provider names to their integrity salts.
	Wallets map[string]string
}

// PaymentServiceDeps wires the gateway manager and repositories for payments.
type PaymentServiceDeps struct {
	Transactions    repositories.TransactionRepository
	Orders          repositories.OrderRepository
	Gateways        *payments.Manager
	Notifications   NotificationService
	WebhookSecrets  PaymentWebhookSecrets
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(context.Context, string, map[string]any)
}

type paymentService struct {
	transactions  repositories.TransactionRepository
	orders        repositories.OrderRepository
	gateways      *payments.Manager
	notifications NotificationService
	secrets       PaymentWebhookSecrets
	currency      string
	now           func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
	sanitizer     *bluemonday.Policy
}

// NewPaymentService constructs a PaymentService enforcing dependency validation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Transactions == nil {
		return nil, errors.New("payment service: transaction repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("payment service: gateway manager is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("payment service: clock is required")
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		transactions:  deps.Transactions,
		orders:        deps.Orders,
		gateways:      deps.Gateways,
		notifications: deps.Notifications,
		secrets:       deps.WebhookSecrets,
		currency:      currency,
		now:           func() time.Time { return deps.Clock().UTC() },
		newID:         idGen,
		logger:        logger,
		sanitizer:     bluemonday.StrictPolicy(),
	}, nil
}

// CreateIntent opens a payment attempt with the gateway registered for the
// order's payment method and records it as a pending transaction. Bank
// transfers produce a reference and instructions without a gateway call.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (PaymentIntentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	uid := strings.TrimSpace(cmd.UserID)
	if orderID == "" || uid == "" {
		return PaymentIntentResult{}, fmt.Errorf("%w: order id and user id are required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindForUser(ctx, orderID, uid)
	if err != nil {
		return PaymentIntentResult{}, s.translateRepoError(err)
	}
	switch order.PaymentStatus {
	case domain.PaymentStatusCompleted, domain.PaymentStatusRefunded:
		return PaymentIntentResult{}, ErrPaymentAlreadyPaid
	}
	if order.Status == domain.OrderStatusCancelled {
		return PaymentIntentResult{}, fmt.Errorf("%w: order is cancelled", ErrPaymentInvalidState)
	}

	method := string(order.PaymentMethod)
	if !s.gateways.Supports(method) {
		return PaymentIntentResult{}, fmt.Errorf("%w: no gateway for %s", ErrPaymentInvalidInput, method)
	}

	txnID := s.newID()
	intent, err := s.gateways.CreateIntent(ctx, method, payments.IntentRequest{
		OrderID:        order.ID,
		UserID:         uid,
		Amount:         order.Totals.Total,
		Currency:       s.currency,
		Description:    fmt.Sprintf("Order %s", order.Number),
		ReturnURL:      strings.TrimSpace(cmd.ReturnURL),
		CancelURL:      strings.TrimSpace(cmd.CancelURL),
		Metadata:       map[string]string{"orderNumber": order.Number},
		IdempotencyKey: txnID,
	})
	if err != nil {
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	now := s.now()
	txn := Transaction{
		ID:              txnID,
		OrderID:         order.ID,
		UserID:          uid,
		Method:          order.PaymentMethod,
		Amount:          order.Totals.Total,
		Currency:        s.currency,
		Status:          domain.TransactionStatusPending,
		GatewayID:       intent.ID,
		GatewayResponse: intent.Raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.transactions.Insert(ctx, txn); err != nil {
		return PaymentIntentResult{}, s.translateRepoError(err)
	}

	s.markOrderPayment(ctx, order.ID,
		[]domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusFailed},
		domain.PaymentStatusProcessing, nil)

	s.logger(ctx, "payment.intent.created", map[string]any{
		"orderId":  order.ID,
		"txnId":    txn.ID,
		"method":   method,
		"amount":   txn.Amount,
		"gateway":  intent.Provider,
		"intentId": intent.ID,
	})

	result := PaymentIntentResult{
		Transaction:  txn,
		ClientSecret: intent.ClientSecret,
		RedirectURL:  intent.RedirectURL,
	}
	if instructions, ok := intent.Raw["instructions"].(string); ok {
		result.Instructions = instructions
	}
	return result, nil
}

// Confirm checks the gateway for the attempt's outcome and applies it. A
// transaction that is already completed confirms idempotently.
func (s *paymentService) Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (Transaction, error) {
	txnID := strings.TrimSpace(cmd.TransactionID)
	if txnID == "" {
		return Transaction{}, fmt.Errorf("%w: transaction id is required", ErrPaymentInvalidInput)
	}

	txn, err := s.transactions.FindByID(ctx, txnID)
	if err != nil {
		return Transaction{}, s.translateRepoError(err)
	}
	if uid := strings.TrimSpace(cmd.UserID); uid != "" && txn.UserID != uid {
		return Transaction{}, ErrPaymentNotFound
	}
	if txn.Status == domain.TransactionStatusCompleted {
		return txn, nil
	}
	if txn.Status.Terminal() {
		return Transaction{}, fmt.Errorf("%w: transaction is %s", ErrPaymentInvalidState, txn.Status)
	}

	details, err := s.gateways.Confirm(ctx, string(txn.Method), payments.ConfirmRequest{
		IntentID:       txn.GatewayID,
		IdempotencyKey: txn.ID + ":confirm",
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	return s.applyGatewayOutcome(ctx, txn, details)
}

// HandleWebhook applies an asynchronous gateway event. Stripe events are
// verified against the signing secret; wallet events against the integrity
// salt. Events referencing unknown gateway ids are logged and dropped.
func (s *paymentService) HandleWebhook(ctx context.Context, cmd WebhookCommand) error {
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	if provider == "" || len(cmd.Payload) == 0 {
		return fmt.Errorf("%w: provider and payload are required", ErrPaymentInvalidInput)
	}

	gatewayID, hinted, hintedRaw, hasHint, err := s.parseWebhook(provider, cmd)
	if err != nil {
		return err
	}
	if gatewayID == "" {
		s.logger(ctx, "payment.webhook.no_reference", map[string]any{"provider": provider})
		return nil
	}

	txn, err := s.transactions.FindByGatewayID(ctx, gatewayID)
	if err != nil {
		translated := s.translateRepoError(err)
		if errors.Is(translated, ErrPaymentNotFound) {
			s.logger(ctx, "payment.webhook.unknown_reference", map[string]any{
				"provider":  provider,
				"gatewayId": gatewayID,
			})
			return nil
		}
		return translated
	}

	details := payments.PaymentDetails{Provider: provider, IntentID: gatewayID, Status: hinted, Raw: hintedRaw}
	if !hasHint {
		// Unsigned payloads are only a nudge; the gateway is authoritative.
		details, err = s.gateways.Lookup(ctx, string(txn.Method), payments.LookupRequest{IntentID: gatewayID})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPaymentGateway, err)
		}
	}

	if _, err := s.applyGatewayOutcome(ctx, txn, details); err != nil {
		if errors.Is(err, ErrPaymentInvalidState) {
			// Replayed or out-of-order event against a settled transaction.
			s.logger(ctx, "payment.webhook.stale", map[string]any{
				"provider": provider,
				"txnId":    txn.ID,
				"status":   string(txn.Status),
			})
			return nil
		}
		return err
	}
	return nil
}

// Refund returns money for a completed transaction. A full refund flips the
// transaction to refunded and cancels the order; a partial refund records
// the amount and leaves both statuses alone.
func (s *paymentService) Refund(ctx context.Context, cmd RefundCommand) (Transaction, error) {
	txnID := strings.TrimSpace(cmd.TransactionID)
	if txnID == "" {
		return Transaction{}, fmt.Errorf("%w: transaction id is required", ErrPaymentInvalidInput)
	}

	txn, err := s.transactions.FindByID(ctx, txnID)
	if err != nil {
		return Transaction{}, s.translateRepoError(err)
	}
	if txn.Status != domain.TransactionStatusCompleted {
		return Transaction{}, fmt.Errorf("%w: only completed transactions can be refunded", ErrPaymentInvalidState)
	}

	remaining := txn.Amount - txn.RefundAmount
	amount := remaining
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if amount <= 0 || amount > remaining {
		return Transaction{}, fmt.Errorf("%w: refund amount must be between 1 and %d", ErrPaymentInvalidInput, remaining)
	}
	reason := s.sanitizer.Sanitize(strings.TrimSpace(cmd.Reason))

	if _, err := s.gateways.Refund(ctx, string(txn.Method), payments.RefundRequest{
		IntentID:       txn.GatewayID,
		Amount:         &amount,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("%s:refund:%d", txn.ID, txn.RefundAmount+amount),
	}); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	now := s.now()
	refunded := txn.RefundAmount + amount
	full := refunded >= txn.Amount
	status := domain.TransactionStatusCompleted
	if full {
		status = domain.TransactionStatusRefunded
	}
	update := repositories.TransactionStatusUpdate{
		ExpectedStatus: []domain.TransactionStatus{domain.TransactionStatusCompleted},
		Status:         status,
		RefundAmount:   &refunded,
		RefundReason:   &reason,
		Now:            now,
	}
	if full {
		update.RefundedAt = &now
	}
	updated, err := s.transactions.UpdateStatus(ctx, txn.ID, update)
	if err != nil {
		return Transaction{}, s.translateRepoError(err)
	}

	if full {
		cancelled := domain.OrderStatusCancelled
		s.markOrderPayment(ctx, txn.OrderID,
			[]domain.PaymentStatus{domain.PaymentStatusCompleted},
			domain.PaymentStatusRefunded, &cancelled)
	}
	s.notifyRefund(ctx, updated)

	s.logger(ctx, "payment.refunded", map[string]any{
		"txnId":   updated.ID,
		"orderId": updated.OrderID,
		"amount":  amount,
		"full":    full,
		"actorId": strings.TrimSpace(cmd.ActorID),
	})
	return updated, nil
}

// ConfirmBankTransfer settles a manual transfer after an operator verified
// the funds arrived.
func (s *paymentService) ConfirmBankTransfer(ctx context.Context, cmd ConfirmBankTransferCommand) (Transaction, error) {
	txnID := strings.TrimSpace(cmd.TransactionID)
	reference := strings.TrimSpace(cmd.Reference)
	if txnID == "" || reference == "" {
		return Transaction{}, fmt.Errorf("%w: transaction id and bank reference are required", ErrPaymentInvalidInput)
	}

	txn, err := s.transactions.FindByID(ctx, txnID)
	if err != nil {
		return Transaction{}, s.translateRepoError(err)
	}
	if txn.Method != domain.PaymentMethodBankTransfer {
		return Transaction{}, fmt.Errorf("%w: transaction is not a bank transfer", ErrPaymentInvalidState)
	}
	if txn.Status == domain.TransactionStatusCompleted {
		return txn, nil
	}

	now := s.now()
	updated, err := s.transactions.UpdateStatus(ctx, txn.ID, repositories.TransactionStatusUpdate{
		ExpectedStatus: []domain.TransactionStatus{domain.TransactionStatusPending, domain.TransactionStatusProcessing},
		Status:         domain.TransactionStatusCompleted,
		GatewayResponse: map[string]any{
			"bankReference": reference,
			"verifiedBy":    strings.TrimSpace(cmd.ActorID),
			"verifiedAt":    now.Format(time.RFC3339),
		},
		Now: now,
	})
	if err != nil {
		translated := s.translateRepoError(err)
		if errors.Is(translated, ErrPaymentUnavailable) {
			return Transaction{}, translated
		}
		return Transaction{}, fmt.Errorf("%w: transaction is %s", ErrPaymentInvalidState, txn.Status)
	}

	s.settleOrder(ctx, updated)
	s.logger(ctx, "payment.bank_transfer.confirmed", map[string]any{
		"txnId":     updated.ID,
		"orderId":   updated.OrderID,
		"reference": reference,
	})
	return updated, nil
}

// ListTransactions returns the attempts recorded against an order. A
// non-empty userID enforces ownership.
func (s *paymentService) ListTransactions(ctx context.Context, orderID string, userID string) ([]Transaction, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	if uid := strings.TrimSpace(userID); uid != "" {
		if _, err := s.orders.FindForUser(ctx, id, uid); err != nil {
			return nil, s.translateRepoError(err)
		}
	}
	txns, err := s.transactions.ListByOrder(ctx, id)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	return txns, nil
}

// applyGatewayOutcome maps a normalised gateway status onto the transaction
// and keeps the order's payment fields in step.
func (s *paymentService) applyGatewayOutcome(ctx context.Context, txn Transaction, details payments.PaymentDetails) (Transaction, error) {
	now := s.now()
	open := []domain.TransactionStatus{domain.TransactionStatusPending, domain.TransactionStatusProcessing}

	switch details.Status {
	case payments.StatusSucceeded:
		updated, err := s.transactions.UpdateStatus(ctx, txn.ID, repositories.TransactionStatusUpdate{
			ExpectedStatus:  open,
			Status:          domain.TransactionStatusCompleted,
			GatewayResponse: details.Raw,
			Now:             now,
		})
		if err != nil {
			return Transaction{}, s.conflictAsInvalidState(err)
		}
		s.settleOrder(ctx, updated)
		return updated, nil

	case payments.StatusFailed:
		updated, err := s.transactions.UpdateStatus(ctx, txn.ID, repositories.TransactionStatusUpdate{
			ExpectedStatus:  open,
			Status:          domain.TransactionStatusFailed,
			GatewayResponse: details.Raw,
			Now:             now,
		})
		if err != nil {
			return Transaction{}, s.conflictAsInvalidState(err)
		}
		s.markOrderPayment(ctx, updated.OrderID,
			[]domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusProcessing},
			domain.PaymentStatusFailed, nil)
		s.logger(ctx, "payment.failed", map[string]any{
			"txnId":   updated.ID,
			"orderId": updated.OrderID,
		})
		return updated, nil

	case payments.StatusRefunded:
		refunded := txn.Amount
		updated, err := s.transactions.UpdateStatus(ctx, txn.ID, repositories.TransactionStatusUpdate{
			ExpectedStatus:  []domain.TransactionStatus{domain.TransactionStatusCompleted},
			Status:          domain.TransactionStatusRefunded,
			GatewayResponse: details.Raw,
			RefundAmount:    &refunded,
			RefundedAt:      &now,
			Now:             now,
		})
		if err != nil {
			return Transaction{}, s.conflictAsInvalidState(err)
		}
		cancelled := domain.OrderStatusCancelled
		s.markOrderPayment(ctx, updated.OrderID,
			[]domain.PaymentStatus{domain.PaymentStatusCompleted},
			domain.PaymentStatusRefunded, &cancelled)
		s.notifyRefund(ctx, updated)
		return updated, nil

	default:
		return txn, nil
	}
}

// settleOrder marks the order paid and confirmed after a settled transaction.
func (s *paymentService) settleOrder(ctx context.Context, txn Transaction) {
	confirmed := domain.OrderStatusConfirmed
	s.markOrderPayment(ctx, txn.OrderID,
		[]domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusProcessing, domain.PaymentStatusFailed},
		domain.PaymentStatusCompleted, &confirmed)

	if s.notifications != nil {
		if order, err := s.orders.FindByID(ctx, txn.OrderID); err == nil {
			s.notifications.NotifyPaymentConfirmed(ctx, order, txn)
		}
	}
	s.logger(ctx, "payment.completed", map[string]any{
		"txnId":   txn.ID,
		"orderId": txn.OrderID,
		"amount":  txn.Amount,
	})
}

func (s *paymentService) notifyRefund(ctx context.Context, txn Transaction) {
	if s.notifications == nil {
		return
	}
	if order, err := s.orders.FindByID(ctx, txn.OrderID); err == nil {
		s.notifications.NotifyPaymentRefunded(ctx, order, txn)
	}
}

// markOrderPayment conditionally moves the order's payment status, optionally
// flipping the fulfilment status in the same write. A conflict means another
// settlement path got there first, which is fine.
func (s *paymentService) markOrderPayment(ctx context.Context, orderID string, expected []domain.PaymentStatus, to domain.PaymentStatus, orderStatus *domain.OrderStatus) {
	now := s.now()
	update := repositories.OrderStatusUpdate{
		ExpectedPaymentStatus: expected,
		PaymentStatus:         &to,
		Status:                orderStatus,
		Now:                   now,
	}
	if orderStatus != nil && *orderStatus == domain.OrderStatusCancelled {
		update.CancelledAt = &now
	}
	if _, err := s.orders.UpdateStatus(ctx, orderID, update); err != nil {
		s.logger(ctx, "payment.order_update.skipped", map[string]any{
			"orderId": orderID,
			"target":  string(to),
			"error":   err.Error(),
		})
	}
}

// parseWebhook verifies and decodes a provider payload into the gateway
// reference and, when the payload itself is trustworthy, a status hint.
func (s *paymentService) parseWebhook(provider string, cmd WebhookCommand) (string, payments.Status, map[string]any, bool, error) {
	switch provider {
	case string(domain.PaymentMethodStripe):
		event, err := webhook.ConstructEvent(cmd.Payload, cmd.Signature, s.secrets.Stripe)
		if err != nil {
			return "", "", nil, false, fmt.Errorf("%w: %v", ErrPaymentBadSignature, err)
		}
		return stripeEventOutcome(event)

	case string(domain.PaymentMethodJazzCash), string(domain.PaymentMethodEasyPaisa):
		if salt := s.secrets.Wallets[provider]; salt != "" {
			mac := hmac.New(sha256.New, []byte(salt))
			mac.Write(cmd.Payload)
			expected := hex.EncodeToString(mac.Sum(nil))
			if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(cmd.Signature)))) {
				return "", "", nil, false, ErrPaymentBadSignature
			}
		}
		var body struct {
			TransactionID string `json:"transactionId"`
			ID            string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &body); err != nil {
			return "", "", nil, false, fmt.Errorf("%w: malformed payload", ErrPaymentInvalidInput)
		}
		id := body.TransactionID
		if id == "" {
			id = body.ID
		}
		return id, "", nil, false, nil

	case string(domain.PaymentMethodPayPal):
		var body struct {
			Resource struct {
				ID string `json:"id"`
			} `json:"resource"`
		}
		if err := json.Unmarshal(cmd.Payload, &body); err != nil {
			return "", "", nil, false, fmt.Errorf("%w: malformed payload", ErrPaymentInvalidInput)
		}
		return body.Resource.ID, "", nil, false, nil

	default:
		return "", "", nil, false, fmt.Errorf("%w: unknown provider %s", ErrPaymentInvalidInput, provider)
	}
}

// stripeEventOutcome extracts the payment intent reference, the settled
// status, and the raw event object from a verified Stripe event. Event types
// outside the payment lifecycle yield no reference and are dropped upstream.
func stripeEventOutcome(event stripe.Event) (string, payments.Status, map[string]any, bool, error) {
	var object struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
	}
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
		return "", "", nil, false, fmt.Errorf("%w: malformed event object", ErrPaymentInvalidInput)
	}
	var raw map[string]any
	_ = json.Unmarshal(event.Data.Raw, &raw)

	switch event.Type {
	case "payment_intent.succeeded":
		return object.ID, payments.StatusSucceeded, raw, true, nil
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return object.ID, payments.StatusFailed, raw, true, nil
	case "charge.refunded":
		return object.PaymentIntent, payments.StatusRefunded, raw, true, nil
	default:
		return "", "", nil, false, nil
	}
}

func (s *paymentService) conflictAsInvalidState(err error) error {
	translated := s.translateRepoError(err)
	if errors.Is(translated, ErrPaymentUnavailable) || errors.Is(translated, ErrPaymentNotFound) {
		return translated
	}
	return fmt.Errorf("%w: concurrent transition", ErrPaymentInvalidState)
}

func (s *paymentService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrPaymentNotFound
		case repoErr.IsConflict():
			return fmt.Errorf("%w: concurrent transition", ErrPaymentInvalidState)
		}
	}
	return ErrPaymentUnavailable
}
