package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/payments"
	"github.com/clearbay/api/internal/repositories"
)

type fakeGatewayProvider struct {
	createFn  func(ctx context.Context, req payments.IntentRequest) (payments.Intent, error)
	confirmFn func(ctx context.Context, req payments.ConfirmRequest) (payments.PaymentDetails, error)
	refundFn  func(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error)
	lookupFn  func(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error)
}

func (f *fakeGatewayProvider) CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	if f.createFn == nil {
		return payments.Intent{}, errors.New("not implemented")
	}
	return f.createFn(ctx, req)
}

func (f *fakeGatewayProvider) Confirm(ctx context.Context, req payments.ConfirmRequest) (payments.PaymentDetails, error) {
	if f.confirmFn == nil {
		return payments.PaymentDetails{}, errors.New("not implemented")
	}
	return f.confirmFn(ctx, req)
}

func (f *fakeGatewayProvider) Refund(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
	if f.refundFn == nil {
		return payments.PaymentDetails{}, errors.New("not implemented")
	}
	return f.refundFn(ctx, req)
}

func (f *fakeGatewayProvider) Lookup(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if f.lookupFn == nil {
		return payments.PaymentDetails{}, errors.New("not implemented")
	}
	return f.lookupFn(ctx, req)
}

var paymentTestNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type paymentServiceFixture struct {
	transactions  *stubTransactionRepository
	orders        *stubOrderRepository
	providers     map[string]payments.Provider
	notifications *recordingNotifications
	secrets       PaymentWebhookSecrets
}

func newTestPaymentService(t *testing.T, f paymentServiceFixture) (PaymentService, *paymentServiceFixture) {
	t.Helper()
	if f.transactions == nil {
		f.transactions = &stubTransactionRepository{}
	}
	if f.orders == nil {
		f.orders = &stubOrderRepository{}
	}
	if f.providers == nil {
		f.providers = map[string]payments.Provider{"stripe": &fakeGatewayProvider{}}
	}
	if f.notifications == nil {
		f.notifications = &recordingNotifications{}
	}
	manager, err := payments.NewManager(f.providers)
	if err != nil {
		t.Fatalf("payments.NewManager: %v", err)
	}
	svc, err := NewPaymentService(PaymentServiceDeps{
		Transactions:    f.transactions,
		Orders:          f.orders,
		Gateways:        manager,
		Notifications:   f.notifications,
		WebhookSecrets:  f.secrets,
		DefaultCurrency: "usd",
		Clock:           func() time.Time { return paymentTestNow },
		IDGenerator:     func() string { return "txn-1" },
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return svc, &f
}

func payableOrder() domain.Order {
	return domain.Order{
		ID:            "o1",
		Number:        "CB-2024-000001",
		UserID:        "user-1",
		PaymentMethod: domain.PaymentMethodStripe,
		PaymentStatus: domain.PaymentStatusPending,
		Status:        domain.OrderStatusPending,
		Totals:        domain.OrderTotals{Total: 5900},
	}
}

func TestCreateIntentStoresPendingTransaction(t *testing.T) {
	var inserted domain.Transaction
	transactions := &stubTransactionRepository{
		insertFn: func(ctx context.Context, txn domain.Transaction) error {
			inserted = txn
			return nil
		},
	}
	var orderUpdate repositories.OrderStatusUpdate
	orders := &stubOrderRepository{
		findForUserFn: func(ctx context.Context, orderID, userID string) (domain.Order, error) {
			return payableOrder(), nil
		},
		updateStatusFn: func(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) (domain.Order, error) {
			orderUpdate = update
			return domain.Order{}, nil
		},
	}
	provider := &fakeGatewayProvider{
		createFn: func(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
			if req.Amount != 5900 || req.Currency != "USD" {
				t.Fatalf("unexpected intent request %+v", req)
			}
			if req.IdempotencyKey != "txn-1" {
				t.Fatalf("expected transaction id as idempotency key, got %q", req.IdempotencyKey)
			}
			return payments.Intent{
				ID:           "pi_123",
				ClientSecret: "secret_abc",
				Status:       payments.StatusPending,
			}, nil
		},
	}

	svc, _ := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		orders:       orders,
		providers:    map[string]payments.Provider{"stripe": provider},
	})

	result, err := svc.CreateIntent(context.Background(), CreateIntentCommand{OrderID: "o1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if result.ClientSecret != "secret_abc" {
		t.Fatalf("expected client secret passthrough, got %q", result.ClientSecret)
	}
	if inserted.Status != domain.TransactionStatusPending || inserted.GatewayID != "pi_123" {
		t.Fatalf("unexpected stored transaction %+v", inserted)
	}
	if inserted.Amount != 5900 || inserted.Method != domain.PaymentMethodStripe {
		t.Fatalf("unexpected transaction amount or method %+v", inserted)
	}
	if orderUpdate.PaymentStatus == nil || *orderUpdate.PaymentStatus != domain.PaymentStatusProcessing {
		t.Fatalf("expected order moved to processing, got %+v", orderUpdate)
	}
}

func TestCreateIntentAlreadyPaid(t *testing.T) {
	orders := &stubOrderRepository{
		findForUserFn: func(ctx context.Context, orderID, userID string) (domain.Order, error) {
			order := payableOrder()
			order.PaymentStatus = domain.PaymentStatusCompleted
			return order, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{orders: orders})

	_, err := svc.CreateIntent(context.Background(), CreateIntentCommand{OrderID: "o1", UserID: "user-1"})
	if !errors.Is(err, ErrPaymentAlreadyPaid) {
		t.Fatalf("expected ErrPaymentAlreadyPaid, got %v", err)
	}
}

func TestCreateIntentBankTransferReturnsInstructions(t *testing.T) {
	orders := &stubOrderRepository{
		findForUserFn: func(ctx context.Context, orderID, userID string) (domain.Order, error) {
			order := payableOrder()
			order.PaymentMethod = domain.PaymentMethodBankTransfer
			return order, nil
		},
	}
	provider := &fakeGatewayProvider{
		createFn: func(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
			return payments.Intent{
				ID:     "bt_ref",
				Status: payments.StatusPending,
				Raw:    map[string]any{"instructions": "Transfer to IBAN PK00 and quote bt_ref."},
			}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{
		orders:    orders,
		providers: map[string]payments.Provider{"bank_transfer": provider},
	})

	result, err := svc.CreateIntent(context.Background(), CreateIntentCommand{OrderID: "o1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if result.Instructions == "" {
		t.Fatalf("expected transfer instructions, got empty string")
	}
	if result.Transaction.Status != domain.TransactionStatusPending {
		t.Fatalf("expected pending transaction, got %s", result.Transaction.Status)
	}
}

func TestConfirmIdempotentWhenCompleted(t *testing.T) {
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return domain.Transaction{ID: txnID, UserID: "user-1", Status: domain.TransactionStatusCompleted}, nil
		},
	}
	gatewayCalled := false
	provider := &fakeGatewayProvider{
		confirmFn: func(ctx context.Context, req payments.ConfirmRequest) (payments.PaymentDetails, error) {
			gatewayCalled = true
			return payments.PaymentDetails{}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		providers:    map[string]payments.Provider{"stripe": provider},
	})

	txn, err := svc.Confirm(context.Background(), ConfirmPaymentCommand{TransactionID: "t1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if txn.Status != domain.TransactionStatusCompleted {
		t.Fatalf("expected completed passthrough, got %s", txn.Status)
	}
	if gatewayCalled {
		t.Fatalf("expected no gateway call for completed transaction")
	}
}

func TestConfirmAppliesSucceededOutcome(t *testing.T) {
	txn := domain.Transaction{
		ID:        "t1",
		OrderID:   "o1",
		UserID:    "user-1",
		Method:    domain.PaymentMethodStripe,
		Amount:    5900,
		Status:    domain.TransactionStatusPending,
		GatewayID: "pi_123",
	}
	var txnUpdate repositories.TransactionStatusUpdate
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return txn, nil
		},
		updateStatusFn: func(ctx context.Context, txnID string, update repositories.TransactionStatusUpdate) (domain.Transaction, error) {
			txnUpdate = update
			updated := txn
			updated.Status = update.Status
			return updated, nil
		},
	}
	var orderUpdate repositories.OrderStatusUpdate
	orders := &stubOrderRepository{
		findByIDFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return payableOrder(), nil
		},
		updateStatusFn: func(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) (domain.Order, error) {
			orderUpdate = update
			return domain.Order{}, nil
		},
	}
	provider := &fakeGatewayProvider{
		confirmFn: func(ctx context.Context, req payments.ConfirmRequest) (payments.PaymentDetails, error) {
			if req.IntentID != "pi_123" {
				t.Fatalf("expected confirm of pi_123, got %q", req.IntentID)
			}
			return payments.PaymentDetails{Status: payments.StatusSucceeded}, nil
		},
	}

	svc, f := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		orders:       orders,
		providers:    map[string]payments.Provider{"stripe": provider},
	})

	updated, err := svc.Confirm(context.Background(), ConfirmPaymentCommand{TransactionID: "t1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if updated.Status != domain.TransactionStatusCompleted {
		t.Fatalf("expected completed transaction, got %s", updated.Status)
	}
	if len(txnUpdate.ExpectedStatus) != 2 {
		t.Fatalf("expected conditional transition from open states, got %+v", txnUpdate.ExpectedStatus)
	}
	if orderUpdate.PaymentStatus == nil || *orderUpdate.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected order payment completed, got %+v", orderUpdate)
	}
	if orderUpdate.Status == nil || *orderUpdate.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected order confirmed, got %+v", orderUpdate)
	}
	if len(f.notifications.kinds) != 1 || f.notifications.kinds[0] != domain.NotificationKindPaymentConfirmed {
		t.Fatalf("expected payment confirmed notification, got %v", f.notifications.kinds)
	}
}

func TestConfirmTerminalTransactionRejected(t *testing.T) {
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return domain.Transaction{ID: txnID, UserID: "user-1", Status: domain.TransactionStatusFailed}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{transactions: transactions})

	_, err := svc.Confirm(context.Background(), ConfirmPaymentCommand{TransactionID: "t1", UserID: "user-1"})
	if !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected ErrPaymentInvalidState, got %v", err)
	}
}

func TestConfirmOwnershipEnforced(t *testing.T) {
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return domain.Transaction{ID: txnID, UserID: "someone-else", Status: domain.TransactionStatusPending}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{transactions: transactions})

	_, err := svc.Confirm(context.Background(), ConfirmPaymentCommand{TransactionID: "t1", UserID: "user-1"})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestHandleWebhookUnknownReferenceIgnored(t *testing.T) {
	transactions := &stubTransactionRepository{
		findByGatewayIDFn: func(ctx context.Context, gatewayID string) (domain.Transaction, error) {
			return domain.Transaction{}, repoError{notFound: true}
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		providers:    map[string]payments.Provider{"jazzcash": &fakeGatewayProvider{}},
	})

	err := svc.HandleWebhook(context.Background(), WebhookCommand{
		Provider: "jazzcash",
		Payload:  []byte(`{"transactionId":"jc_unknown","status":"completed"}`),
	})
	if err != nil {
		t.Fatalf("expected unknown reference to be ignored, got %v", err)
	}
}

func TestHandleWebhookWalletVerifiesAndLooksUp(t *testing.T) {
	salt := "wallet-salt"
	payload := []byte(`{"transactionId":"jc_1","status":"completed"}`)
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write(payload)
	signature := hex.EncodeToString(mac.Sum(nil))

	txn := domain.Transaction{
		ID:        "t1",
		OrderID:   "o1",
		UserID:    "user-1",
		Method:    domain.PaymentMethodJazzCash,
		Amount:    5900,
		Status:    domain.TransactionStatusPending,
		GatewayID: "jc_1",
	}
	transactions := &stubTransactionRepository{
		findByGatewayIDFn: func(ctx context.Context, gatewayID string) (domain.Transaction, error) {
			if gatewayID != "jc_1" {
				t.Fatalf("expected lookup of jc_1, got %q", gatewayID)
			}
			return txn, nil
		},
		updateStatusFn: func(ctx context.Context, txnID string, update repositories.TransactionStatusUpdate) (domain.Transaction, error) {
			updated := txn
			updated.Status = update.Status
			return updated, nil
		},
	}
	orders := &stubOrderRepository{
		updateStatusFn: func(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) (domain.Order, error) {
			return domain.Order{}, nil
		},
	}
	lookedUp := false
	provider := &fakeGatewayProvider{
		lookupFn: func(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
			lookedUp = true
			return payments.PaymentDetails{Status: payments.StatusSucceeded}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		orders:       orders,
		providers:    map[string]payments.Provider{"jazzcash": provider},
		secrets:      PaymentWebhookSecrets{Wallets: map[string]string{"jazzcash": salt}},
	})

	err := svc.HandleWebhook(context.Background(), WebhookCommand{
		Provider:  "jazzcash",
		Payload:   payload,
		Signature: signature,
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !lookedUp {
		t.Fatalf("expected status re-checked against the gateway")
	}
}

func TestHandleWebhookWalletBadSignature(t *testing.T) {
	svc, _ := newTestPaymentService(t, paymentServiceFixture{
		providers: map[string]payments.Provider{"easypaisa": &fakeGatewayProvider{}},
		secrets:   PaymentWebhookSecrets{Wallets: map[string]string{"easypaisa": "salt"}},
	})

	err := svc.HandleWebhook(context.Background(), WebhookCommand{
		Provider:  "easypaisa",
		Payload:   []byte(`{"transactionId":"ep_1"}`),
		Signature: "deadbeef",
	})
	if !errors.Is(err, ErrPaymentBadSignature) {
		t.Fatalf("expected ErrPaymentBadSignature, got %v", err)
	}
}

func TestHandleWebhookStaleEventDropped(t *testing.T) {
	txn := domain.Transaction{
		ID:        "t1",
		OrderID:   "o1",
		Method:    domain.PaymentMethodJazzCash,
		Status:    domain.TransactionStatusCompleted,
		GatewayID: "jc_1",
	}
	transactions := &stubTransactionRepository{
		findByGatewayIDFn: func(ctx context.Context, gatewayID string) (domain.Transaction, error) {
			return txn, nil
		},
		updateStatusFn: func(ctx context.Context, txnID string, update repositories.TransactionStatusUpdate) (domain.Transaction, error) {
			return domain.Transaction{}, repoError{conflict: true}
		},
	}
	provider := &fakeGatewayProvider{
		lookupFn: func(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{Status: payments.StatusSucceeded}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		providers:    map[string]payments.Provider{"jazzcash": provider},
	})

	err := svc.HandleWebhook(context.Background(), WebhookCommand{
		Provider: "jazzcash",
		Payload:  []byte(`{"transactionId":"jc_1"}`),
	})
	if err != nil {
		t.Fatalf("expected stale event dropped, got %v", err)
	}
}

func TestHandleWebhookStripeStoresEventPayload(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","amount":5900}}}`)
	signedAt := time.Now()
	signature := fmt.Sprintf("t=%d,v1=%s",
		signedAt.Unix(),
		hex.EncodeToString(webhook.ComputeSignature(signedAt, payload, secret)))

	txn := domain.Transaction{
		ID:        "t1",
		OrderID:   "o1",
		UserID:    "user-1",
		Method:    domain.PaymentMethodStripe,
		Amount:    5900,
		Status:    domain.TransactionStatusPending,
		GatewayID: "pi_123",
	}
	var txnUpdate repositories.TransactionStatusUpdate
	transactions := &stubTransactionRepository{
		findByGatewayIDFn: func(ctx context.Context, gatewayID string) (domain.Transaction, error) {
			return txn, nil
		},
		updateStatusFn: func(ctx context.Context, txnID string, update repositories.TransactionStatusUpdate) (domain.Transaction, error) {
			txnUpdate = update
			updated := txn
			updated.Status = update.Status
			return updated, nil
		},
	}
	orders := &stubOrderRepository{
		findByIDFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return payableOrder(), nil
		},
		updateStatusFn: func(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) (domain.Order, error) {
			return domain.Order{}, nil
		},
	}
	provider := &fakeGatewayProvider{
		lookupFn: func(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
			t.Fatal("verified event must not trigger a gateway lookup")
			return payments.PaymentDetails{}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		orders:       orders,
		providers:    map[string]payments.Provider{"stripe": provider},
		secrets:      PaymentWebhookSecrets{Stripe: secret},
	})

	err := svc.HandleWebhook(context.Background(), WebhookCommand{
		Provider:  "stripe",
		Payload:   payload,
		Signature: signature,
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if txnUpdate.Status != domain.TransactionStatusCompleted {
		t.Fatalf("expected completion, got %s", txnUpdate.Status)
	}
	if txnUpdate.GatewayResponse == nil {
		t.Fatalf("expected event object stored on the transaction")
	}
	if got := txnUpdate.GatewayResponse["id"]; got != "pi_123" {
		t.Fatalf("expected event object id pi_123, got %v", got)
	}
}

func TestRefundFullCancelsOrder(t *testing.T) {
	txn := domain.Transaction{
		ID:        "t1",
		OrderID:   "o1",
		UserID:    "user-1",
		Method:    domain.PaymentMethodStripe,
		Amount:    5900,
		Status:    domain.TransactionStatusCompleted,
		GatewayID: "pi_123",
	}
	var txnUpdate repositories.TransactionStatusUpdate
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return txn, nil
		},
		updateStatusFn: func(ctx context.Context, txnID string, update repositories.TransactionStatusUpdate) (domain.Transaction, error) {
			txnUpdate = update
			updated := txn
			updated.Status = update.Status
			if update.RefundAmount != nil {
				updated.RefundAmount = *update.RefundAmount
			}
			return updated, nil
		},
	}
	var orderUpdate repositories.OrderStatusUpdate
	orders := &stubOrderRepository{
		findByIDFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return payableOrder(), nil
		},
		updateStatusFn: func(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) (domain.Order, error) {
			orderUpdate = update
			return domain.Order{}, nil
		},
	}
	provider := &fakeGatewayProvider{
		refundFn: func(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
			if req.Amount == nil || *req.Amount != 5900 {
				t.Fatalf("expected full refund amount, got %+v", req.Amount)
			}
			return payments.PaymentDetails{Status: payments.StatusRefunded}, nil
		},
	}

	svc, f := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		orders:       orders,
		providers:    map[string]payments.Provider{"stripe": provider},
	})

	updated, err := svc.Refund(context.Background(), RefundCommand{TransactionID: "t1", Reason: "customer request"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if updated.Status != domain.TransactionStatusRefunded {
		t.Fatalf("expected refunded transaction, got %s", updated.Status)
	}
	if txnUpdate.RefundedAt == nil {
		t.Fatalf("expected RefundedAt stamped on full refund")
	}
	if orderUpdate.PaymentStatus == nil || *orderUpdate.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected order payment refunded, got %+v", orderUpdate)
	}
	if orderUpdate.Status == nil || *orderUpdate.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected order cancelled on full refund, got %+v", orderUpdate)
	}
	if len(f.notifications.kinds) != 1 || f.notifications.kinds[0] != domain.NotificationKindPaymentRefunded {
		t.Fatalf("expected refund notification, got %v", f.notifications.kinds)
	}
}

func TestRefundPartialLeavesStatuses(t *testing.T) {
	txn := domain.Transaction{
		ID:        "t1",
		OrderID:   "o1",
		Method:    domain.PaymentMethodStripe,
		Amount:    5900,
		Status:    domain.TransactionStatusCompleted,
		GatewayID: "pi_123",
	}
	var txnUpdate repositories.TransactionStatusUpdate
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return txn, nil
		},
		updateStatusFn: func(ctx context.Context, txnID string, update repositories.TransactionStatusUpdate) (domain.Transaction, error) {
			txnUpdate = update
			updated := txn
			updated.Status = update.Status
			return updated, nil
		},
	}
	orderTouched := false
	orders := &stubOrderRepository{
		findByIDFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return payableOrder(), nil
		},
		updateStatusFn: func(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) (domain.Order, error) {
			orderTouched = true
			return domain.Order{}, nil
		},
	}
	provider := &fakeGatewayProvider{
		refundFn: func(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{Status: payments.StatusSucceeded}, nil
		},
	}
	svc, f := newTestPaymentService(t, paymentServiceFixture{
		transactions: transactions,
		orders:       orders,
		providers:    map[string]payments.Provider{"stripe": provider},
	})

	amount := int64(1000)
	updated, err := svc.Refund(context.Background(), RefundCommand{TransactionID: "t1", Amount: &amount})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if updated.Status != domain.TransactionStatusCompleted {
		t.Fatalf("expected transaction to stay completed, got %s", updated.Status)
	}
	if txnUpdate.RefundAmount == nil || *txnUpdate.RefundAmount != 1000 {
		t.Fatalf("expected refund amount 1000 recorded, got %+v", txnUpdate.RefundAmount)
	}
	if txnUpdate.RefundedAt != nil {
		t.Fatalf("expected no RefundedAt on partial refund")
	}
	if orderTouched {
		t.Fatalf("expected order untouched on partial refund")
	}
	if len(f.notifications.kinds) != 1 || f.notifications.kinds[0] != domain.NotificationKindPaymentRefunded {
		t.Fatalf("expected refund notification on partial refund, got %v", f.notifications.kinds)
	}
}

func TestRefundRejectsOverRefund(t *testing.T) {
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return domain.Transaction{ID: txnID, Amount: 1000, RefundAmount: 800, Status: domain.TransactionStatusCompleted}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{transactions: transactions})

	amount := int64(500)
	_, err := svc.Refund(context.Background(), RefundCommand{TransactionID: "t1", Amount: &amount})
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
	}
}

func TestConfirmBankTransferSettles(t *testing.T) {
	txn := domain.Transaction{
		ID:      "t1",
		OrderID: "o1",
		Method:  domain.PaymentMethodBankTransfer,
		Amount:  5900,
		Status:  domain.TransactionStatusPending,
	}
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return txn, nil
		},
		updateStatusFn: func(ctx context.Context, txnID string, update repositories.TransactionStatusUpdate) (domain.Transaction, error) {
			if update.Status != domain.TransactionStatusCompleted {
				t.Fatalf("expected completion, got %s", update.Status)
			}
			if update.GatewayResponse["bankReference"] != "SLIP-42" {
				t.Fatalf("expected bank reference recorded, got %+v", update.GatewayResponse)
			}
			updated := txn
			updated.Status = update.Status
			return updated, nil
		},
	}
	var orderUpdate repositories.OrderStatusUpdate
	orders := &stubOrderRepository{
		findByIDFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return payableOrder(), nil
		},
		updateStatusFn: func(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) (domain.Order, error) {
			orderUpdate = update
			return domain.Order{}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{transactions: transactions, orders: orders})

	updated, err := svc.ConfirmBankTransfer(context.Background(), ConfirmBankTransferCommand{
		TransactionID: "t1",
		Reference:     "SLIP-42",
		ActorID:       "admin-1",
	})
	if err != nil {
		t.Fatalf("ConfirmBankTransfer: %v", err)
	}
	if updated.Status != domain.TransactionStatusCompleted {
		t.Fatalf("expected completed transaction, got %s", updated.Status)
	}
	if orderUpdate.PaymentStatus == nil || *orderUpdate.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected order settled, got %+v", orderUpdate)
	}
}

func TestConfirmBankTransferWrongMethod(t *testing.T) {
	transactions := &stubTransactionRepository{
		findByIDFn: func(ctx context.Context, txnID string) (domain.Transaction, error) {
			return domain.Transaction{ID: txnID, Method: domain.PaymentMethodStripe, Status: domain.TransactionStatusPending}, nil
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{transactions: transactions})

	_, err := svc.ConfirmBankTransfer(context.Background(), ConfirmBankTransferCommand{TransactionID: "t1", Reference: "SLIP-1"})
	if !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected ErrPaymentInvalidState, got %v", err)
	}
}

func TestListTransactionsEnforcesOwnership(t *testing.T) {
	orders := &stubOrderRepository{
		findForUserFn: func(ctx context.Context, orderID, userID string) (domain.Order, error) {
			return domain.Order{}, repoError{notFound: true}
		},
	}
	svc, _ := newTestPaymentService(t, paymentServiceFixture{orders: orders})

	_, err := svc.ListTransactions(context.Background(), "o1", "user-1")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}
