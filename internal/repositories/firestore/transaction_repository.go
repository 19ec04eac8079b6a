package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/clearbay/api/internal/domain"
	pfirestore "github.com/clearbay/api/internal/platform/firestore"
	"github.com/clearbay/api/internal/repositories"
)

const (
	transactionCollection = "transactions"
)

// TransactionRepository persists payment attempts within Firestore.
type TransactionRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[transactionDocument]
}

// NewTransactionRepository constructs a Firestore-backed transaction repository.
func NewTransactionRepository(provider *pfirestore.Provider) (*TransactionRepository, error) {
	if provider == nil {
		return nil, errors.New("transaction repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[transactionDocument](provider, transactionCollection, nil, nil)
	return &TransactionRepository{provider: provider, base: base}, nil
}

// Insert creates the transaction document; an existing ID is a conflict.
func (r *TransactionRepository) Insert(ctx context.Context, txn domain.Transaction) error {
	if r == nil || r.base == nil {
		return errors.New("transaction repository not initialised")
	}
	id := strings.TrimSpace(txn.ID)
	if id == "" {
		return errors.New("transaction repository: transaction id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newTransactionDocument(txn)); err != nil {
		return pfirestore.WrapError("transactions.insert", err)
	}
	return nil
}

// FindByID loads a transaction by ID.
func (r *TransactionRepository) FindByID(ctx context.Context, txnID string) (domain.Transaction, error) {
	if r == nil || r.base == nil {
		return domain.Transaction{}, errors.New("transaction repository not initialised")
	}
	id := strings.TrimSpace(txnID)
	if id == "" {
		return domain.Transaction{}, errors.New("transaction repository: transaction id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByGatewayID locates the transaction carrying the gateway reference.
// Webhook handlers use this to map asynchronous events back to attempts.
func (r *TransactionRepository) FindByGatewayID(ctx context.Context, gatewayID string) (domain.Transaction, error) {
	if r == nil || r.provider == nil {
		return domain.Transaction{}, errors.New("transaction repository not initialised")
	}
	gid := strings.TrimSpace(gatewayID)
	if gid == "" {
		return domain.Transaction{}, errors.New("transaction repository: gateway id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Transaction{}, pfirestore.WrapError("transactions.findByGatewayId", err)
	}

	iter := client.Collection(transactionCollection).
		Where("gatewayId", "==", gid).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Transaction{}, pfirestore.NewNotFoundError("transactions.findByGatewayId", fmt.Sprintf("transaction with gateway id %s not found", gid), nil)
	}
	if err != nil {
		return domain.Transaction{}, pfirestore.WrapError("transactions.findByGatewayId", err)
	}
	var doc transactionDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode transaction %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// ListByOrder returns every payment attempt recorded against an order,
// oldest first.
func (r *TransactionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("transaction repository not initialised")
	}
	oid := strings.TrimSpace(orderID)
	if oid == "" {
		return nil, errors.New("transaction repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("transactions.listByOrder", err)
	}

	iter := client.Collection(transactionCollection).
		Where("orderId", "==", oid).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var txns []domain.Transaction
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("transactions.listByOrder", err)
		}
		var doc transactionDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode transaction %s: %w", snap.Ref.ID, err)
		}
		txns = append(txns, doc.toDomain(snap.Ref.ID))
	}
	return txns, nil
}

// UpdateStatus transitions the transaction inside a Firestore transaction,
// but only when the stored status matches one of the expectations. This is
// the optimistic primitive that serializes concurrent confirm, webhook and
// refund calls: the loser observes a conflict instead of corrupting state.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, txnID string, update repositories.TransactionStatusUpdate) (domain.Transaction, error) {
	if r == nil || r.provider == nil {
		return domain.Transaction{}, errors.New("transaction repository not initialised")
	}
	id := strings.TrimSpace(txnID)
	if id == "" {
		return domain.Transaction{}, errors.New("transaction repository: transaction id is required")
	}
	if update.Status == "" {
		return domain.Transaction{}, errors.New("transaction repository: target status is required")
	}

	now := update.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updated domain.Transaction
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NewNotFoundError("transactions.updateStatus", fmt.Sprintf("transaction %s not found", id), err)
			}
			return err
		}
		var doc transactionDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode transaction %s: %w", id, err)
		}

		if len(update.ExpectedStatus) > 0 {
			matched := false
			for _, expected := range update.ExpectedStatus {
				if doc.Status == string(expected) {
					matched = true
					break
				}
			}
			if !matched {
				return pfirestore.NewConflictError("transactions.updateStatus", fmt.Sprintf("transaction %s status is %s", id, doc.Status), nil)
			}
		}

		doc.Status = string(update.Status)
		if update.GatewayID != nil {
			doc.GatewayID = strings.TrimSpace(*update.GatewayID)
		}
		if update.GatewayResponse != nil {
			doc.GatewayResponse = cloneAnyMap(update.GatewayResponse)
		}
		if update.RefundAmount != nil {
			doc.RefundAmount = *update.RefundAmount
		}
		if update.RefundReason != nil {
			doc.RefundReason = strings.TrimSpace(*update.RefundReason)
		}
		if update.RefundedAt != nil {
			at := update.RefundedAt.UTC()
			doc.RefundedAt = &at
		}
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Transaction{}, pfirestore.WrapError("transactions.updateStatus", err)
	}
	return updated, nil
}

// Document structures -------------------------------------------------------

type transactionDocument struct {
	OrderID         string         `firestore:"orderId"`
	UserID          string         `firestore:"userId"`
	Method          string         `firestore:"paymentMethod"`
	Amount          int64          `firestore:"amount"`
	Currency        string         `firestore:"currency"`
	Status          string         `firestore:"status"`
	GatewayID       string         `firestore:"gatewayId,omitempty"`
	GatewayResponse map[string]any `firestore:"gatewayResponse,omitempty"`
	RefundAmount    int64          `firestore:"refundAmount"`
	RefundReason    string         `firestore:"refundReason,omitempty"`
	RefundedAt      *time.Time     `firestore:"refundedAt,omitempty"`
	Metadata        map[string]any `firestore:"metadata,omitempty"`
	CreatedAt       time.Time      `firestore:"createdAt"`
	UpdatedAt       time.Time      `firestore:"updatedAt"`
}

func newTransactionDocument(txn domain.Transaction) transactionDocument {
	return transactionDocument{
		OrderID:         strings.TrimSpace(txn.OrderID),
		UserID:          strings.TrimSpace(txn.UserID),
		Method:          string(txn.Method),
		Amount:          txn.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(txn.Currency)),
		Status:          string(txn.Status),
		GatewayID:       strings.TrimSpace(txn.GatewayID),
		GatewayResponse: cloneAnyMap(txn.GatewayResponse),
		RefundAmount:    txn.RefundAmount,
		RefundReason:    strings.TrimSpace(txn.RefundReason),
		RefundedAt:      txn.RefundedAt,
		Metadata:        cloneAnyMap(txn.Metadata),
		CreatedAt:       txn.CreatedAt.UTC(),
		UpdatedAt:       txn.UpdatedAt.UTC(),
	}
}

func (d transactionDocument) toDomain(id string) domain.Transaction {
	return domain.Transaction{
		ID:              id,
		OrderID:         d.OrderID,
		UserID:          d.UserID,
		Method:          domain.PaymentMethod(d.Method),
		Amount:          d.Amount,
		Currency:        d.Currency,
		Status:          domain.TransactionStatus(d.Status),
		GatewayID:       d.GatewayID,
		GatewayResponse: cloneAnyMap(d.GatewayResponse),
		RefundAmount:    d.RefundAmount,
		RefundReason:    d.RefundReason,
		RefundedAt:      d.RefundedAt,
		Metadata:        cloneAnyMap(d.Metadata),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

var _ repositories.TransactionRepository = (*TransactionRepository)(nil)
