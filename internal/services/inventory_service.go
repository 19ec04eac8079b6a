package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/repositories"
)

var (
	// ErrInventoryInvalidInput indicates the caller supplied invalid stock movement parameters.
	ErrInventoryInvalidInput = errors.New("inventory service: invalid input")
	// ErrInventoryInsufficientStock indicates a decrement would take stock below zero.
	ErrInventoryInsufficientStock = errors.New("inventory service: insufficient stock")
	// ErrInventoryProductNotFound indicates a movement references an unknown product or variant.
	ErrInventoryProductNotFound = errors.New("inventory service: product not found")
	// ErrInventoryUnavailable indicates the stock backend cannot fulfil the request.
	ErrInventoryUnavailable = errors.New("inventory service: unavailable")
)

// InventoryServiceDeps wires the product repository for stock movements.
type InventoryServiceDeps struct {
	Products repositories.ProductRepository
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

type inventoryService struct {
	products repositories.ProductRepository
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewInventoryService constructs an InventoryService enforcing dependency validation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory service: product repository is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("inventory service: clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &inventoryService{
		products: deps.Products,
		now:      func() time.Time { return deps.Clock().UTC() },
		logger:   logger,
	}, nil
}

// Reserve decrements stock for every line atomically. Line deltas carry
// quantities; the decrement direction is applied here.
func (s *inventoryService) Reserve(ctx context.Context, cmd InventoryMovementCommand) error {
	lines, err := movementLines(cmd.Lines, -1)
	if err != nil {
		return err
	}
	_, err = s.products.AdjustStock(ctx, repositories.AdjustStockRequest{
		Lines:       lines,
		OrderRef:    strings.TrimSpace(cmd.OrderRef),
		RecordSales: cmd.RecordSales,
		Now:         s.now(),
	})
	if err != nil {
		return s.translateError(err)
	}
	s.logger(ctx, "inventory.reserved", map[string]any{
		"orderRef": cmd.OrderRef,
		"lines":    len(lines),
	})
	return nil
}

// Release restores stock for every line atomically. Quantities are restored
// unconditionally; cancellation never fails on stock state.
func (s *inventoryService) Release(ctx context.Context, cmd InventoryMovementCommand) error {
	lines, err := movementLines(cmd.Lines, 1)
	if err != nil {
		return err
	}
	_, err = s.products.AdjustStock(ctx, repositories.AdjustStockRequest{
		Lines:    lines,
		OrderRef: strings.TrimSpace(cmd.OrderRef),
		Now:      s.now(),
	})
	if err != nil {
		return s.translateError(err)
	}
	s.logger(ctx, "inventory.released", map[string]any{
		"orderRef": cmd.OrderRef,
		"lines":    len(lines),
	})
	return nil
}

func (s *inventoryService) GetProduct(ctx context.Context, productID string) (Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	product, err := s.products.Get(ctx, id)
	if err != nil {
		return Product{}, s.translateError(err)
	}
	return product, nil
}

func movementLines(lines []domain.InventoryAdjustmentLine, direction int) ([]domain.InventoryAdjustmentLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one movement line is required", ErrInventoryInvalidInput)
	}
	out := make([]domain.InventoryAdjustmentLine, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, fmt.Errorf("%w: product id is required on every line", ErrInventoryInvalidInput)
		}
		if line.Delta <= 0 {
			return nil, fmt.Errorf("%w: line quantity must be positive", ErrInventoryInvalidInput)
		}
		out = append(out, domain.InventoryAdjustmentLine{
			ProductID: strings.TrimSpace(line.ProductID),
			Variant:   line.Variant,
			Delta:     line.Delta * direction,
		})
	}
	return out, nil
}

func (s *inventoryService) translateError(err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, invErr.Message)
		case repositories.InventoryErrorProductNotFound, repositories.InventoryErrorVariantNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryProductNotFound, invErr.Message)
		default:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, invErr.Message)
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return ErrInventoryProductNotFound
	}
	return ErrInventoryUnavailable
}
