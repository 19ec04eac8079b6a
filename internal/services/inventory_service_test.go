package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/repositories"
)

func newTestInventoryService(t *testing.T, products repositories.ProductRepository) InventoryService {
	t.Helper()
	svc, err := NewInventoryService(InventoryServiceDeps{
		Products: products,
		Clock:    func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}
	return svc
}

func TestReserveNegatesDeltasAndRecordsSales(t *testing.T) {
	var got repositories.AdjustStockRequest
	products := &stubProductRepository{
		adjustFn: func(ctx context.Context, req repositories.AdjustStockRequest) (repositories.AdjustStockResult, error) {
			got = req
			return repositories.AdjustStockResult{}, nil
		},
	}
	svc := newTestInventoryService(t, products)

	err := svc.Reserve(context.Background(), InventoryMovementCommand{
		OrderRef: "order-1",
		Lines: []domain.InventoryAdjustmentLine{
			{ProductID: "p1", Delta: 2},
			{ProductID: "p2", Variant: &domain.VariantSelector{Name: "size", Value: "M"}, Delta: 1},
		},
		RecordSales: true,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !got.RecordSales || got.OrderRef != "order-1" {
		t.Fatalf("expected sales recording against order-1, got %+v", got)
	}
	if got.Lines[0].Delta != -2 || got.Lines[1].Delta != -1 {
		t.Fatalf("expected negated deltas, got %+v", got.Lines)
	}
}

func TestReleaseRestoresQuantities(t *testing.T) {
	var got repositories.AdjustStockRequest
	products := &stubProductRepository{
		adjustFn: func(ctx context.Context, req repositories.AdjustStockRequest) (repositories.AdjustStockResult, error) {
			got = req
			return repositories.AdjustStockResult{}, nil
		},
	}
	svc := newTestInventoryService(t, products)

	err := svc.Release(context.Background(), InventoryMovementCommand{
		OrderRef: "order-1",
		Lines:    []domain.InventoryAdjustmentLine{{ProductID: "p1", Delta: 3}},
	})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got.Lines[0].Delta != 3 || got.RecordSales {
		t.Fatalf("expected positive delta without sales recording, got %+v", got)
	}
}

func TestReserveMapsInsufficientStock(t *testing.T) {
	products := &stubProductRepository{
		adjustFn: func(ctx context.Context, req repositories.AdjustStockRequest) (repositories.AdjustStockResult, error) {
			return repositories.AdjustStockResult{}, repositories.NewInventoryError(
				repositories.InventoryErrorInsufficientStock, "p1 has 1 left", nil)
		},
	}
	svc := newTestInventoryService(t, products)

	err := svc.Reserve(context.Background(), InventoryMovementCommand{
		OrderRef: "order-1",
		Lines:    []domain.InventoryAdjustmentLine{{ProductID: "p1", Delta: 2}},
	})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected ErrInventoryInsufficientStock, got %v", err)
	}
}

func TestMovementRejectsNonPositiveQuantities(t *testing.T) {
	svc := newTestInventoryService(t, &stubProductRepository{})

	err := svc.Reserve(context.Background(), InventoryMovementCommand{
		OrderRef: "order-1",
		Lines:    []domain.InventoryAdjustmentLine{{ProductID: "p1", Delta: 0}},
	})
	if !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected ErrInventoryInvalidInput, got %v", err)
	}

	err = svc.Release(context.Background(), InventoryMovementCommand{OrderRef: "order-1"})
	if !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected ErrInventoryInvalidInput for empty lines, got %v", err)
	}
}

func TestGetProductMapsNotFound(t *testing.T) {
	svc := newTestInventoryService(t, &stubProductRepository{})

	_, err := svc.GetProduct(context.Background(), "missing")
	if !errors.Is(err, ErrInventoryProductNotFound) {
		t.Fatalf("expected ErrInventoryProductNotFound, got %v", err)
	}
}
