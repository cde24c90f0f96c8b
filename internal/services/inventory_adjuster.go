package services

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/repositories"
)

// InventoryMovement is a stock change applied by the adjuster.
type InventoryMovement struct {
	ProductID   string
	WarehouseID string
	Delta       int
	Quantity    int
}

// InventoryAdjuster moves stock when an order enters or leaves the complete status.
type InventoryAdjuster struct {
	inventory  repositories.InventoryRepository
	unitOfWork repositories.UnitOfWork
	logger     func(context.Context, string, map[string]any)
}

// NewInventoryAdjuster wires the adjuster; unitOfWork and logger may be nil.
func NewInventoryAdjuster(inventory repositories.InventoryRepository, unitOfWork repositories.UnitOfWork, logger func(context.Context, string, map[string]any)) *InventoryAdjuster {
	if unitOfWork == nil {
		unitOfWork = noopUnitOfWork{}
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &InventoryAdjuster{inventory: inventory, unitOfWork: unitOfWork, logger: logger}
}

// Apply decrements stock on a rising edge and restores it on a falling edge.
// All rows move or none do: the work runs in its own (nested) transaction and a
// failure rolls it back and returns *InventoryAdjustmentError. Items without a
// warehouse are skipped on a falling edge since nothing was taken for them.
func (a *InventoryAdjuster) Apply(ctx context.Context, edge domain.StatusEdge, items []domain.OrderItem) ([]InventoryMovement, error) {
	var sign int
	switch edge {
	case domain.EdgeRising:
		sign = -1
	case domain.EdgeFalling:
		sign = 1
	default:
		return nil, nil
	}

	lines, missing := aggregateStockLines(items)
	if len(missing) > 0 {
		if edge == domain.EdgeRising {
			return nil, &InventoryAdjustmentError{Edge: edge, Err: fmt.Errorf("%d items have no warehouse", len(missing))}
		}
		a.logger(ctx, "inventory.adjust.skipped_unassigned", map[string]any{"items": missing})
	}

	var (
		movements []InventoryMovement
		failures  []AdjustmentFailure
	)
	err := a.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		movements, failures = movements[:0], failures[:0]
		for _, line := range lines {
			delta := sign * line.Quantity
			inv, err := a.inventory.Adjust(ctx, line.Key.ProductID, line.Key.WarehouseID, delta)
			if err != nil {
				var invErr *repositories.InventoryError
				if !errors.As(err, &invErr) {
					// The store is in an unknown state; stop issuing statements.
					return err
				}
				failures = append(failures, AdjustmentFailure{
					ProductID:   line.Key.ProductID,
					WarehouseID: line.Key.WarehouseID,
					Delta:       delta,
					Reason:      string(invErr.Code),
				})
				continue
			}
			movements = append(movements, InventoryMovement{
				ProductID:   line.Key.ProductID,
				WarehouseID: line.Key.WarehouseID,
				Delta:       delta,
				Quantity:    inv.Quantity,
			})
		}
		if len(failures) > 0 {
			return &InventoryAdjustmentError{Edge: edge, Failures: failures}
		}
		return nil
	})
	if err != nil {
		var adjErr *InventoryAdjustmentError
		if errors.As(err, &adjErr) {
			return nil, adjErr
		}
		return nil, &InventoryAdjustmentError{Edge: edge, Err: err}
	}
	return movements, nil
}
