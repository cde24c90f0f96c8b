package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/repositories"
)

// stockLine is the summed quantity an order needs from one stock row.
type stockLine struct {
	Key      domain.InventoryKey
	Quantity int
}

// aggregateStockLines sums quantities per (product, warehouse). The result is
// ordered by key so rows are always locked in the same order. Positions of
// items without a warehouse are returned separately.
func aggregateStockLines(items []domain.OrderItem) ([]stockLine, []int) {
	sums := make(map[domain.InventoryKey]int)
	var missing []int
	for i, item := range items {
		warehouseID, ok := item.Warehouse()
		if !ok {
			missing = append(missing, i)
			continue
		}
		sums[domain.InventoryKey{ProductID: item.ProductID, WarehouseID: warehouseID}] += item.Quantity
	}

	lines := make([]stockLine, 0, len(sums))
	for key, qty := range sums {
		lines = append(lines, stockLine{Key: key, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Key.ProductID != lines[j].Key.ProductID {
			return lines[i].Key.ProductID < lines[j].Key.ProductID
		}
		return lines[i].Key.WarehouseID < lines[j].Key.WarehouseID
	})
	return lines, missing
}

// InventoryGuard checks that a completion can be served from stock. It runs
// before any write; inside a transaction the rows it reads stay locked.
type InventoryGuard struct {
	inventory repositories.InventoryRepository
}

// NewInventoryGuard wires the guard to the inventory store.
func NewInventoryGuard(inventory repositories.InventoryRepository) *InventoryGuard {
	return &InventoryGuard{inventory: inventory}
}

// Check returns *MissingWarehouseError when any item lacks a warehouse, or
// *InsufficientInventoryError listing every pair whose stock is too low. A
// missing stock row counts as zero available.
func (g *InventoryGuard) Check(ctx context.Context, items []domain.OrderItem) error {
	lines, missing := aggregateStockLines(items)
	if len(missing) > 0 {
		products := make([]string, 0, len(missing))
		for _, idx := range missing {
			products = append(products, items[idx].ProductID)
		}
		return &MissingWarehouseError{Items: missing, ProductIDs: products}
	}

	var shortfalls []InventoryShortfall
	for _, line := range lines {
		available := 0
		inv, err := g.inventory.Get(ctx, line.Key.ProductID, line.Key.WarehouseID)
		switch {
		case err == nil:
			available = inv.Quantity
		case isStockRowMissing(err):
		default:
			return fmt.Errorf("load inventory for %s@%s: %w", line.Key.ProductID, line.Key.WarehouseID, mapRepositoryError(err))
		}
		if available < line.Quantity {
			shortfalls = append(shortfalls, InventoryShortfall{
				ProductID:   line.Key.ProductID,
				WarehouseID: line.Key.WarehouseID,
				Requested:   line.Quantity,
				Available:   available,
			})
		}
	}
	if len(shortfalls) > 0 {
		return &InsufficientInventoryError{Shortfalls: shortfalls}
	}
	return nil
}

func isStockRowMissing(err error) bool {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		return invErr.Code == repositories.InventoryErrorStockNotFound
	}
	return isRepoNotFound(err)
}
