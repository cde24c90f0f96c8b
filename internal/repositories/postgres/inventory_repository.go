package postgres

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/payoffsolar/api/internal/domain"
	pgplatform "github.com/payoffsolar/api/internal/platform/postgres"
	"github.com/payoffsolar/api/internal/repositories"
)

const (
	selectInventorySQL = `SELECT product_id, warehouse_id, quantity, min_quantity, updated_at FROM inventory WHERE product_id = $1 AND warehouse_id = $2`
	// The predicate makes the decrement conditional: a row that would go
	// negative is left untouched and no row is returned.
	adjustInventorySQL = `UPDATE inventory SET quantity = quantity + $3, updated_at = now() ` +
		`WHERE product_id = $1 AND warehouse_id = $2 AND quantity + $3 >= 0 ` +
		`RETURNING product_id, warehouse_id, quantity, min_quantity, updated_at`
	inventoryExistsSQL = `SELECT EXISTS (SELECT 1 FROM inventory WHERE product_id = $1 AND warehouse_id = $2)`
)

// InventoryRepository reads and adjusts per-warehouse stock rows.
type InventoryRepository struct {
	provider *pgplatform.Provider
}

func (r *InventoryRepository) Get(ctx context.Context, productID, warehouseID string) (domain.Inventory, error) {
	query := selectInventorySQL
	if pgplatform.InTx(ctx) {
		query += " FOR UPDATE"
	}
	inv, err := scanInventory(r.provider.Conn(ctx).QueryRowContext(ctx, query, productID, warehouseID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Inventory{}, repositories.NewInventoryError("inventory.get", repositories.InventoryErrorStockNotFound, inventoryKey(productID, warehouseID), nil)
	}
	if err != nil {
		return domain.Inventory{}, pgplatform.WrapError("inventory.get", err)
	}
	return inv, nil
}

func (r *InventoryRepository) Adjust(ctx context.Context, productID, warehouseID string, delta int) (domain.Inventory, error) {
	conn := r.provider.Conn(ctx)
	inv, err := scanInventory(conn.QueryRowContext(ctx, adjustInventorySQL, productID, warehouseID, delta))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Inventory{}, pgplatform.WrapError("inventory.adjust", err)
	}

	var exists bool
	if err := conn.QueryRowContext(ctx, inventoryExistsSQL, productID, warehouseID).Scan(&exists); err != nil {
		return domain.Inventory{}, pgplatform.WrapError("inventory.adjust", err)
	}
	code := repositories.InventoryErrorInsufficientStock
	if !exists {
		code = repositories.InventoryErrorStockNotFound
	}
	return domain.Inventory{}, repositories.NewInventoryError("inventory.adjust", code, inventoryKey(productID, warehouseID), nil)
}

func scanInventory(row *sql.Row) (domain.Inventory, error) {
	var inv domain.Inventory
	err := row.Scan(&inv.ProductID, &inv.WarehouseID, &inv.Quantity, &inv.MinQuantity, &inv.UpdatedAt)
	return inv, err
}

func inventoryKey(productID, warehouseID string) domain.InventoryKey {
	return domain.InventoryKey{ProductID: productID, WarehouseID: warehouseID}
}
