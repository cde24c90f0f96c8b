package postgres

import (
	"context"
	"database/sql"

	domain "github.com/payoffsolar/api/internal/domain"
	pgplatform "github.com/payoffsolar/api/internal/platform/postgres"
)

const (
	selectOrderItemsSQL = `SELECT id, order_id, product_id, warehouse_id, quantity, price, created_at FROM order_items WHERE order_id = $1 ORDER BY created_at, id`
	deleteOrderItemsSQL = `DELETE FROM order_items WHERE order_id = $1`
	insertOrderItemSQL  = `INSERT INTO order_items (id, order_id, product_id, warehouse_id, quantity, price, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	selectCostItemsSQL = `SELECT id, order_id, category_id, amount, created_at FROM cost_items WHERE order_id = $1 ORDER BY category_id`
	deleteCostItemsSQL = `DELETE FROM cost_items WHERE order_id = $1`
	insertCostItemSQL  = `INSERT INTO cost_items (id, order_id, category_id, amount, created_at) VALUES ($1, $2, $3, $4, $5)`
)

// OrderItemRepository stores order lines.
type OrderItemRepository struct {
	provider *pgplatform.Provider
}

func (r *OrderItemRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.provider.Conn(ctx).QueryContext(ctx, selectOrderItemsSQL, orderID)
	if err != nil {
		return nil, pgplatform.WrapError("order_items.list", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var (
			item      domain.OrderItem
			warehouse sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &warehouse, &item.Quantity, &item.Price, &item.CreatedAt); err != nil {
			return nil, pgplatform.WrapError("order_items.list", err)
		}
		if warehouse.Valid {
			id := warehouse.String
			item.WarehouseID = &id
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, pgplatform.WrapError("order_items.list", err)
	}
	return items, nil
}

func (r *OrderItemRepository) DeleteByOrder(ctx context.Context, orderID string) error {
	_, err := r.provider.Conn(ctx).ExecContext(ctx, deleteOrderItemsSQL, orderID)
	return pgplatform.WrapError("order_items.delete", err)
}

func (r *OrderItemRepository) Insert(ctx context.Context, item domain.OrderItem) error {
	var warehouse sql.NullString
	if id, ok := item.Warehouse(); ok {
		warehouse = sql.NullString{String: id, Valid: true}
	}
	_, err := r.provider.Conn(ctx).ExecContext(ctx, insertOrderItemSQL,
		item.ID, item.OrderID, item.ProductID, warehouse, item.Quantity, item.Price, item.CreatedAt,
	)
	return pgplatform.WrapError("order_items.insert", err)
}

// CostItemRepository stores the per-category ledger of an order.
type CostItemRepository struct {
	provider *pgplatform.Provider
}

func (r *CostItemRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.CostItem, error) {
	rows, err := r.provider.Conn(ctx).QueryContext(ctx, selectCostItemsSQL, orderID)
	if err != nil {
		return nil, pgplatform.WrapError("cost_items.list", err)
	}
	defer rows.Close()

	var items []domain.CostItem
	for rows.Next() {
		var item domain.CostItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.CategoryID, &item.Amount, &item.CreatedAt); err != nil {
			return nil, pgplatform.WrapError("cost_items.list", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, pgplatform.WrapError("cost_items.list", err)
	}
	return items, nil
}

func (r *CostItemRepository) DeleteByOrder(ctx context.Context, orderID string) error {
	_, err := r.provider.Conn(ctx).ExecContext(ctx, deleteCostItemsSQL, orderID)
	return pgplatform.WrapError("cost_items.delete", err)
}

func (r *CostItemRepository) Insert(ctx context.Context, item domain.CostItem) error {
	_, err := r.provider.Conn(ctx).ExecContext(ctx, insertCostItemSQL,
		item.ID, item.OrderID, item.CategoryID, item.Amount, item.CreatedAt,
	)
	return pgplatform.WrapError("cost_items.insert", err)
}
