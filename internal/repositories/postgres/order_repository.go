package postgres

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/payoffsolar/api/internal/domain"
	pgplatform "github.com/payoffsolar/api/internal/platform/postgres"
)

const (
	selectOrderSQL = `SELECT id, contact_id, status, total, order_date, notes, created_at, updated_at FROM orders WHERE id = $1`
	updateOrderSQL = `UPDATE orders SET contact_id = $2, status = $3, total = $4, order_date = $5, notes = $6, updated_at = $7 WHERE id = $1`
)

// OrderRepository persists order rows.
type OrderRepository struct {
	provider  *pgplatform.Provider
	items     *OrderItemRepository
	costItems *CostItemRepository
}

// FindByID loads the order. Inside a transaction the row is locked until commit
// so concurrent updates of the same order queue behind each other.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	query := selectOrderSQL
	if pgplatform.InTx(ctx) {
		query += " FOR UPDATE"
	}

	var (
		order  domain.Order
		status string
	)
	err := r.provider.Conn(ctx).QueryRowContext(ctx, query, orderID).Scan(
		&order.ID, &order.ContactID, &status, &order.Total, &order.OrderDate, &order.Notes, &order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, pgplatform.NotFound("orders.find", "order %s not found", orderID)
	}
	if err != nil {
		return domain.Order{}, pgplatform.WrapError("orders.find", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

func (r *OrderRepository) FindWithItems(ctx context.Context, orderID string) (domain.OrderWithItems, error) {
	order, err := r.FindByID(ctx, orderID)
	if err != nil {
		return domain.OrderWithItems{}, err
	}
	items, err := r.items.ListByOrder(ctx, orderID)
	if err != nil {
		return domain.OrderWithItems{}, err
	}
	costItems, err := r.costItems.ListByOrder(ctx, orderID)
	if err != nil {
		return domain.OrderWithItems{}, err
	}
	return domain.OrderWithItems{Order: order, Items: items, CostItems: costItems}, nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	res, err := r.provider.Conn(ctx).ExecContext(ctx, updateOrderSQL,
		order.ID, order.ContactID, string(order.Status), order.Total, order.OrderDate, order.Notes, order.UpdatedAt,
	)
	if err != nil {
		return pgplatform.WrapError("orders.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return pgplatform.WrapError("orders.update", err)
	}
	if affected == 0 {
		return pgplatform.NotFound("orders.update", "order %s not found", order.ID)
	}
	return nil
}
