// Package memory keeps the order engine's tables in process memory. It backs
// local runs without a database and the service tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/repositories"
)

// Error implements repositories.RepositoryError.
type Error struct {
	op       string
	msg      string
	notFound bool
}

func (e *Error) Error() string       { return fmt.Sprintf("%s: %s", e.op, e.msg) }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return false }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, format string, args ...any) error {
	return &Error{op: op, msg: fmt.Sprintf(format, args...), notFound: true}
}

type tables struct {
	products   map[string]domain.Product
	rules      map[string][]domain.CostRule
	categories map[string]domain.CostCategory
	orders     map[string]domain.Order
	items      map[string][]domain.OrderItem
	costItems  map[string][]domain.CostItem
	inventory  map[domain.InventoryKey]domain.Inventory
}

func (t tables) clone() tables {
	out := tables{
		products:   maps.Clone(t.products),
		categories: maps.Clone(t.categories),
		orders:     maps.Clone(t.orders),
		inventory:  maps.Clone(t.inventory),
		rules:      make(map[string][]domain.CostRule, len(t.rules)),
		items:      make(map[string][]domain.OrderItem, len(t.items)),
		costItems:  make(map[string][]domain.CostItem, len(t.costItems)),
	}
	for k, v := range t.rules {
		out.rules[k] = slices.Clone(v)
	}
	for k, v := range t.items {
		out.items[k] = slices.Clone(v)
	}
	for k, v := range t.costItems {
		out.costItems[k] = slices.Clone(v)
	}
	return out
}

type txContextKey struct{}

// Registry implements repositories.Registry in memory. Transactions are
// serialised and roll back by restoring a snapshot; nested transactions
// snapshot again so they can fail without aborting the outer one.
type Registry struct {
	mu   sync.Mutex
	txMu sync.Mutex
	data tables

	health repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{data: tables{
		products:   map[string]domain.Product{},
		rules:      map[string][]domain.CostRule{},
		categories: map[string]domain.CostCategory{},
		orders:     map[string]domain.Order{},
		items:      map[string][]domain.OrderItem{},
		costItems:  map[string][]domain.CostItem{},
		inventory:  map[domain.InventoryKey]domain.Inventory{},
	}}
}

// SetHealth attaches the readiness probe exposed by Health.
func (r *Registry) SetHealth(health repositories.HealthRepository) {
	r.health = health
}

// Seeding helpers used by tests and local fixtures.

func (r *Registry) PutProduct(product domain.Product, rules ...domain.CostRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.products[product.ID] = product
	r.data.rules[product.ID] = slices.Clone(rules)
}

func (r *Registry) PutCategory(category domain.CostCategory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.categories[category.ID] = category
}

func (r *Registry) DeleteCategory(categoryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data.categories, categoryID)
}

func (r *Registry) PutOrder(order domain.Order, items ...domain.OrderItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.orders[order.ID] = order
	r.data.items[order.ID] = slices.Clone(items)
}

func (r *Registry) PutInventory(inv domain.Inventory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.inventory[inv.Key()] = inv
}

// InventoryLevel returns the current quantity, or -1 when no row exists.
func (r *Registry) InventoryLevel(productID, warehouseID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.data.inventory[domain.InventoryKey{ProductID: productID, WarehouseID: warehouseID}]
	if !ok {
		return -1
	}
	return inv.Quantity
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Products() repositories.ProductRepository            { return productRepo{r} }
func (r *Registry) CostCategories() repositories.CostCategoryRepository { return categoryRepo{r} }
func (r *Registry) Orders() repositories.OrderRepository                { return orderRepo{r} }
func (r *Registry) OrderItems() repositories.OrderItemRepository        { return itemRepo{r} }
func (r *Registry) CostItems() repositories.CostItemRepository          { return costItemRepo{r} }
func (r *Registry) Inventory() repositories.InventoryRepository         { return inventoryRepo{r} }
func (r *Registry) Health() repositories.HealthRepository               { return r.health }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if ctx.Value(txContextKey{}) == nil {
		r.txMu.Lock()
		defer r.txMu.Unlock()
		ctx = context.WithValue(ctx, txContextKey{}, true)
	}

	r.mu.Lock()
	snapshot := r.data.clone()
	r.mu.Unlock()

	if err := fn(ctx); err != nil {
		r.mu.Lock()
		r.data = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

type productRepo struct{ r *Registry }

func (p productRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	product, ok := p.r.data.products[productID]
	if !ok {
		return domain.Product{}, notFound("products.find", "product %s not found", productID)
	}
	return product, nil
}

func (p productRepo) ListCostRules(_ context.Context, productID string) ([]domain.CostRule, error) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return slices.Clone(p.r.data.rules[productID]), nil
}

type categoryRepo struct{ r *Registry }

func (c categoryRepo) FindByID(_ context.Context, categoryID string) (domain.CostCategory, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	category, ok := c.r.data.categories[categoryID]
	if !ok {
		return domain.CostCategory{}, notFound("cost_categories.find", "cost category %s not found", categoryID)
	}
	return category, nil
}

type orderRepo struct{ r *Registry }

func (o orderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	order, ok := o.r.data.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.find", "order %s not found", orderID)
	}
	return order, nil
}

func (o orderRepo) FindWithItems(ctx context.Context, orderID string) (domain.OrderWithItems, error) {
	order, err := o.FindByID(ctx, orderID)
	if err != nil {
		return domain.OrderWithItems{}, err
	}
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	costItems := slices.Clone(o.r.data.costItems[orderID])
	sort.Slice(costItems, func(i, j int) bool { return costItems[i].CategoryID < costItems[j].CategoryID })
	return domain.OrderWithItems{
		Order:     order,
		Items:     slices.Clone(o.r.data.items[orderID]),
		CostItems: costItems,
	}, nil
}

func (o orderRepo) Update(_ context.Context, order domain.Order) error {
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	if _, ok := o.r.data.orders[order.ID]; !ok {
		return notFound("orders.update", "order %s not found", order.ID)
	}
	o.r.data.orders[order.ID] = order
	return nil
}

type itemRepo struct{ r *Registry }

func (i itemRepo) ListByOrder(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	return slices.Clone(i.r.data.items[orderID]), nil
}

func (i itemRepo) DeleteByOrder(_ context.Context, orderID string) error {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	delete(i.r.data.items, orderID)
	return nil
}

func (i itemRepo) Insert(_ context.Context, item domain.OrderItem) error {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	if _, ok := i.r.data.products[item.ProductID]; !ok {
		return notFound("order_items.insert", "product %s not found", item.ProductID)
	}
	i.r.data.items[item.OrderID] = append(i.r.data.items[item.OrderID], item)
	return nil
}

type costItemRepo struct{ r *Registry }

func (c costItemRepo) ListByOrder(_ context.Context, orderID string) ([]domain.CostItem, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return slices.Clone(c.r.data.costItems[orderID]), nil
}

func (c costItemRepo) DeleteByOrder(_ context.Context, orderID string) error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	delete(c.r.data.costItems, orderID)
	return nil
}

func (c costItemRepo) Insert(_ context.Context, item domain.CostItem) error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	for _, existing := range c.r.data.costItems[item.OrderID] {
		if existing.CategoryID == item.CategoryID {
			return fmt.Errorf("cost_items.insert: duplicate category %s for order %s", item.CategoryID, item.OrderID)
		}
	}
	c.r.data.costItems[item.OrderID] = append(c.r.data.costItems[item.OrderID], item)
	return nil
}

type inventoryRepo struct{ r *Registry }

func (v inventoryRepo) Get(_ context.Context, productID, warehouseID string) (domain.Inventory, error) {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	key := domain.InventoryKey{ProductID: productID, WarehouseID: warehouseID}
	inv, ok := v.r.data.inventory[key]
	if !ok {
		return domain.Inventory{}, repositories.NewInventoryError("inventory.get", repositories.InventoryErrorStockNotFound, key, nil)
	}
	return inv, nil
}

func (v inventoryRepo) Adjust(_ context.Context, productID, warehouseID string, delta int) (domain.Inventory, error) {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	key := domain.InventoryKey{ProductID: productID, WarehouseID: warehouseID}
	inv, ok := v.r.data.inventory[key]
	if !ok {
		return domain.Inventory{}, repositories.NewInventoryError("inventory.adjust", repositories.InventoryErrorStockNotFound, key, nil)
	}
	if inv.Quantity+delta < 0 {
		return domain.Inventory{}, repositories.NewInventoryError("inventory.adjust", repositories.InventoryErrorInsufficientStock, key, nil)
	}
	inv.Quantity += delta
	v.r.data.inventory[key] = inv
	return inv, nil
}
