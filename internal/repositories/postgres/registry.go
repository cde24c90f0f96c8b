package postgres

import (
	"context"
	_ "embed"
	"errors"

	pgplatform "github.com/payoffsolar/api/internal/platform/postgres"
	"github.com/payoffsolar/api/internal/repositories"
)

//go:embed schema.sql
var schema string

// EnsureSchema creates the tables the order engine reads and writes.
func EnsureSchema(ctx context.Context, provider *pgplatform.Provider) error {
	_, err := provider.DB().ExecContext(ctx, schema)
	return pgplatform.WrapError("schema.ensure", err)
}

// Registry implements repositories.Registry on top of a Postgres pool.
type Registry struct {
	provider *pgplatform.Provider
	health   repositories.HealthRepository

	products   *ProductRepository
	categories *CostCategoryRepository
	orders     *OrderRepository
	items      *OrderItemRepository
	costItems  *CostItemRepository
	inventory  *InventoryRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository to the shared provider.
func NewRegistry(provider *pgplatform.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("postgres registry: provider is required")
	}
	items := &OrderItemRepository{provider: provider}
	costItems := &CostItemRepository{provider: provider}
	return &Registry{
		provider:   provider,
		health:     health,
		products:   &ProductRepository{provider: provider},
		categories: &CostCategoryRepository{provider: provider},
		orders:     &OrderRepository{provider: provider, items: items, costItems: costItems},
		items:      items,
		costItems:  costItems,
		inventory:  &InventoryRepository{provider: provider},
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Products() repositories.ProductRepository {
	return r.products
}

func (r *Registry) CostCategories() repositories.CostCategoryRepository {
	return r.categories
}

func (r *Registry) Orders() repositories.OrderRepository {
	return r.orders
}

func (r *Registry) OrderItems() repositories.OrderItemRepository {
	return r.items
}

func (r *Registry) CostItems() repositories.CostItemRepository {
	return r.costItems
}

func (r *Registry) Inventory() repositories.InventoryRepository {
	return r.inventory
}

func (r *Registry) Health() repositories.HealthRepository {
	return r.health
}

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}
