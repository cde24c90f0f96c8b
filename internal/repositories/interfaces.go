package repositories

import (
	"context"

	domain "github.com/payoffsolar/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	CostCategories() CostCategoryRepository
	Orders() OrderRepository
	OrderItems() OrderItemRepository
	CostItems() CostItemRepository
	Inventory() InventoryRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary.
// A RunInTx call made while a transaction is already open on ctx runs as a
// nested savepoint: its failure rolls back only the nested work.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository reads catalog products and their cost breakdown rules.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	ListCostRules(ctx context.Context, productID string) ([]domain.CostRule, error)
}

// CostCategoryRepository reads cost categories.
type CostCategoryRepository interface {
	FindByID(ctx context.Context, categoryID string) (domain.CostCategory, error)
}

// OrderRepository persists order rows.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindWithItems(ctx context.Context, orderID string) (domain.OrderWithItems, error)
	Update(ctx context.Context, order domain.Order) error
}

// OrderItemRepository stores order lines. Lines are only ever replaced as a set.
type OrderItemRepository interface {
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	DeleteByOrder(ctx context.Context, orderID string) error
	Insert(ctx context.Context, item domain.OrderItem) error
}

// CostItemRepository stores the per-category cost ledger of an order.
type CostItemRepository interface {
	ListByOrder(ctx context.Context, orderID string) ([]domain.CostItem, error)
	DeleteByOrder(ctx context.Context, orderID string) error
	Insert(ctx context.Context, item domain.CostItem) error
}

// InventoryRepository reads and mutates per-warehouse stock rows.
type InventoryRepository interface {
	// Get returns the stock row. Inside a transaction the row stays locked until commit.
	Get(ctx context.Context, productID, warehouseID string) (domain.Inventory, error)
	// Adjust applies delta to the row and never lets quantity go negative. It
	// returns an *InventoryError with InventoryErrorInsufficientStock or
	// InventoryErrorStockNotFound when the change cannot be applied.
	Adjust(ctx context.Context, productID, warehouseID string, delta int) (domain.Inventory, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
