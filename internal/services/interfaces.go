package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/payoffsolar/api/internal/domain"
)

// OrderUpdateService is the entry point of the order-completion engine.
type OrderUpdateService interface {
	// ApplyOrderUpdate validates and persists patch, guarding and adjusting
	// inventory on transitions into and out of the complete status.
	ApplyOrderUpdate(ctx context.Context, orderID string, patch OrderPatch) (OrderUpdateResult, error)
	GetOrder(ctx context.Context, orderID string) (domain.OrderWithItems, error)
	// PreviewCostLedger validates items and derives their ledger without persisting anything.
	PreviewCostLedger(ctx context.Context, items []LineItemInput) (LedgerPreview, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderLocker serialises updates of the same order across requests.
type OrderLocker interface {
	Lock(ctx context.Context, orderID string) (unlock func(), err error)
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// LineItemInput is an item as submitted by a caller. Numeric fields arrive as
// text because form proxies send numbers and strings interchangeably.
type LineItemInput struct {
	ProductID   string
	WarehouseID string
	Quantity    string
	Price       string
}

// CostEntryInput is a caller-supplied ledger entry.
type CostEntryInput struct {
	CategoryID string
	Amount     string
}

// LedgerMode selects how the cost ledger is produced when items are replaced.
// The only implementations are DerivedLedger and ExplicitLedger.
type LedgerMode interface {
	ledgerMode()
}

// DerivedLedger builds the ledger from the products' cost breakdown rules.
type DerivedLedger struct{}

// ExplicitLedger uses the supplied entries instead of deriving them.
type ExplicitLedger struct {
	Entries []CostEntryInput
}

func (DerivedLedger) ledgerMode()  {}
func (ExplicitLedger) ledgerMode() {}

// ItemsReplacement replaces every item and the whole ledger of an order.
type ItemsReplacement struct {
	Items  []LineItemInput
	Ledger LedgerMode
}

// OrderPatch lists the fields to change. Nil fields keep their stored value.
type OrderPatch struct {
	Status    *string
	ContactID *string
	OrderDate *time.Time
	Notes     *string
	// Total is only honoured when Items is nil; replaced items always recompute it.
	Total   *decimal.Decimal
	Items   *ItemsReplacement
	ActorID string
}

// OrderUpdateResult is returned on success. Adjustment is set when the order was
// persisted but stock could not be moved. Unreloaded is set when the committed
// order could not be read back and Order holds the values that were written.
type OrderUpdateResult struct {
	Order      domain.OrderWithItems
	Edge       domain.StatusEdge
	Adjustment *InventoryAdjustmentError
	Unreloaded bool
}

// Warnings renders non-fatal problems for API consumers.
func (r OrderUpdateResult) Warnings() []string {
	var warnings []string
	if r.Adjustment != nil {
		if len(r.Adjustment.Failures) == 0 {
			warnings = append(warnings, r.Adjustment.Error())
		}
		for _, f := range r.Adjustment.Failures {
			warnings = append(warnings, "inventory not adjusted for product "+f.ProductID+" in warehouse "+f.WarehouseID+": "+f.Reason)
		}
	}
	if r.Unreloaded {
		warnings = append(warnings, "order saved but could not be reloaded; response reflects the submitted changes")
	}
	return warnings
}

// CostAmount is a category-tagged cost. Merged ledgers hold one per category.
type CostAmount struct {
	CategoryID string
	Amount     decimal.Decimal
}

// LedgerPreview is the result of PreviewCostLedger.
type LedgerPreview struct {
	Items     []domain.OrderItem
	Total     decimal.Decimal
	CostItems []CostAmount
}
