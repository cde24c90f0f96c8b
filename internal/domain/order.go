package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// OrderStatus is the free-form status label stored on an order. Only the
// complete status carries inventory semantics.
type OrderStatus string

// OrderStatusComplete is the canonical spelling of the completed status.
const OrderStatusComplete OrderStatus = "complete"

// ParseOrderStatus trims the raw label. Casing is preserved so the stored value
// matches what the caller sent.
func ParseOrderStatus(raw string) OrderStatus {
	return OrderStatus(strings.TrimSpace(raw))
}

// IsComplete reports whether the status denotes a completed order (case-insensitive).
func (s OrderStatus) IsComplete() bool {
	// Casers are stateful, so each call folds with its own.
	return cases.Fold().String(strings.TrimSpace(string(s))) == string(OrderStatusComplete)
}

func (s OrderStatus) String() string {
	return string(s)
}

// StatusEdge classifies a status change for inventory purposes.
type StatusEdge int

const (
	// EdgeNone covers complete→complete and non-complete→non-complete.
	EdgeNone StatusEdge = iota
	// EdgeRising is a transition into complete.
	EdgeRising
	// EdgeFalling is a transition out of complete.
	EdgeFalling
)

// DetectEdge compares the persisted status with the requested one.
func DetectEdge(previous, next OrderStatus) StatusEdge {
	switch {
	case !previous.IsComplete() && next.IsComplete():
		return EdgeRising
	case previous.IsComplete() && !next.IsComplete():
		return EdgeFalling
	default:
		return EdgeNone
	}
}

func (e StatusEdge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	default:
		return "none"
	}
}

// Order is the persisted order row.
type Order struct {
	ID        string
	ContactID string
	Status    OrderStatus
	Total     decimal.Decimal
	OrderDate time.Time
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderItem is a single line of an order. Items are replaced wholesale on update.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	WarehouseID *string
	Quantity    int
	Price       decimal.Decimal
	CreatedAt   time.Time
}

// Warehouse returns the assigned warehouse and whether one is set.
func (i OrderItem) Warehouse() (string, bool) {
	if i.WarehouseID == nil {
		return "", false
	}
	id := strings.TrimSpace(*i.WarehouseID)
	return id, id != ""
}

// LineTotal is price × quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CostItem is one ledger entry: the summed cost for a category on an order.
type CostItem struct {
	ID         string
	OrderID    string
	CategoryID string
	Amount     decimal.Decimal
	CreatedAt  time.Time
}

// OrderWithItems is the aggregate returned to callers after an update.
type OrderWithItems struct {
	Order
	Items     []OrderItem
	CostItems []CostItem
}
