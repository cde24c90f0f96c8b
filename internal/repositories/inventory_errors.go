package repositories

import (
	"fmt"

	domain "github.com/payoffsolar/api/internal/domain"
)

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates requested quantity exceeds availability.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorStockNotFound indicates the product has no stock row in the warehouse.
	InventoryErrorStockNotFound InventoryErrorCode = "inventory_stock_not_found"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op          string
	Code        InventoryErrorCode
	ProductID   string
	WarehouseID string
	Message     string
	Err         error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the stock row is missing.
func (e *InventoryError) IsNotFound() bool {
	return e != nil && e.Code == InventoryErrorStockNotFound
}

// IsConflict reports whether the adjustment lost against current stock.
func (e *InventoryError) IsConflict() bool {
	return e != nil && e.Code == InventoryErrorInsufficientStock
}

// IsUnavailable is always false; transport failures are reported by the store error type.
func (e *InventoryError) IsUnavailable() bool {
	return false
}

// NewInventoryError constructs a typed inventory error for a stock row.
func NewInventoryError(op string, code InventoryErrorCode, key domain.InventoryKey, err error) *InventoryError {
	return &InventoryError{
		Op:          op,
		Code:        code,
		ProductID:   key.ProductID,
		WarehouseID: key.WarehouseID,
		Message:     fmt.Sprintf("%s for product %s in warehouse %s", code, key.ProductID, key.WarehouseID),
		Err:         err,
	}
}
