package services

import (
	"errors"
	"fmt"
	"strings"

	domain "github.com/payoffsolar/api/internal/domain"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data. Every
	// pre-write validation error unwraps to it.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order (or another referenced entity) could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInsufficientInventory indicates a completion would overdraw stock.
	ErrOrderInsufficientInventory = errors.New("order: insufficient inventory")
	// ErrOrderBusy indicates another update holds the order lock.
	ErrOrderBusy = errors.New("order: update in progress")
	// ErrOrderRepositoryUnavailable indicates the store could not be reached.
	ErrOrderRepositoryUnavailable = errors.New("order: repository unavailable")
)

// InvalidItemError rejects a line item (or ledger entry) before anything is written.
type InvalidItemError struct {
	Field  string
	Reason string
}

func (e *InvalidItemError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrOrderInvalidInput, e.Field, e.Reason)
}

func (e *InvalidItemError) Unwrap() error { return ErrOrderInvalidInput }

func invalidItem(field string, format string, args ...any) *InvalidItemError {
	return &InvalidItemError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// MissingWarehouseError rejects a completion where some items have no warehouse.
type MissingWarehouseError struct {
	// Items holds the zero-based positions of the offending items.
	Items      []int
	ProductIDs []string
}

func (e *MissingWarehouseError) Error() string {
	return fmt.Sprintf("%s: items %v have no warehouse assigned; a warehouse is required to complete the order", ErrOrderInvalidInput, e.Items)
}

func (e *MissingWarehouseError) Unwrap() error { return ErrOrderInvalidInput }

// InventoryShortfall describes one (product, warehouse) pair that cannot cover the order.
type InventoryShortfall struct {
	ProductID   string
	WarehouseID string
	Requested   int
	Available   int
}

// InsufficientInventoryError carries every shortfall found by the guard.
type InsufficientInventoryError struct {
	Shortfalls []InventoryShortfall
}

func (e *InsufficientInventoryError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s@%s requested %d available %d", s.ProductID, s.WarehouseID, s.Requested, s.Available))
	}
	return fmt.Sprintf("%s: %s", ErrOrderInsufficientInventory, strings.Join(parts, "; "))
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrOrderInsufficientInventory }

// NotFoundError reports a missing order or referenced entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrOrderNotFound, e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrOrderNotFound }

// AdjustmentFailure is one stock row the adjuster could not move.
type AdjustmentFailure struct {
	ProductID   string
	WarehouseID string
	Delta       int
	Reason      string
}

// InventoryAdjustmentError is reported after the order update has been persisted.
// It is never returned as the error of ApplyOrderUpdate; callers receive it on
// OrderUpdateResult and surface it as a warning.
type InventoryAdjustmentError struct {
	Edge     domain.StatusEdge
	Failures []AdjustmentFailure
	Err      error
}

func (e *InventoryAdjustmentError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s@%s %+d: %s", f.ProductID, f.WarehouseID, f.Delta, f.Reason))
	}
	msg := fmt.Sprintf("inventory adjustment (%s edge) failed", e.Edge)
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InventoryAdjustmentError) Unwrap() error { return e.Err }
