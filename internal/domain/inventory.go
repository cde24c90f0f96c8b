package domain

import "time"

// InventoryKey identifies a stock row.
type InventoryKey struct {
	ProductID   string
	WarehouseID string
}

// Inventory is the on-hand quantity of a product in a warehouse.
type Inventory struct {
	ProductID   string
	WarehouseID string
	Quantity    int
	// MinQuantity is a reorder threshold and is not enforced as a floor.
	MinQuantity int
	UpdatedAt   time.Time
}

// Key returns the row identity.
func (i Inventory) Key() InventoryKey {
	return InventoryKey{ProductID: i.ProductID, WarehouseID: i.WarehouseID}
}
