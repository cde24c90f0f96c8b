package domain

import "github.com/shopspring/decimal"

// CostCalculationType selects how a cost rule turns a line into an amount.
type CostCalculationType string

const (
	// CostCalculationPercentage charges value% of price × quantity.
	CostCalculationPercentage CostCalculationType = "percentage"
	// CostCalculationFixedAmount charges value per unit.
	CostCalculationFixedAmount CostCalculationType = "fixed_amount"
)

// Product is the subset of catalog data the order engine reads.
type Product struct {
	ID       string
	Name     string
	SKU      string
	Price    decimal.Decimal
	IsActive bool
}

// CostCategory groups ledger amounts (materials, labour, shipping, ...).
type CostCategory struct {
	ID   string
	Name string
}

// CostRule is a product's cost breakdown rule for a single category.
type CostRule struct {
	ID              string
	ProductID       string
	CategoryID      string
	CalculationType CostCalculationType
	Value           decimal.Decimal
}
