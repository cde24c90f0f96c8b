package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/repositories"
)

var hundred = decimal.NewFromInt(100)

// DeriveCostBreakdown applies a product's cost rules to one line. Percentage
// rules yield price × quantity × value / 100; fixed amounts yield value × quantity.
// Rules with an unknown calculation type contribute nothing.
func DeriveCostBreakdown(rules []domain.CostRule, quantity int, price decimal.Decimal) []CostAmount {
	if len(rules) == 0 {
		return nil
	}
	qty := decimal.NewFromInt(int64(quantity))
	amounts := make([]CostAmount, 0, len(rules))
	for _, rule := range rules {
		var amount decimal.Decimal
		switch rule.CalculationType {
		case domain.CostCalculationPercentage:
			amount = price.Mul(qty).Mul(rule.Value).Div(hundred)
		case domain.CostCalculationFixedAmount:
			amount = rule.Value.Mul(qty)
		default:
			continue
		}
		amounts = append(amounts, CostAmount{CategoryID: rule.CategoryID, Amount: amount})
	}
	return amounts
}

// MergeCostAmounts sums amounts per category and returns them ordered by category
// id, so the result does not depend on input order.
func MergeCostAmounts(amounts []CostAmount, precision int32) []CostAmount {
	sums := make(map[string]decimal.Decimal, len(amounts))
	for _, a := range amounts {
		sums[a.CategoryID] = sums[a.CategoryID].Add(a.Amount)
	}
	merged := make([]CostAmount, 0, len(sums))
	for category, sum := range sums {
		merged = append(merged, CostAmount{CategoryID: category, Amount: sum.Round(precision)})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].CategoryID < merged[j].CategoryID })
	return merged
}

// CostLedgerBuilder produces an order's merged cost ledger, either derived from
// product rules or taken from caller-supplied entries.
type CostLedgerBuilder struct {
	products   repositories.ProductRepository
	categories repositories.CostCategoryRepository
	precision  int32
	logger     func(context.Context, string, map[string]any)
}

// NewCostLedgerBuilder wires the builder; logger may be nil.
func NewCostLedgerBuilder(products repositories.ProductRepository, categories repositories.CostCategoryRepository, precision int32, logger func(context.Context, string, map[string]any)) *CostLedgerBuilder {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CostLedgerBuilder{products: products, categories: categories, precision: precision, logger: logger}
}

// Build derives and merges the ledger for items. Rules pointing at a category
// that no longer exists are skipped and logged.
func (b *CostLedgerBuilder) Build(ctx context.Context, items []domain.OrderItem) ([]CostAmount, error) {
	rulesByProduct := make(map[string][]domain.CostRule)
	var derived []CostAmount
	for _, item := range items {
		rules, ok := rulesByProduct[item.ProductID]
		if !ok {
			var err error
			rules, err = b.products.ListCostRules(ctx, item.ProductID)
			if err != nil {
				return nil, fmt.Errorf("load cost rules for product %s: %w", item.ProductID, mapRepositoryError(err))
			}
			rulesByProduct[item.ProductID] = rules
		}
		derived = append(derived, DeriveCostBreakdown(rules, item.Quantity, item.Price)...)
	}

	merged := MergeCostAmounts(derived, b.precision)
	kept := merged[:0]
	for _, entry := range merged {
		exists, err := b.categoryExists(ctx, entry.CategoryID)
		if err != nil {
			return nil, err
		}
		if !exists {
			b.logger(ctx, "cost_ledger.category_missing", map[string]any{
				"categoryId": entry.CategoryID,
				"amount":     entry.Amount.String(),
			})
			continue
		}
		kept = append(kept, entry)
	}
	return kept, nil
}

// Explicit validates caller-supplied entries. Each must reference an existing
// category and carry a numeric amount; duplicate categories are summed.
func (b *CostLedgerBuilder) Explicit(ctx context.Context, entries []CostEntryInput) ([]CostAmount, error) {
	amounts := make([]CostAmount, 0, len(entries))
	for i, entry := range entries {
		field := fmt.Sprintf("cost_items[%d]", i)
		categoryID := strings.TrimSpace(entry.CategoryID)
		if categoryID == "" {
			return nil, invalidItem(field+".category_id", "is required")
		}
		raw := strings.TrimSpace(entry.Amount)
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, invalidItem(field+".amount", "must be a number, got %q", raw)
		}
		exists, err := b.categoryExists(ctx, categoryID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, invalidItem(field+".category_id", "cost category %s does not exist", categoryID)
		}
		amounts = append(amounts, CostAmount{CategoryID: categoryID, Amount: amount})
	}
	return MergeCostAmounts(amounts, b.precision), nil
}

func (b *CostLedgerBuilder) categoryExists(ctx context.Context, categoryID string) (bool, error) {
	if _, err := b.categories.FindByID(ctx, categoryID); err != nil {
		if isRepoNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("load cost category %s: %w", categoryID, mapRepositoryError(err))
	}
	return true, nil
}
