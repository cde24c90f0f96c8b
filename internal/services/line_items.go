package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/repositories"
)

// ValidatedItems is the normalised item list with its computed total.
type ValidatedItems struct {
	Items []domain.OrderItem
	Total decimal.Decimal
}

// LineItemValidator normalises submitted items and computes the order total.
// It only reads products; it never writes.
type LineItemValidator struct {
	products  repositories.ProductRepository
	precision int32
}

// NewLineItemValidator rounds totals to precision decimal places.
func NewLineItemValidator(products repositories.ProductRepository, precision int32) *LineItemValidator {
	return &LineItemValidator{products: products, precision: precision}
}

// Validate fails with *InvalidItemError on the first bad quantity, price or product.
func (v *LineItemValidator) Validate(ctx context.Context, inputs []LineItemInput) (ValidatedItems, error) {
	items := make([]domain.OrderItem, 0, len(inputs))
	total := decimal.Zero
	known := make(map[string]bool, len(inputs))

	for i, input := range inputs {
		field := fmt.Sprintf("items[%d]", i)

		productID := strings.TrimSpace(input.ProductID)
		if productID == "" {
			return ValidatedItems{}, invalidItem(field+".product_id", "is required")
		}
		quantity, err := parseQuantity(input.Quantity)
		if err != nil {
			return ValidatedItems{}, invalidItem(field+".quantity", "%v", err)
		}
		price, err := parsePrice(input.Price)
		if err != nil {
			return ValidatedItems{}, invalidItem(field+".price", "%v", err)
		}

		if !known[productID] {
			if _, err := v.products.FindByID(ctx, productID); err != nil {
				if isRepoNotFound(err) {
					return ValidatedItems{}, invalidItem(field+".product_id", "product %s does not exist", productID)
				}
				return ValidatedItems{}, fmt.Errorf("load product %s: %w", productID, mapRepositoryError(err))
			}
			known[productID] = true
		}

		item := domain.OrderItem{ProductID: productID, Quantity: quantity, Price: price}
		if wh := strings.TrimSpace(input.WarehouseID); wh != "" {
			item.WarehouseID = &wh
		}
		items = append(items, item)
		total = total.Add(item.LineTotal())
	}

	return ValidatedItems{Items: items, Total: total.Round(v.precision)}, nil
}

func parseQuantity(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("is required")
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("must be a number, got %q", raw)
	}
	if !value.IsInteger() || !value.IsPositive() {
		return 0, fmt.Errorf("must be a positive integer, got %s", raw)
	}
	if value.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return 0, errors.New("is too large")
	}
	return int(value.IntPart()), nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, errors.New("is required")
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("must be a number, got %q", raw)
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("must not be negative, got %s", raw)
	}
	return value, nil
}
