package postgres

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/payoffsolar/api/internal/domain"
	pgplatform "github.com/payoffsolar/api/internal/platform/postgres"
)

const (
	selectProductSQL  = `SELECT id, name, sku, price, is_active FROM products WHERE id = $1`
	selectRulesSQL    = `SELECT id, product_id, category_id, calculation_type, value FROM product_cost_breakdowns WHERE product_id = $1 ORDER BY category_id, id`
	selectCategorySQL = `SELECT id, name FROM cost_categories WHERE id = $1`
)

// ProductRepository reads products and their cost breakdown rules.
type ProductRepository struct {
	provider *pgplatform.Provider
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	var product domain.Product
	err := r.provider.Conn(ctx).QueryRowContext(ctx, selectProductSQL, productID).
		Scan(&product.ID, &product.Name, &product.SKU, &product.Price, &product.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, pgplatform.NotFound("products.find", "product %s not found", productID)
	}
	if err != nil {
		return domain.Product{}, pgplatform.WrapError("products.find", err)
	}
	return product, nil
}

func (r *ProductRepository) ListCostRules(ctx context.Context, productID string) ([]domain.CostRule, error) {
	rows, err := r.provider.Conn(ctx).QueryContext(ctx, selectRulesSQL, productID)
	if err != nil {
		return nil, pgplatform.WrapError("products.cost_rules", err)
	}
	defer rows.Close()

	var rules []domain.CostRule
	for rows.Next() {
		var (
			rule     domain.CostRule
			calcType string
		)
		if err := rows.Scan(&rule.ID, &rule.ProductID, &rule.CategoryID, &calcType, &rule.Value); err != nil {
			return nil, pgplatform.WrapError("products.cost_rules", err)
		}
		rule.CalculationType = domain.CostCalculationType(calcType)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, pgplatform.WrapError("products.cost_rules", err)
	}
	return rules, nil
}

// CostCategoryRepository reads cost categories.
type CostCategoryRepository struct {
	provider *pgplatform.Provider
}

func (r *CostCategoryRepository) FindByID(ctx context.Context, categoryID string) (domain.CostCategory, error) {
	var category domain.CostCategory
	err := r.provider.Conn(ctx).QueryRowContext(ctx, selectCategorySQL, categoryID).Scan(&category.ID, &category.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CostCategory{}, pgplatform.NotFound("cost_categories.find", "cost category %s not found", categoryID)
	}
	if err != nil {
		return domain.CostCategory{}, pgplatform.WrapError("cost_categories.find", err)
	}
	return category, nil
}
