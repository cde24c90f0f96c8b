package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/repositories/memory"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", raw, err)
	}
	return d
}

func TestDeriveCostBreakdown(t *testing.T) {
	rules := []domain.CostRule{
		{CategoryID: "labor", CalculationType: domain.CostCalculationPercentage, Value: decimal.NewFromInt(12)},
		{CategoryID: "materials", CalculationType: domain.CostCalculationFixedAmount, Value: dec(t, "7.5")},
		{CategoryID: "ignored", CalculationType: "per_kilo", Value: decimal.NewFromInt(1)},
	}

	got := DeriveCostBreakdown(rules, 4, dec(t, "250"))
	if len(got) != 2 {
		t.Fatalf("expected 2 amounts, got %d", len(got))
	}
	// 250 × 4 × 12 / 100
	if !got[0].Amount.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("unexpected percentage amount %s", got[0].Amount)
	}
	if !got[1].Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected fixed amount %s", got[1].Amount)
	}
}

func TestMergeCostAmountsIsOrderIndependent(t *testing.T) {
	amounts := []CostAmount{
		{CategoryID: "materials", Amount: dec(t, "10.004")},
		{CategoryID: "labor", Amount: dec(t, "3")},
		{CategoryID: "materials", Amount: dec(t, "5")},
	}
	reversed := []CostAmount{amounts[2], amounts[1], amounts[0]}

	first := MergeCostAmounts(amounts, 2)
	second := MergeCostAmounts(reversed, 2)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 merged entries, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].CategoryID != second[i].CategoryID || !first[i].Amount.Equal(second[i].Amount) {
			t.Fatalf("merge depends on order: %+v vs %+v", first, second)
		}
	}
	if first[0].CategoryID != "labor" || !first[1].Amount.Equal(dec(t, "15")) {
		t.Fatalf("unexpected merged ledger %+v", first)
	}
}

func newLedgerFixture(t *testing.T) *memory.Registry {
	t.Helper()
	reg := memory.NewRegistry()
	reg.PutCategory(domain.CostCategory{ID: "materials", Name: "Materials"})
	reg.PutProduct(domain.Product{ID: "prod-a", Name: "Panel", Price: decimal.NewFromInt(100)},
		domain.CostRule{ID: "rule-a", ProductID: "prod-a", CategoryID: "materials", CalculationType: domain.CostCalculationFixedAmount, Value: decimal.NewFromInt(10)},
	)
	reg.PutProduct(domain.Product{ID: "prod-b", Name: "Inverter", Price: decimal.NewFromInt(500)},
		domain.CostRule{ID: "rule-b", ProductID: "prod-b", CategoryID: "materials", CalculationType: domain.CostCalculationPercentage, Value: decimal.NewFromInt(5)},
	)
	return reg
}

func TestCostLedgerBuilderMergesMaterials(t *testing.T) {
	reg := newLedgerFixture(t)
	builder := NewCostLedgerBuilder(reg.Products(), reg.CostCategories(), 2, nil)

	items := []domain.OrderItem{
		{ProductID: "prod-a", Quantity: 3, Price: decimal.NewFromInt(100)},
		{ProductID: "prod-b", Quantity: 1, Price: decimal.NewFromInt(500)},
	}
	ledger, err := builder.Build(context.Background(), items)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(ledger) != 1 {
		t.Fatalf("expected single merged entry, got %+v", ledger)
	}
	if ledger[0].CategoryID != "materials" || !ledger[0].Amount.Equal(decimal.NewFromInt(55)) {
		t.Fatalf("expected materials 55, got %+v", ledger[0])
	}

	again, err := builder.Build(context.Background(), []domain.OrderItem{items[1], items[0]})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if len(again) != 1 || !again[0].Amount.Equal(ledger[0].Amount) {
		t.Fatalf("expected identical ledger, got %+v", again)
	}
}

func TestCostLedgerBuilderSkipsDeletedCategory(t *testing.T) {
	reg := newLedgerFixture(t)
	reg.DeleteCategory("materials")

	var events []string
	builder := NewCostLedgerBuilder(reg.Products(), reg.CostCategories(), 2, func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	})

	ledger, err := builder.Build(context.Background(), []domain.OrderItem{{ProductID: "prod-a", Quantity: 1, Price: decimal.NewFromInt(100)}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(ledger) != 0 {
		t.Fatalf("expected empty ledger, got %+v", ledger)
	}
	if len(events) != 1 || events[0] != "cost_ledger.category_missing" {
		t.Fatalf("expected category_missing log, got %v", events)
	}
}

func TestCostLedgerBuilderExplicit(t *testing.T) {
	reg := newLedgerFixture(t)
	builder := NewCostLedgerBuilder(reg.Products(), reg.CostCategories(), 2, nil)

	ledger, err := builder.Explicit(context.Background(), []CostEntryInput{
		{CategoryID: "materials", Amount: "12.50"},
		{CategoryID: " materials ", Amount: "2.5"},
	})
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if len(ledger) != 1 || !ledger[0].Amount.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected merged 15, got %+v", ledger)
	}

	_, err = builder.Explicit(context.Background(), []CostEntryInput{{CategoryID: "travel", Amount: "1"}})
	var invalid *InvalidItemError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidItemError for unknown category, got %v", err)
	}

	_, err = builder.Explicit(context.Background(), []CostEntryInput{{CategoryID: "materials", Amount: "lots"}})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for bad amount, got %v", err)
	}
}
