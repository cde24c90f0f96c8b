package memory

import (
	"context"
	"errors"
	"testing"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/repositories"
)

func TestRunInTxRestoresSnapshotOnError(t *testing.T) {
	reg := NewRegistry()
	reg.PutProduct(domain.Product{ID: "prod-a"})
	reg.PutInventory(domain.Inventory{ProductID: "prod-a", WarehouseID: "wh-x", Quantity: 5})

	boom := errors.New("boom")
	err := reg.RunInTx(context.Background(), func(ctx context.Context) error {
		if _, err := reg.Inventory().Adjust(ctx, "prod-a", "wh-x", -3); err != nil {
			t.Fatalf("adjust: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := reg.InventoryLevel("prod-a", "wh-x"); got != 5 {
		t.Fatalf("expected rollback to 5, got %d", got)
	}
}

func TestNestedRunInTxRollsBackOnlyInnerWork(t *testing.T) {
	reg := NewRegistry()
	reg.PutProduct(domain.Product{ID: "prod-a"})
	reg.PutOrder(domain.Order{ID: "ord-1", Status: "pending"})
	reg.PutInventory(domain.Inventory{ProductID: "prod-a", WarehouseID: "wh-x", Quantity: 5})

	err := reg.RunInTx(context.Background(), func(ctx context.Context) error {
		if err := reg.Orders().Update(ctx, domain.Order{ID: "ord-1", Status: "complete"}); err != nil {
			return err
		}
		inner := reg.RunInTx(ctx, func(ctx context.Context) error {
			if _, err := reg.Inventory().Adjust(ctx, "prod-a", "wh-x", -2); err != nil {
				return err
			}
			_, err := reg.Inventory().Adjust(ctx, "prod-a", "wh-x", -10)
			return err
		})
		var invErr *repositories.InventoryError
		if !errors.As(inner, &invErr) || invErr.Code != repositories.InventoryErrorInsufficientStock {
			t.Fatalf("expected insufficient stock, got %v", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer tx: %v", err)
	}

	order, _ := reg.Orders().FindByID(context.Background(), "ord-1")
	if order.Status != "complete" {
		t.Fatalf("expected outer write to persist, got %s", order.Status)
	}
	if got := reg.InventoryLevel("prod-a", "wh-x"); got != 5 {
		t.Fatalf("expected inner adjustments rolled back, got %d", got)
	}
}

func TestCostItemInsertRejectsDuplicateCategory(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()
	if err := reg.CostItems().Insert(ctx, domain.CostItem{ID: "c1", OrderID: "ord-1", CategoryID: "materials"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := reg.CostItems().Insert(ctx, domain.CostItem{ID: "c2", OrderID: "ord-1", CategoryID: "materials"}); err == nil {
		t.Fatalf("expected duplicate category to be rejected")
	}
}

func TestFindByIDNotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Orders().FindByID(context.Background(), "missing")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found repository error, got %v", err)
	}
}
