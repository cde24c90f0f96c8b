package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/platform/requestctx"
	"github.com/payoffsolar/api/internal/services"
)

type stubOrderUpdateService struct {
	applyFn   func(ctx context.Context, orderID string, patch services.OrderPatch) (services.OrderUpdateResult, error)
	getFn     func(ctx context.Context, orderID string) (domain.OrderWithItems, error)
	previewFn func(ctx context.Context, items []services.LineItemInput) (services.LedgerPreview, error)
}

func (s *stubOrderUpdateService) ApplyOrderUpdate(ctx context.Context, orderID string, patch services.OrderPatch) (services.OrderUpdateResult, error) {
	if s.applyFn == nil {
		return services.OrderUpdateResult{}, errors.New("not implemented")
	}
	return s.applyFn(ctx, orderID, patch)
}

func (s *stubOrderUpdateService) GetOrder(ctx context.Context, orderID string) (domain.OrderWithItems, error) {
	if s.getFn == nil {
		return domain.OrderWithItems{}, errors.New("not implemented")
	}
	return s.getFn(ctx, orderID)
}

func (s *stubOrderUpdateService) PreviewCostLedger(ctx context.Context, items []services.LineItemInput) (services.LedgerPreview, error) {
	if s.previewFn == nil {
		return services.LedgerPreview{}, errors.New("not implemented")
	}
	return s.previewFn(ctx, items)
}

func sampleOrder() domain.OrderWithItems {
	wh := "wh-x"
	return domain.OrderWithItems{
		Order: domain.Order{
			ID:        "ord-1",
			ContactID: "contact-1",
			Status:    domain.OrderStatusComplete,
			Total:     decimal.RequireFromString("30"),
			OrderDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		Items: []domain.OrderItem{
			{ID: "item-1", OrderID: "ord-1", ProductID: "prod-a", WarehouseID: &wh, Quantity: 3, Price: decimal.RequireFromString("10")},
		},
		CostItems: []domain.CostItem{
			{ID: "cost-1", OrderID: "ord-1", CategoryID: "materials", Amount: decimal.RequireFromString("30")},
		},
	}
}

func newAdminOrderRouter(h *AdminOrderHandlers, actor string) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(requestctx.WithActor(req.Context(), actor)))
		})
	})
	h.Routes(r)
	return r
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestAdminOrderHandlers_UpdateTranslatesBody(t *testing.T) {
	var captured services.OrderPatch
	svc := &stubOrderUpdateService{
		applyFn: func(_ context.Context, orderID string, patch services.OrderPatch) (services.OrderUpdateResult, error) {
			if orderID != "ord-1" {
				t.Fatalf("unexpected order id %s", orderID)
			}
			captured = patch
			return services.OrderUpdateResult{Order: sampleOrder(), Edge: domain.EdgeRising}, nil
		},
	}
	router := newAdminOrderRouter(NewAdminOrderHandlers(svc), "staff-1")

	body := `{"status":"Complete","order_date":"2024-03-01","items":[{"product_id":"prod-a","quantity":"3","price":10,"warehouse_id":"wh-x"},{"product_id":"prod-b","quantity":1,"price":"4.50"}]}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/orders/ord-1", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Status == nil || *captured.Status != "Complete" {
		t.Fatalf("expected status to be forwarded, got %v", captured.Status)
	}
	if captured.ActorID != "staff-1" {
		t.Fatalf("expected actor staff-1, got %q", captured.ActorID)
	}
	if captured.OrderDate == nil || !captured.OrderDate.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected order date %v", captured.OrderDate)
	}
	if captured.Items == nil || len(captured.Items.Items) != 2 {
		t.Fatalf("expected two items, got %+v", captured.Items)
	}
	if _, ok := captured.Items.Ledger.(services.DerivedLedger); !ok {
		t.Fatalf("expected derived ledger, got %T", captured.Items.Ledger)
	}
	first, second := captured.Items.Items[0], captured.Items.Items[1]
	if first.Quantity != "3" || first.Price != "10" || first.WarehouseID != "wh-x" {
		t.Fatalf("unexpected first item %+v", first)
	}
	if second.Quantity != "1" || second.Price != "4.50" || second.WarehouseID != "" {
		t.Fatalf("unexpected second item %+v", second)
	}

	resp := decodeBody(t, rr)
	if resp["success"] != true {
		t.Fatalf("expected success true, got %v", resp["success"])
	}
	if _, ok := resp["warnings"]; ok {
		t.Fatalf("expected no warnings, got %v", resp["warnings"])
	}
	order := resp["order"].(map[string]any)
	if order["total"] != "30" || order["status"] != "complete" {
		t.Fatalf("unexpected order payload %v", order)
	}
}

func TestAdminOrderHandlers_UpdateWithExplicitLedger(t *testing.T) {
	var captured services.OrderPatch
	svc := &stubOrderUpdateService{
		applyFn: func(_ context.Context, _ string, patch services.OrderPatch) (services.OrderUpdateResult, error) {
			captured = patch
			return services.OrderUpdateResult{Order: sampleOrder()}, nil
		},
	}
	router := newAdminOrderRouter(NewAdminOrderHandlers(svc), "staff-1")

	body := `{"items":[{"product_id":"prod-a","quantity":1,"price":5}],"cost_items":[{"category_id":"labor","amount":"2.5"},{"category_id":"labor","amount":1}]}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/orders/ord-1", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	explicit, ok := captured.Items.Ledger.(services.ExplicitLedger)
	if !ok {
		t.Fatalf("expected explicit ledger, got %T", captured.Items.Ledger)
	}
	if len(explicit.Entries) != 2 || explicit.Entries[0].Amount != "2.5" || explicit.Entries[1].Amount != "1" {
		t.Fatalf("unexpected entries %+v", explicit.Entries)
	}
}

func TestAdminOrderHandlers_UpdateRejectsMalformedRequests(t *testing.T) {
	cases := map[string]string{
		"cost items without items": `{"cost_items":[{"category_id":"labor","amount":1}]}`,
		"bad date":                 `{"order_date":"yesterday"}`,
		"bad total":                `{"total":"lots"}`,
		"unknown field":            `{"colour":"red"}`,
		"bad quantity type":        `{"items":[{"product_id":"p","quantity":true,"price":1}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubOrderUpdateService{
				applyFn: func(context.Context, string, services.OrderPatch) (services.OrderUpdateResult, error) {
					t.Fatalf("service must not be called")
					return services.OrderUpdateResult{}, nil
				},
			}
			router := newAdminOrderRouter(NewAdminOrderHandlers(svc), "staff-1")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/orders/ord-1", strings.NewReader(body)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAdminOrderHandlers_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid item", &services.InvalidItemError{Field: "items[0].quantity", Reason: "must be positive"}, http.StatusBadRequest, "invalid_item"},
		{"missing warehouse", &services.MissingWarehouseError{Items: []int{1}, ProductIDs: []string{"prod-b"}}, http.StatusBadRequest, "missing_warehouse"},
		{"insufficient", &services.InsufficientInventoryError{Shortfalls: []services.InventoryShortfall{{ProductID: "prod-a", WarehouseID: "wh-x", Requested: 6, Available: 5}}}, http.StatusConflict, "insufficient_inventory"},
		{"not found", &services.NotFoundError{Entity: "order", ID: "ord-1"}, http.StatusNotFound, "not_found"},
		{"busy", services.ErrOrderBusy, http.StatusConflict, "order_busy"},
		{"unexpected", errors.New("db exploded"), http.StatusInternalServerError, "order_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrderUpdateService{
				applyFn: func(context.Context, string, services.OrderPatch) (services.OrderUpdateResult, error) {
					return services.OrderUpdateResult{}, tc.err
				},
			}
			router := newAdminOrderRouter(NewAdminOrderHandlers(svc), "staff-1")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/orders/ord-1", strings.NewReader(`{"status":"complete"}`)))

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			body := decodeBody(t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
			if tc.code == "insufficient_inventory" {
				details := body["details"].(map[string]any)
				shortfalls := details["shortfalls"].([]any)
				first := shortfalls[0].(map[string]any)
				if first["product_id"] != "prod-a" || first["requested"] != float64(6) || first["available"] != float64(5) {
					t.Fatalf("unexpected shortfall %v", first)
				}
			}
		})
	}
}

func TestAdminOrderHandlers_AdjustmentFailureIsWarning(t *testing.T) {
	svc := &stubOrderUpdateService{
		applyFn: func(context.Context, string, services.OrderPatch) (services.OrderUpdateResult, error) {
			return services.OrderUpdateResult{
				Order: sampleOrder(),
				Edge:  domain.EdgeRising,
				Adjustment: &services.InventoryAdjustmentError{
					Edge:     domain.EdgeRising,
					Failures: []services.AdjustmentFailure{{ProductID: "prod-a", WarehouseID: "wh-x", Delta: -3, Reason: "insufficient stock"}},
				},
			}, nil
		},
	}
	router := newAdminOrderRouter(NewAdminOrderHandlers(svc), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/orders/ord-1", strings.NewReader(`{"status":"complete"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	warnings, ok := body["warnings"].([]any)
	if !ok || len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", body["warnings"])
	}
	if !strings.Contains(warnings[0].(string), "prod-a") {
		t.Fatalf("warning should name the product, got %v", warnings[0])
	}
}

func TestAdminOrderHandlers_GetOrder(t *testing.T) {
	svc := &stubOrderUpdateService{
		getFn: func(_ context.Context, orderID string) (domain.OrderWithItems, error) {
			if orderID == "missing" {
				return domain.OrderWithItems{}, &services.NotFoundError{Entity: "order", ID: orderID}
			}
			return sampleOrder(), nil
		},
	}
	router := newAdminOrderRouter(NewAdminOrderHandlers(svc), "staff-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/ord-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	order := decodeBody(t, rr)["order"].(map[string]any)
	items := order["items"].([]any)
	item := items[0].(map[string]any)
	if item["warehouse_id"] != "wh-x" || item["line_total"] != "30" {
		t.Fatalf("unexpected item payload %v", item)
	}
	if order["order_date"] != "2024-03-01T00:00:00Z" {
		t.Fatalf("unexpected order date %v", order["order_date"])
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAdminOrderHandlers_PreviewLedger(t *testing.T) {
	svc := &stubOrderUpdateService{
		previewFn: func(_ context.Context, items []services.LineItemInput) (services.LedgerPreview, error) {
			if len(items) != 1 || items[0].Quantity != "2" {
				t.Fatalf("unexpected items %+v", items)
			}
			return services.LedgerPreview{
				Items:     []domain.OrderItem{{ProductID: "prod-a", Quantity: 2, Price: decimal.RequireFromString("25")}},
				Total:     decimal.RequireFromString("50"),
				CostItems: []services.CostAmount{{CategoryID: "materials", Amount: decimal.RequireFromString("20")}},
			}, nil
		},
	}
	router := newAdminOrderRouter(NewAdminOrderHandlers(svc), "staff-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/cost-ledger:preview", strings.NewReader(`{"items":[{"product_id":"prod-a","quantity":2,"price":25}]}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["total"] != "50" {
		t.Fatalf("unexpected total %v", body["total"])
	}
	costs := body["cost_items"].([]any)
	if costs[0].(map[string]any)["amount"] != "20" {
		t.Fatalf("unexpected cost items %v", costs)
	}
}

func TestAdminOrderHandlers_RateLimitPerActor(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	svc := &stubOrderUpdateService{
		applyFn: func(context.Context, string, services.OrderPatch) (services.OrderUpdateResult, error) {
			calls++
			return services.OrderUpdateResult{Order: sampleOrder()}, nil
		},
	}
	handlers := NewAdminOrderHandlers(svc, WithOrderWriteRateLimit(1, time.Minute, func() time.Time { return now }))

	send := func(actor string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		newAdminOrderRouter(handlers, actor).ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/orders/ord-1", strings.NewReader(`{"notes":"x"}`)))
		return rr
	}

	if rr := send("staff-1"); rr.Code != http.StatusOK {
		t.Fatalf("first call: expected 200, got %d", rr.Code)
	}
	rr := send("staff-1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second call: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
	if rr := send("staff-2"); rr.Code != http.StatusOK {
		t.Fatalf("other actor: expected 200, got %d", rr.Code)
	}
	if calls != 2 {
		t.Fatalf("expected 2 service calls, got %d", calls)
	}
}

func TestFlexibleNumberAcceptsNumbersAndStrings(t *testing.T) {
	var payload struct {
		A flexibleNumber `json:"a"`
		B flexibleNumber `json:"b"`
		C flexibleNumber `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":1.50,"b":" 2 ","c":null}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.A != "1.50" || payload.B != "2" || payload.C != "" {
		t.Fatalf("unexpected values %+v", payload)
	}
	if err := json.Unmarshal([]byte(`{"a":{}}`), &payload); err == nil {
		t.Fatalf("expected error for object value")
	}
}
