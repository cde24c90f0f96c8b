package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/platform/httpx"
	"github.com/payoffsolar/api/internal/platform/requestctx"
	"github.com/payoffsolar/api/internal/services"
)

const orderDateLayout = "2006-01-02"

// flexibleNumber accepts a JSON number or a numeric string and keeps the raw
// text; form proxies send both.
type flexibleNumber string

func (n *flexibleNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = flexibleNumber(strings.TrimSpace(s))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected a number or numeric string, got %s", data)
	}
	*n = flexibleNumber(num.String())
	return nil
}

type orderItemRequest struct {
	ProductID   string         `json:"product_id"`
	Quantity    flexibleNumber `json:"quantity"`
	Price       flexibleNumber `json:"price"`
	WarehouseID *string        `json:"warehouse_id"`
}

type costItemRequest struct {
	CategoryID string         `json:"category_id"`
	Amount     flexibleNumber `json:"amount"`
}

type updateOrderRequest struct {
	Status    *string             `json:"status"`
	ContactID *string             `json:"contact_id"`
	OrderDate *string             `json:"order_date"`
	Notes     *string             `json:"notes"`
	Total     *flexibleNumber     `json:"total"`
	Items     *[]orderItemRequest `json:"items"`
	CostItems *[]costItemRequest  `json:"cost_items"`
}

type previewLedgerRequest struct {
	Items []orderItemRequest `json:"items"`
}

type orderItemPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id,omitempty"`
	Quantity    int    `json:"quantity"`
	Price       string `json:"price"`
	LineTotal   string `json:"line_total"`
}

type costItemPayload struct {
	ID         string `json:"id,omitempty"`
	CategoryID string `json:"category_id"`
	Amount     string `json:"amount"`
}

type orderPayload struct {
	ID        string             `json:"id"`
	ContactID string             `json:"contact_id"`
	Status    string             `json:"status"`
	Total     string             `json:"total"`
	OrderDate string             `json:"order_date"`
	Notes     string             `json:"notes"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
	Items     []orderItemPayload `json:"items"`
	CostItems []costItemPayload  `json:"cost_items"`
}

type orderResponse struct {
	Success  bool         `json:"success"`
	Order    orderPayload `json:"order"`
	Warnings []string     `json:"warnings,omitempty"`
}

type ledgerPreviewResponse struct {
	Success   bool               `json:"success"`
	Items     []orderItemPayload `json:"items"`
	Total     string             `json:"total"`
	CostItems []costItemPayload  `json:"cost_items"`
}

// AdminOrderHandlers exposes the order-completion engine to staff.
type AdminOrderHandlers struct {
	orders      services.OrderUpdateService
	idempotency func(http.Handler) http.Handler
	limiter     rateLimiter
}

// AdminOrderOption customises AdminOrderHandlers.
type AdminOrderOption func(*AdminOrderHandlers)

// WithOrderIdempotency wraps order updates with the given idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) AdminOrderOption {
	return func(h *AdminOrderHandlers) { h.idempotency = mw }
}

// WithOrderWriteRateLimit caps order writes per staff member. A non-positive limit disables it.
func WithOrderWriteRateLimit(limit int, window time.Duration, clock func() time.Time) AdminOrderOption {
	return func(h *AdminOrderHandlers) { h.limiter = newFixedWindowLimiter(limit, window, clock) }
}

// NewAdminOrderHandlers constructs the staff order handlers.
func NewAdminOrderHandlers(orders services.OrderUpdateService, opts ...AdminOrderOption) *AdminOrderHandlers {
	h := &AdminOrderHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints on the admin group.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/cost-ledger:preview", h.previewLedger)
	r.Get("/orders/{orderID}", h.getOrder)
	if h.idempotency != nil {
		r.With(h.idempotency).Put("/orders/{orderID}", h.updateOrder)
	} else {
		r.Put("/orders/{orderID}", h.updateOrder)
	}
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderUpdateError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Success: true, Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	actor := requestctx.Actor(ctx)
	if h.limiter != nil {
		if ok, retryAfter := h.limiter.Allow(actor); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many order updates; retry later", http.StatusTooManyRequests))
			return
		}
	}

	var req updateOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	patch.ActorID = actor

	result, err := h.orders.ApplyOrderUpdate(ctx, orderID, patch)
	if err != nil {
		writeOrderUpdateError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{
		Success:  true,
		Order:    buildOrderPayload(result.Order),
		Warnings: result.Warnings(),
	})
}

func (h *AdminOrderHandlers) previewLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req previewLedgerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	preview, err := h.orders.PreviewCostLedger(ctx, toLineItemInputs(req.Items))
	if err != nil {
		writeOrderUpdateError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ledgerPreviewResponse{
		Success:   true,
		Items:     buildItemPayloads(preview.Items),
		Total:     preview.Total.String(),
		CostItems: buildCostAmountPayloads(preview.CostItems),
	})
}

func (req updateOrderRequest) toPatch() (services.OrderPatch, error) {
	patch := services.OrderPatch{
		Status:    req.Status,
		ContactID: req.ContactID,
		Notes:     req.Notes,
	}
	if req.OrderDate != nil {
		date, err := parseOrderDate(*req.OrderDate)
		if err != nil {
			return services.OrderPatch{}, err
		}
		patch.OrderDate = &date
	}
	if req.Total != nil && *req.Total != "" {
		total, err := decimal.NewFromString(string(*req.Total))
		if err != nil {
			return services.OrderPatch{}, errors.New("total must be numeric")
		}
		patch.Total = &total
	}

	switch {
	case req.Items != nil:
		replacement := services.ItemsReplacement{
			Items:  toLineItemInputs(*req.Items),
			Ledger: services.DerivedLedger{},
		}
		if req.CostItems != nil {
			entries := make([]services.CostEntryInput, 0, len(*req.CostItems))
			for _, c := range *req.CostItems {
				entries = append(entries, services.CostEntryInput{CategoryID: c.CategoryID, Amount: string(c.Amount)})
			}
			replacement.Ledger = services.ExplicitLedger{Entries: entries}
		}
		patch.Items = &replacement
	case req.CostItems != nil:
		return services.OrderPatch{}, errors.New("cost_items can only be sent together with items")
	}
	return patch, nil
}

func toLineItemInputs(items []orderItemRequest) []services.LineItemInput {
	inputs := make([]services.LineItemInput, 0, len(items))
	for _, item := range items {
		input := services.LineItemInput{
			ProductID: item.ProductID,
			Quantity:  string(item.Quantity),
			Price:     string(item.Price),
		}
		if item.WarehouseID != nil {
			input.WarehouseID = *item.WarehouseID
		}
		inputs = append(inputs, input)
	}
	return inputs
}

// parseOrderDate accepts RFC 3339 timestamps and bare dates.
func parseOrderDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	if day, err := time.Parse(orderDateLayout, raw); err == nil {
		return day, nil
	}
	return time.Time{}, errors.New("order_date must be an RFC3339 timestamp or YYYY-MM-DD date")
}

func buildOrderPayload(order domain.OrderWithItems) orderPayload {
	costItems := make([]costItemPayload, 0, len(order.CostItems))
	for _, c := range order.CostItems {
		costItems = append(costItems, costItemPayload{ID: c.ID, CategoryID: c.CategoryID, Amount: c.Amount.String()})
	}
	return orderPayload{
		ID:        order.ID,
		ContactID: order.ContactID,
		Status:    order.Status.String(),
		Total:     order.Total.String(),
		OrderDate: formatTime(order.OrderDate),
		Notes:     order.Notes,
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
		Items:     buildItemPayloads(order.Items),
		CostItems: costItems,
	}
}

func buildItemPayloads(items []domain.OrderItem) []orderItemPayload {
	result := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		warehouse, _ := item.Warehouse()
		result = append(result, orderItemPayload{
			ID:          item.ID,
			ProductID:   item.ProductID,
			WarehouseID: warehouse,
			Quantity:    item.Quantity,
			Price:       item.Price.String(),
			LineTotal:   item.LineTotal().String(),
		})
	}
	return result
}

func buildCostAmountPayloads(amounts []services.CostAmount) []costItemPayload {
	result := make([]costItemPayload, 0, len(amounts))
	for _, a := range amounts {
		result = append(result, costItemPayload{CategoryID: a.CategoryID, Amount: a.Amount.String()})
	}
	return result
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeOrderUpdateError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var (
		invalidItem  *services.InvalidItemError
		missing      *services.MissingWarehouseError
		insufficient *services.InsufficientInventoryError
		notFound     *services.NotFoundError
	)
	switch {
	case errors.As(err, &missing):
		httpx.WriteError(ctx, w, httpx.NewError("missing_warehouse", err.Error(), http.StatusBadRequest).WithDetails(map[string]any{
			"items":       missing.Items,
			"product_ids": missing.ProductIDs,
		}))
	case errors.As(err, &invalidItem):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_item", err.Error(), http.StatusBadRequest).WithDetails(map[string]any{
			"field": invalidItem.Field,
		}))
	case errors.As(err, &insufficient):
		shortfalls := make([]map[string]any, 0, len(insufficient.Shortfalls))
		for _, s := range insufficient.Shortfalls {
			shortfalls = append(shortfalls, map[string]any{
				"product_id":   s.ProductID,
				"warehouse_id": s.WarehouseID,
				"requested":    s.Requested,
				"available":    s.Available,
			})
		}
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_inventory", "insufficient inventory to complete the order", http.StatusConflict).WithDetails(map[string]any{
			"shortfalls": shortfalls,
		}))
	case errors.As(err, &notFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound).WithDetails(map[string]any{
			"entity": notFound.Entity,
			"id":     notFound.ID,
		}))
	case errors.Is(err, services.ErrOrderBusy):
		httpx.WriteError(ctx, w, httpx.NewError("order_busy", "order is being updated by another request", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
