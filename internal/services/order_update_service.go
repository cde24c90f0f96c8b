package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/payoffsolar/api/internal/domain"
	"github.com/payoffsolar/api/internal/repositories"
)

const (
	// OrderEventStatusChanged is published after a committed status change.
	OrderEventStatusChanged = "order.status.changed"
	// OrderEventAdjustmentFailed is published when the order was saved but stock did not move.
	OrderEventAdjustmentFailed = "order.inventory.adjustment_failed"

	instrumentationName = "github.com/payoffsolar/api/internal/services"
	defaultPrecision    = 2
)

// OrderUpdateServiceDeps bundles the collaborators of the order update service.
type OrderUpdateServiceDeps struct {
	Products       repositories.ProductRepository
	CostCategories repositories.CostCategoryRepository
	Orders         repositories.OrderRepository
	OrderItems     repositories.OrderItemRepository
	CostItems      repositories.CostItemRepository
	Inventory      repositories.InventoryRepository
	UnitOfWork     repositories.UnitOfWork
	Locker         OrderLocker
	Events         OrderEventPublisher
	Tracer         trace.Tracer
	Meter          metric.Meter
	// Precision is the number of decimal places money is rounded to.
	Precision   *int32
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderUpdateService struct {
	orders     repositories.OrderRepository
	items      repositories.OrderItemRepository
	costItems  repositories.CostItemRepository
	unitOfWork repositories.UnitOfWork
	locker     OrderLocker
	events     OrderEventPublisher

	validator *LineItemValidator
	ledger    *CostLedgerBuilder
	guard     *InventoryGuard
	adjuster  *InventoryAdjuster
	notes     *bluemonday.Policy

	tracer             trace.Tracer
	adjustmentFailures metric.Int64Counter

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewOrderUpdateService constructs the order-completion engine.
func NewOrderUpdateService(deps OrderUpdateServiceDeps) (OrderUpdateService, error) {
	switch {
	case deps.Products == nil:
		return nil, errors.New("order update service: product repository is required")
	case deps.CostCategories == nil:
		return nil, errors.New("order update service: cost category repository is required")
	case deps.Orders == nil:
		return nil, errors.New("order update service: order repository is required")
	case deps.OrderItems == nil:
		return nil, errors.New("order update service: order item repository is required")
	case deps.CostItems == nil:
		return nil, errors.New("order update service: cost item repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("order update service: inventory repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	precision := int32(defaultPrecision)
	if deps.Precision != nil {
		if *deps.Precision < 0 {
			return nil, fmt.Errorf("order update service: precision must not be negative, got %d", *deps.Precision)
		}
		precision = *deps.Precision
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	failures, err := meter.Int64Counter("orders.inventory_adjustment.failures",
		metric.WithDescription("Order updates persisted without the matching inventory movement."),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("order update service: create counter: %w", err)
	}

	return &orderUpdateService{
		orders:             deps.Orders,
		items:              deps.OrderItems,
		costItems:          deps.CostItems,
		unitOfWork:         unit,
		locker:             deps.Locker,
		events:             deps.Events,
		validator:          NewLineItemValidator(deps.Products, precision),
		ledger:             NewCostLedgerBuilder(deps.Products, deps.CostCategories, precision, logger),
		guard:              NewInventoryGuard(deps.Inventory),
		adjuster:           NewInventoryAdjuster(deps.Inventory, unit, logger),
		notes:              bluemonday.StrictPolicy(),
		tracer:             tracer,
		adjustmentFailures: failures,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// preparedItems is a validated item replacement ready to be written.
type preparedItems struct {
	items     []domain.OrderItem
	total     decimal.Decimal
	ledger    []CostAmount
	costItems []domain.CostItem
}

func (s *orderUpdateService) ApplyOrderUpdate(ctx context.Context, orderID string, patch OrderPatch) (result OrderUpdateResult, err error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderUpdateResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	ctx, span := s.tracer.Start(ctx, "orders.apply_update", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Bool("order.items_replaced", patch.Items != nil),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("order.status_edge", result.Edge.String()))
		}
		span.End()
	}()

	if s.locker != nil {
		unlock, lockErr := s.locker.Lock(ctx, orderID)
		if lockErr != nil {
			return OrderUpdateResult{}, lockErr
		}
		defer unlock()
	}

	var (
		previous    domain.Order
		updated     domain.Order
		edge        domain.StatusEdge
		adjErr      *InventoryAdjustmentError
		replacement *preparedItems
	)
	txErr := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		// The transaction may be retried; start from a clean slate.
		edge, adjErr, replacement = domain.EdgeNone, nil, nil

		current, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			if isRepoNotFound(err) {
				return &NotFoundError{Entity: "order", ID: orderID}
			}
			return fmt.Errorf("load order %s: %w", orderID, mapRepositoryError(err))
		}
		previous = current

		next, err := s.applyScalarFields(current, patch)
		if err != nil {
			return err
		}

		if patch.Items != nil {
			prepared, err := s.prepareItems(ctx, *patch.Items)
			if err != nil {
				return err
			}
			replacement = &prepared
			next.Total = prepared.total
		}

		edge = domain.DetectEdge(current.Status, next.Status)

		// A rising edge takes the items being written; a falling edge gives back
		// the stored items, which are the ones taken when the order completed.
		var stockItems []domain.OrderItem
		switch {
		case edge == domain.EdgeRising && replacement != nil:
			stockItems = replacement.items
		case edge != domain.EdgeNone:
			stockItems, err = s.items.ListByOrder(ctx, orderID)
			if err != nil {
				return fmt.Errorf("load items of order %s: %w", orderID, mapRepositoryError(err))
			}
		}

		if edge == domain.EdgeRising {
			if err := s.guard.Check(ctx, stockItems); err != nil {
				return err
			}
		}

		now := s.clock()
		if replacement != nil {
			if err := s.replaceItems(ctx, orderID, replacement, now); err != nil {
				return err
			}
		}

		next.UpdatedAt = now
		if err := s.orders.Update(ctx, next); err != nil {
			if isRepoNotFound(err) {
				return &NotFoundError{Entity: "order", ID: orderID}
			}
			return fmt.Errorf("update order %s: %w", orderID, mapRepositoryError(err))
		}
		updated = next

		if edge != domain.EdgeNone {
			if _, err := s.adjuster.Apply(ctx, edge, stockItems); err != nil {
				if !errors.As(err, &adjErr) {
					adjErr = &InventoryAdjustmentError{Edge: edge, Err: err}
				}
			}
		}
		return nil
	})
	if txErr != nil {
		return OrderUpdateResult{}, txErr
	}

	if adjErr != nil {
		s.adjustmentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("edge", edge.String())))
		s.logger(ctx, "order.inventory.adjustment_failed", map[string]any{
			"orderId": orderID,
			"edge":    edge.String(),
			"error":   adjErr.Error(),
		})
		s.publishEvent(ctx, OrderEvent{
			Type:           OrderEventAdjustmentFailed,
			OrderID:        orderID,
			PreviousStatus: previous.Status.String(),
			CurrentStatus:  updated.Status.String(),
			ActorID:        patch.ActorID,
			OccurredAt:     updated.UpdatedAt,
			Metadata: map[string]any{
				"edge":     edge.String(),
				"failures": len(adjErr.Failures),
			},
		})
	}
	if previous.Status != updated.Status {
		s.publishEvent(ctx, OrderEvent{
			Type:           OrderEventStatusChanged,
			OrderID:        orderID,
			PreviousStatus: previous.Status.String(),
			CurrentStatus:  updated.Status.String(),
			ActorID:        patch.ActorID,
			OccurredAt:     updated.UpdatedAt,
			Metadata: map[string]any{
				"edge": edge.String(),
			},
		})
	}

	// The update is committed; a failed reload must not turn it into an error.
	full, err := s.orders.FindWithItems(ctx, orderID)
	if err != nil {
		s.logger(ctx, "order.reload.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return OrderUpdateResult{Order: committedView(updated, replacement), Edge: edge, Adjustment: adjErr, Unreloaded: true}, nil
	}
	return OrderUpdateResult{Order: full, Edge: edge, Adjustment: adjErr}, nil
}

// committedView rebuilds the written order from what this update sent to the
// store. Without an item replacement the lines are unknown and left empty.
func committedView(order domain.Order, replacement *preparedItems) domain.OrderWithItems {
	view := domain.OrderWithItems{Order: order}
	if replacement == nil {
		return view
	}
	view.Items = append([]domain.OrderItem(nil), replacement.items...)
	view.CostItems = append([]domain.CostItem(nil), replacement.costItems...)
	return view
}

func (s *orderUpdateService) applyScalarFields(order domain.Order, patch OrderPatch) (domain.Order, error) {
	if patch.Status != nil {
		status := strings.TrimSpace(*patch.Status)
		if status == "" {
			return domain.Order{}, fmt.Errorf("%w: status must not be empty", ErrOrderInvalidInput)
		}
		order.Status = domain.ParseOrderStatus(status)
	}
	if patch.ContactID != nil {
		contact := strings.TrimSpace(*patch.ContactID)
		if contact == "" {
			return domain.Order{}, fmt.Errorf("%w: contact_id must not be empty", ErrOrderInvalidInput)
		}
		order.ContactID = contact
	}
	if patch.OrderDate != nil {
		if patch.OrderDate.IsZero() {
			return domain.Order{}, fmt.Errorf("%w: order_date must be a valid date", ErrOrderInvalidInput)
		}
		order.OrderDate = patch.OrderDate.UTC()
	}
	if patch.Notes != nil {
		order.Notes = strings.TrimSpace(s.notes.Sanitize(*patch.Notes))
	}
	if patch.Total != nil && patch.Items == nil {
		if patch.Total.IsNegative() {
			return domain.Order{}, fmt.Errorf("%w: total must not be negative", ErrOrderInvalidInput)
		}
		order.Total = patch.Total.Round(s.validator.precision)
	}
	return order, nil
}

func (s *orderUpdateService) prepareItems(ctx context.Context, replacement ItemsReplacement) (preparedItems, error) {
	validated, err := s.validator.Validate(ctx, replacement.Items)
	if err != nil {
		return preparedItems{}, err
	}

	var ledger []CostAmount
	switch mode := replacement.Ledger.(type) {
	case nil, DerivedLedger:
		ledger, err = s.ledger.Build(ctx, validated.Items)
	case ExplicitLedger:
		ledger, err = s.ledger.Explicit(ctx, mode.Entries)
	default:
		err = fmt.Errorf("%w: unsupported ledger mode %T", ErrOrderInvalidInput, mode)
	}
	if err != nil {
		return preparedItems{}, err
	}
	return preparedItems{items: validated.Items, total: validated.Total, ledger: ledger}, nil
}

func (s *orderUpdateService) replaceItems(ctx context.Context, orderID string, prepared *preparedItems, now time.Time) error {
	if err := s.items.DeleteByOrder(ctx, orderID); err != nil {
		return fmt.Errorf("delete items of order %s: %w", orderID, mapRepositoryError(err))
	}
	if err := s.costItems.DeleteByOrder(ctx, orderID); err != nil {
		return fmt.Errorf("delete cost items of order %s: %w", orderID, mapRepositoryError(err))
	}
	for i := range prepared.items {
		item := &prepared.items[i]
		item.ID = s.newID()
		item.OrderID = orderID
		item.CreatedAt = now
		if err := s.items.Insert(ctx, *item); err != nil {
			return fmt.Errorf("insert item %d of order %s: %w", i, orderID, mapRepositoryError(err))
		}
	}
	prepared.costItems = prepared.costItems[:0]
	for _, entry := range prepared.ledger {
		cost := domain.CostItem{
			ID:         s.newID(),
			OrderID:    orderID,
			CategoryID: entry.CategoryID,
			Amount:     entry.Amount,
			CreatedAt:  now,
		}
		if err := s.costItems.Insert(ctx, cost); err != nil {
			return fmt.Errorf("insert cost item %s of order %s: %w", entry.CategoryID, orderID, mapRepositoryError(err))
		}
		prepared.costItems = append(prepared.costItems, cost)
	}
	return nil
}

func (s *orderUpdateService) GetOrder(ctx context.Context, orderID string) (domain.OrderWithItems, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderWithItems{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindWithItems(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.OrderWithItems{}, &NotFoundError{Entity: "order", ID: orderID}
		}
		return domain.OrderWithItems{}, fmt.Errorf("load order %s: %w", orderID, mapRepositoryError(err))
	}
	return order, nil
}

func (s *orderUpdateService) PreviewCostLedger(ctx context.Context, items []LineItemInput) (LedgerPreview, error) {
	validated, err := s.validator.Validate(ctx, items)
	if err != nil {
		return LedgerPreview{}, err
	}
	ledger, err := s.ledger.Build(ctx, validated.Items)
	if err != nil {
		return LedgerPreview{}, err
	}
	return LedgerPreview{Items: validated.Items, Total: validated.Total, CostItems: ledger}, nil
}

func (s *orderUpdateService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}
