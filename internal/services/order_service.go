package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/platform/idempotency"
	"github.com/i-super/Saleor-sub000/internal/platform/observability"
	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
	"github.com/i-super/Saleor-sub000/internal/platform/textutil"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

const maxOrderNoteLen = 5000

// orderStateTransitions lists the statuses reachable from each status. Staying in the same status
// is always allowed.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusDraft:       {domain.OrderStatusUnconfirmed, domain.OrderStatusUnfulfilled},
	domain.OrderStatusUnconfirmed: {domain.OrderStatusUnfulfilled, domain.OrderStatusCanceled},
	domain.OrderStatusUnfulfilled: {domain.OrderStatusPartiallyFulfilled, domain.OrderStatusFulfilled, domain.OrderStatusCanceled},
	domain.OrderStatusPartiallyFulfilled: {
		domain.OrderStatusUnfulfilled,
		domain.OrderStatusFulfilled,
		domain.OrderStatusPartiallyReturned,
		domain.OrderStatusReturned,
	},
	domain.OrderStatusFulfilled: {
		domain.OrderStatusUnfulfilled,
		domain.OrderStatusPartiallyFulfilled,
		domain.OrderStatusPartiallyReturned,
		domain.OrderStatusReturned,
	},
	domain.OrderStatusPartiallyReturned: {
		domain.OrderStatusUnfulfilled,
		domain.OrderStatusPartiallyFulfilled,
		domain.OrderStatusFulfilled,
		domain.OrderStatusReturned,
	},
}

var fulfillableStatuses = []domain.OrderStatus{
	domain.OrderStatusUnfulfilled,
	domain.OrderStatusPartiallyFulfilled,
	domain.OrderStatusPartiallyReturned,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Repositories repositories.Registry
	Calculator   PriceCalculator
	Vouchers     VoucherEvaluator
	Stock        StockService
	GiftCards    GiftCardService
	Gateways     GatewayResolver
	Shipping     ExternalShippingProvider
	Notifier     Notifier
	Webhooks     WebhookDispatcher
	Metrics      Metrics
	// Locker serialises gateway calls per payment. Defaults to an in-process locker.
	Locker      KeyLocker
	Settings    Settings
	Clock       func() time.Time
	IDGenerator func() string
	// TokenGenerator issues order ids.
	TokenGenerator func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	repos     repositories.Registry
	loader    checkoutInfoLoader
	calc      PriceCalculator
	vouchers  VoucherEvaluator
	stock     StockService
	giftCards GiftCardService
	gateways  GatewayResolver
	dispatch  dispatcher
	processor paymentProcessor
	metrics   Metrics
	locker    KeyLocker
	settings  Settings
	now       func() time.Time
	newID     func() string
	newToken  func() string
	logger    func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Repositories == nil {
		return nil, errors.New("order service: repository registry is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("order service: price calculator is required")
	}
	if deps.Vouchers == nil {
		return nil, errors.New("order service: voucher evaluator is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock service is required")
	}
	if deps.GiftCards == nil {
		return nil, errors.New("order service: gift card service is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("order service: gateway resolver is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time {
		return clock().UTC()
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	tokenGen := deps.TokenGenerator
	if tokenGen == nil {
		tokenGen = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = idempotency.NewMemoryLocker()
	}
	settings := deps.Settings

	return &orderService{
		repos:     deps.Repositories,
		loader:    newCheckoutInfoLoader(deps.Repositories, deps.Shipping, settings.DefaultCountry),
		calc:      deps.Calculator,
		vouchers:  deps.Vouchers,
		stock:     deps.Stock,
		giftCards: deps.GiftCards,
		gateways:  deps.Gateways,
		dispatch: dispatcher{
			notifier: deps.Notifier,
			webhooks: deps.Webhooks,
			timeout:  settings.CallTimeout(),
			logger:   logger,
		},
		processor: paymentProcessor{
			timeout: settings.CallTimeout(),
			metrics: metrics,
			newID:   idGen,
			now:     now,
			logger:  logger,
		},
		metrics:  metrics,
		locker:   locker,
		settings: settings,
		now:      now,
		newID:    idGen,
		newToken: tokenGen,
		logger:   logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, domain.NewError(domain.CodeRequired, "id", "This field is required.")
	}
	order, err := s.repos.Orders().Get(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound, "id", "Order does not exist.")
	}
	return order, nil
}

// ListEvents returns the order history ordered by date, then id.
func (s *orderService) ListEvents(ctx context.Context, orderID string) ([]OrderEvent, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	events, err := s.repos.Orders().ListEvents(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, fmt.Errorf("order service: list events: %w", err)
	}
	slices.SortStableFunc(events, func(a, b OrderEvent) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return events, nil
}

// Confirm moves an unconfirmed order to unfulfilled.
func (s *orderService) Confirm(ctx context.Context, orderID string) (Order, error) {
	return s.update(ctx, orderID, "order.Confirm", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		if order.Status != domain.OrderStatusUnconfirmed {
			return invalidTransition(order.Status, domain.OrderStatusUnfulfilled)
		}
		if err := s.transition(order, domain.OrderStatusUnfulfilled); err != nil {
			return err
		}
		rec.event(domain.ConfirmedPayload{})
		rec.webhook(domain.WebhookOrderConfirmed)
		return nil
	})
}

// Cancel cancels an order that has shipped nothing. Restock releases the allocations; VoidPayment
// voids authorized payments that captured nothing.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if err := guardCancel(order.Status); err != nil {
		return Order{}, err
	}

	var voided, failed []paymentOutcome
	if cmd.VoidPayment {
		voided, failed, err = s.voidOrderPayments(ctx, order)
		if err != nil {
			return Order{}, err
		}
	}

	return s.update(ctx, order.ID, "order.Cancel", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		if err := guardCancel(order.Status); err != nil {
			return err
		}
		order.Status = domain.OrderStatusCanceled
		for _, outcome := range failed {
			rec.event(outcome.failedPayload())
		}
		for _, outcome := range voided {
			order.TotalAuthorized = order.TotalAuthorized.Sub(outcome.amount).ClampZero()
			rec.event(domain.PaymentVoidedPayload(outcome.eventData()))
		}
		if cmd.Restock {
			ids := make([]string, 0, len(order.Lines))
			quantity := 0
			for _, line := range order.Lines {
				ids = append(ids, line.ID)
				quantity += line.QuantityUnfulfilled()
			}
			if err := s.stock.DeallocateStockForOrder(ctx, ids); err != nil {
				return err
			}
			if err := s.stock.DeallocatePreorders(ctx, ids); err != nil {
				return err
			}
			rec.event(domain.RestockedItemsPayload{Quantity: quantity})
		}
		if err := s.releaseVoucher(ctx, *order); err != nil {
			return err
		}
		rec.event(domain.CanceledPayload{})
		if order.UserEmail != "" {
			rec.event(domain.EmailSentPayload{EmailType: domain.EmailTypeOrderCanceled, Email: order.UserEmail})
			rec.notify(domain.NotifyOrderCanceled)
		}
		rec.webhook(domain.WebhookOrderCancelled)
		return nil
	})
}

// releaseVoucher gives back the usage a canceled order consumed.
func (s *orderService) releaseVoucher(ctx context.Context, order Order) error {
	if order.VoucherID == "" {
		return nil
	}
	if err := s.repos.Vouchers().DecrementUsage(ctx, order.VoucherID); err != nil {
		if repositories.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("order service: release voucher usage: %w", err)
	}
	if order.UserEmail != "" {
		if err := s.repos.Vouchers().RemoveCustomer(ctx, order.VoucherID, order.UserEmail); err != nil {
			return fmt.Errorf("order service: release voucher customer: %w", err)
		}
	}
	return nil
}

// AddNote appends a staff note to the order history.
func (s *orderService) AddNote(ctx context.Context, orderID, message string) (OrderEvent, error) {
	clean := textutil.SanitizePlainText(message)
	if clean == "" {
		return OrderEvent{}, domain.NewError(domain.CodeRequired, "message", "Message can't be empty.")
	}
	if len([]rune(clean)) > maxOrderNoteLen {
		return OrderEvent{}, domain.NewError(domain.CodeInvalid, "message", fmt.Sprintf("Ensure this value has at most %d characters.", maxOrderNoteLen))
	}
	var note OrderEvent
	_, err := s.update(ctx, orderID, "order.AddNote", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		note = rec.event(domain.NoteAddedPayload{Message: clean})
		return nil
	})
	if err != nil {
		return OrderEvent{}, err
	}
	return note, nil
}

// orderRecorder collects the events and outbound messages of one order operation. Every event
// shares the operation time.
type orderRecorder struct {
	order    *Order
	at       time.Time
	actor    Actor
	newID    func() string
	events   []OrderEvent
	messages []outboundMessage
}

func (r *orderRecorder) event(payload domain.OrderEventPayload) OrderEvent {
	event := domain.NewOrderEvent(r.newID(), r.order.ID, r.at, r.actor, payload)
	r.events = append(r.events, event)
	return event
}

func (r *orderRecorder) notify(event domain.NotifyEvent) {
	r.messages = append(r.messages, notification(event, orderPayload(*r.order)))
}

func (r *orderRecorder) webhook(event domain.WebhookEvent) {
	r.messages = append(r.messages, webhook(event, orderPayload(*r.order)))
}

// update runs fn against the locked order and persists the order, its events and its outbound
// messages atomically.
func (s *orderService) update(ctx context.Context, orderID, spanName string, fn func(ctx context.Context, order *Order, rec *orderRecorder) error) (updated Order, err error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, domain.NewError(domain.CodeRequired, "id", "This field is required.")
	}
	ctx, span := observability.StartSpan(ctx, spanName, attribute.String("order.id", orderID))
	defer func() { observability.EndSpan(span, err) }()

	err = s.repos.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.repos.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound, "id", "Order does not exist.")
		}
		order := current.Clone()
		rec := &orderRecorder{order: &order, at: s.now(), actor: requestctx.Actor(ctx), newID: s.newID}
		if err := fn(ctx, &order, rec); err != nil {
			return err
		}
		order.UpdatedAt = rec.at
		if err := s.repos.Orders().Update(ctx, order); err != nil {
			return fmt.Errorf("order service: update order: %w", err)
		}
		if len(rec.events) > 0 {
			if err := s.repos.Orders().AppendEvents(ctx, rec.events...); err != nil {
				return fmt.Errorf("order service: append events: %w", err)
			}
		}
		s.dispatch.afterCommit(ctx, rec.messages...)
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// transition moves the order to target when the transition table allows it.
func (s *orderService) transition(order *Order, target domain.OrderStatus) error {
	if err := s.guardTransition(order.Status, target); err != nil {
		return err
	}
	order.Status = target
	return nil
}

func (s *orderService) guardTransition(current, target domain.OrderStatus) error {
	if canTransition(current, target) {
		return nil
	}
	return invalidTransition(current, target)
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func guardCancel(current domain.OrderStatus) error {
	if current == domain.OrderStatusCanceled || !canTransition(current, domain.OrderStatusCanceled) {
		return invalidTransition(current, domain.OrderStatusCanceled)
	}
	return nil
}

func invalidTransition(current, target domain.OrderStatus) error {
	return domain.NewError(domain.CodeInvalidTransition, "status",
		fmt.Sprintf("Cannot change order status from %s to %s.", current, target))
}

// aggregateStatus derives the fulfillment status of an order from its line quantities and
// returns.
func aggregateStatus(order Order) domain.OrderStatus {
	total, fulfilled := 0, 0
	for _, line := range order.Lines {
		total += line.Quantity
		fulfilled += line.QuantityFulfilled
	}
	returned := 0
	for _, f := range order.Fulfillments {
		if f.Status == domain.FulfillmentReturned {
			returned += f.Quantity()
		}
	}
	switch {
	case returned > 0 && returned >= total:
		return domain.OrderStatusReturned
	case returned > 0:
		return domain.OrderStatusPartiallyReturned
	case fulfilled == 0:
		return domain.OrderStatusUnfulfilled
	case fulfilled < total:
		return domain.OrderStatusPartiallyFulfilled
	default:
		return domain.OrderStatusFulfilled
	}
}
