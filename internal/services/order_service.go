package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/textutil"
	"github.com/bookhaven/api/internal/repositories"
)

const (
	orderEventCreated          = "order.created"
	orderEventStatusChanged    = "order.status.changed"
	orderEventPaymentCompleted = "order.payment.completed"

	orderIDPrefix = "ord_"

	// pendingPaymentWindow is how long a gateway order may sit unpaid before
	// the expiry sweep cancels it.
	pendingPaymentWindow = 24 * time.Hour

	expiredOrderReason = "expired"

	maxGiftMessageLength = 500
	expirySweepPageSize  = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a concurrent update won the conditional write.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderOutOfStock indicates a line could not be covered by available stock.
	ErrOrderOutOfStock = errors.New("order: insufficient stock")
)

// orderStateTransitions is the only place transition legality is encoded.
// CANCELED and REFUNDED are terminal and therefore absent as keys.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:   {domain.OrderStatusReceived, domain.OrderStatusCanceled},
	domain.OrderStatusReceived:  {domain.OrderStatusConfirmed, domain.OrderStatusCanceled},
	domain.OrderStatusConfirmed: {domain.OrderStatusPrepared, domain.OrderStatusCanceled},
	domain.OrderStatusPrepared:  {domain.OrderStatusShipped, domain.OrderStatusCanceled},
	domain.OrderStatusShipped:   {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered: {domain.OrderStatusRefunded},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusReceived,
	domain.OrderStatusConfirmed,
	domain.OrderStatusPrepared,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Counters    CounterService
	Stock       StockService
	Pricer      *PriceCalculator
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Refunds     PaymentRefundGateway
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	counters   CounterService
	stock      StockService
	pricer     *PriceCalculator
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	refunds    PaymentRefundGateway
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock service is required")
	}
	if deps.Pricer == nil {
		return nil, errors.New("order service: price calculator is required")
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

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		counters:   deps.Counters,
		stock:      deps.Stock,
		pricer:     deps.Pricer,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		events:  deps.Events,
		refunds: deps.Refunds,
		logger:  logger,
	}, nil
}

// CreateOrder freezes the requested lines into immutable snapshots, prices
// them once, consumes stock, and persists the order in its initial status.
// Totals are never recomputed after this point.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one line", ErrOrderInvalidInput)
	}
	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return Order{}, err
	}
	method, err := normalizePaymentMethod(cmd.PaymentMethod)
	if err != nil {
		return Order{}, err
	}
	giftMessage, err := normalizeGiftMessage(cmd.IsGift, cmd.GiftMessage)
	if err != nil {
		return Order{}, err
	}
	if cmd.Discount < 0 {
		return Order{}, fmt.Errorf("%w: discount cannot be negative", ErrOrderInvalidInput)
	}

	lines, err := mergeOrderLines(cmd.Lines)
	if err != nil {
		return Order{}, err
	}

	items, err := s.snapshotLines(ctx, lines)
	if err != nil {
		return Order{}, err
	}

	totals, err := s.priceSnapshot(items, cmd.Discount, cmd.ShippingAddress)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:              orderIDPrefix + s.newID(),
		UserID:          userID,
		Currency:        s.pricer.Config().Currency,
		Items:           items,
		ShippingAddress: cmd.ShippingAddress,
		Totals:          totals,
		IsGift:          cmd.IsGift,
		GiftMessage:     giftMessage,
		Payment:         domain.PaymentInfo{Method: method},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch method {
	case domain.PaymentMethodCOD:
		// Cash on delivery: accepted immediately, paid only on delivery.
		order.Status = domain.OrderStatusReceived
		order.ReceivedAt = &now
	default:
		expiry := now.Add(pendingPaymentWindow)
		order.Status = domain.OrderStatusPending
		order.PendingExpiry = &expiry
	}

	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: generating order number: %w", err)
	}
	order.OrderNumber = number

	committed, err := s.consumeStock(ctx, order, cmd.StockReserved)
	if err != nil {
		return Order{}, err
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		s.compensateStock(ctx, order, committed, cmd.StockReserved)
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventCreated,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		OccurredAt:  now,
		Metadata:    map[string]any{"paymentMethod": string(method)},
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	// An ownership mismatch reads exactly like a missing order so existence
	// never leaks to non-owners.
	if opts.OwnerID != nil && order.UserID != strings.TrimSpace(*opts.OwnerID) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// HandlePaymentCompleted is the gateway callback. Gateway orders flip
// PENDING→RECEIVED in one conditional write so concurrent callbacks for the
// same order cannot double-apply; COD orders only record the payment id.
func (s *orderService) HandlePaymentCompleted(ctx context.Context, cmd PaymentCompletedCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if paymentID == "" {
		return Order{}, fmt.Errorf("%w: payment id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()

	if order.Payment.Method == domain.PaymentMethodCOD {
		updated, err := s.orders.UpdateConditional(ctx, orderID, order.Status, func(o *domain.Order) error {
			o.Payment.PaymentID = &paymentID
			o.UpdatedAt = now
			return nil
		})
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		return updated, nil
	}

	// Retried callback for an already settled payment is a no-op.
	if order.Payment.IsPaid {
		if order.Payment.PaymentID != nil && *order.Payment.PaymentID == paymentID {
			return order, nil
		}
		return Order{}, fmt.Errorf("%w: order already paid", ErrOrderConflict)
	}

	updated, err := s.orders.UpdateConditional(ctx, orderID, domain.OrderStatusPending, func(o *domain.Order) error {
		o.Status = domain.OrderStatusReceived
		o.Payment.IsPaid = true
		o.Payment.PaidAt = &now
		o.Payment.PaymentID = &paymentID
		o.PendingExpiry = nil
		o.ReceivedAt = &now
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrOrderConflict) {
			return Order{}, fmt.Errorf("%w: order is not awaiting payment", ErrOrderConflict)
		}
		return Order{}, mapped
	}

	prev := domain.OrderStatusPending
	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventPaymentCompleted,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Status:      updated.Status,
		PrevStatus:  &prev,
		OccurredAt:  now,
		Metadata:    map[string]any{"paymentId": paymentID},
	})

	return updated, nil
}

// MarkCodPaid settles a cash-on-delivery order once the courier collects
// payment. Valid only after the order has shipped.
func (s *orderService) MarkCodPaid(ctx context.Context, cmd MarkCodPaidCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if order.Payment.Method != domain.PaymentMethodCOD {
		return Order{}, fmt.Errorf("%w: order is not cash on delivery", ErrOrderInvalidInput)
	}
	if order.Payment.IsPaid {
		return order, nil
	}
	if order.Status != domain.OrderStatusShipped && order.Status != domain.OrderStatusDelivered {
		return Order{}, fmt.Errorf("%w: COD settles on delivery, order is %s", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)
	updated, err := s.orders.UpdateConditional(ctx, orderID, order.Status, func(o *domain.Order) error {
		o.Payment.IsPaid = true
		o.Payment.PaidAt = &now
		if actor != "" {
			o.UpdatedBy = &actor
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

// Cancel moves a cancellable order to CANCELED and restores the stock
// consumed by each line.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if cmd.OwnerID != nil && order.UserID != strings.TrimSpace(*cmd.OwnerID) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !slices.Contains(cancellableStatuses, order.Status) {
		return Order{}, fmt.Errorf("%w: order status %s cannot be canceled", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)
	reason := textutil.CleanUserText(cmd.Reason)
	prev := order.Status

	updated, err := s.orders.UpdateConditional(ctx, orderID, prev, func(o *domain.Order) error {
		o.Status = domain.OrderStatusCanceled
		o.CanceledAt = &now
		if reason != "" {
			o.CancelReason = &reason
		}
		if actor != "" {
			o.UpdatedBy = &actor
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.restoreStock(ctx, updated)

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventStatusChanged,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Status:      updated.Status,
		PrevStatus:  &prev,
		ActorID:     actor,
		Reason:      reason,
		OccurredAt:  now,
	})

	return updated, nil
}

// TransitionStatus is the admin path through the state machine. Cancellation
// goes through Cancel so stock restoration cannot be skipped.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(string(cmd.TargetStatus))))
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if !isKnownOrderStatus(target) {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}
	if target == domain.OrderStatusCanceled {
		return Order{}, fmt.Errorf("%w: use the cancel operation", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if !canTransition(order.Status, target) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, target)
	}

	// A refund of a captured card payment returns the money before the order
	// record moves; a gateway failure keeps the order DELIVERED.
	if target == domain.OrderStatusRefunded {
		if err := s.refundPayment(ctx, order, cmd.Reason); err != nil {
			return Order{}, err
		}
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)
	prev := order.Status

	updated, err := s.orders.UpdateConditional(ctx, orderID, prev, func(o *domain.Order) error {
		o.Status = target
		stampStatusTimestamp(o, target, now)
		if cmd.TrackingNumber != nil {
			if tracking := strings.TrimSpace(*cmd.TrackingNumber); tracking != "" {
				o.TrackingNumber = &tracking
			}
		}
		if cmd.Note != nil {
			if note := strings.TrimSpace(*cmd.Note); note != "" {
				o.Notes = append(o.Notes, note)
			}
		}
		if actor != "" {
			o.UpdatedBy = &actor
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventStatusChanged,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Status:      updated.Status,
		PrevStatus:  &prev,
		ActorID:     actor,
		Reason:      strings.TrimSpace(cmd.Reason),
		OccurredAt:  now,
	})

	return updated, nil
}

// CancelExpiredOrders cancels every PENDING order whose payment window has
// elapsed. One failing order never aborts the sweep; it is logged and the
// sweep moves on.
func (s *orderService) CancelExpiredOrders(ctx context.Context) (int, error) {
	now := s.now()
	canceled := 0
	pageToken := ""

	for {
		page, err := s.orders.List(ctx, OrderListFilter{
			Status:              []domain.OrderStatus{domain.OrderStatusPending},
			PendingExpiryBefore: &now,
			Pagination:          domain.Pagination{PageSize: expirySweepPageSize, PageToken: pageToken},
		})
		if err != nil {
			return canceled, s.mapRepositoryError(err)
		}

		for _, order := range page.Items {
			if _, err := s.Cancel(ctx, CancelOrderCommand{
				OrderID: order.ID,
				Reason:  expiredOrderReason,
			}); err != nil {
				// A conflict usually means payment landed between the list
				// and the cancel; either way the order is skipped.
				s.logger(ctx, "order.expiry_cancel_failed", map[string]any{
					"orderId": order.ID,
					"error":   err.Error(),
				})
				continue
			}
			canceled++
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return canceled, nil
}

// FindOrdersExpiringSoon lists PENDING orders whose payment deadline falls
// inside the next `within` window, for pre-expiry reminders.
func (s *orderService) FindOrdersExpiringSoon(ctx context.Context, within time.Duration) ([]Order, error) {
	if within <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrOrderInvalidInput)
	}

	now := s.now()
	deadline := now.Add(within)
	var result []Order
	pageToken := ""

	for {
		page, err := s.orders.List(ctx, OrderListFilter{
			Status:              []domain.OrderStatus{domain.OrderStatusPending},
			PendingExpiryBefore: &deadline,
			Pagination:          domain.Pagination{PageSize: expirySweepPageSize, PageToken: pageToken},
		})
		if err != nil {
			return nil, s.mapRepositoryError(err)
		}

		for _, order := range page.Items {
			// Already-expired orders belong to the cancel sweep, not the
			// warning list.
			if order.PendingExpiry != nil && order.PendingExpiry.After(now) {
				result = append(result, order)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return result, nil
}

// refundPayment returns a captured card payment through the configured
// gateway. COD and never-captured payments have nothing to return.
func (s *orderService) refundPayment(ctx context.Context, order domain.Order, reason string) error {
	if order.Payment.Method != domain.PaymentMethodCard || !order.Payment.IsPaid {
		return nil
	}
	if order.Payment.PaymentID == nil || strings.TrimSpace(*order.Payment.PaymentID) == "" {
		return fmt.Errorf("%w: paid card order has no payment id", ErrOrderInvalidState)
	}
	if s.refunds == nil {
		return errors.New("order: refund gateway not configured")
	}

	err := s.refunds.RefundPayment(ctx, RefundPaymentCommand{
		OrderID:   order.ID,
		PaymentID: *order.Payment.PaymentID,
		Amount:    order.Totals.Total,
		Reason:    strings.TrimSpace(reason),
	})
	if err != nil {
		s.logger(ctx, "order.refund_failed", map[string]any{
			"orderId":   order.ID,
			"paymentId": *order.Payment.PaymentID,
			"error":     err.Error(),
		})
		return fmt.Errorf("order: refunding payment: %w", err)
	}
	return nil
}

// snapshotLines loads the referenced products and freezes their display and
// price fields into order line items.
func (s *orderService) snapshotLines(ctx context.Context, lines []OrderLineRequest) ([]domain.OrderLineItem, error) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}

	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	byID := make(map[string]domain.Product, len(products))
	for _, product := range products {
		byID[product.ID] = product
	}

	items := make([]domain.OrderLineItem, 0, len(lines))
	for _, line := range lines {
		product, ok := byID[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", ErrOrderNotFound, line.ProductID)
		}
		if product.Availability != domain.ProductActive {
			return nil, fmt.Errorf("%w: product %s is no longer available", ErrOrderInvalidInput, line.ProductID)
		}
		items = append(items, domain.OrderLineItem{
			ProductID:       product.ID,
			ProductType:     product.Type,
			Title:           product.Title,
			Author:          productCreator(product),
			Quantity:        line.Quantity,
			UnitPrice:       product.Price,
			DiscountPercent: product.DiscountPercent,
		})
	}
	return items, nil
}

func (s *orderService) priceSnapshot(items []domain.OrderLineItem, discount int64, dest domain.Address) (domain.OrderTotals, error) {
	priceLines := make([]PriceLine, 0, len(items))
	for _, item := range items {
		priceLines = append(priceLines, PriceLine{
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			DiscountPercent: item.DiscountPercent,
		})
	}

	breakdown, err := s.pricer.Calculate(PriceCommand{
		Lines:       priceLines,
		Discount:    discount,
		Destination: &dest,
	})
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return domain.OrderTotals{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return domain.OrderTotals{}, err
	}

	return domain.OrderTotals{
		Subtotal:   breakdown.Subtotal,
		Shipping:   breakdown.Shipping,
		Tax:        breakdown.Tax,
		Discount:   breakdown.Discount,
		Total:      breakdown.Total,
		TotalItems: breakdown.TotalItems,
	}, nil
}

// consumeStock decrements on-hand stock for every line. Lines already
// reserved at cart-add time are committed directly; explicit lines reserve
// first so availability is checked atomically. Returns the lines committed
// so far so a later failure can be compensated.
func (s *orderService) consumeStock(ctx context.Context, order domain.Order, reserved bool) ([]domain.OrderLineItem, error) {
	committed := make([]domain.OrderLineItem, 0, len(order.Items))
	for _, item := range order.Items {
		cmd := StockAdjustCommand{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UserRef:   order.UserID,
			OrderRef:  order.ID,
			Reason:    "order_placed",
		}
		if !reserved {
			if _, err := s.stock.Reserve(ctx, cmd); err != nil {
				s.compensateStock(ctx, order, committed, reserved)
				if errors.Is(err, ErrStockInsufficient) {
					return nil, fmt.Errorf("%w: product %s", ErrOrderOutOfStock, item.ProductID)
				}
				if errors.Is(err, ErrStockNotFound) {
					return nil, fmt.Errorf("%w: product %s", ErrOrderNotFound, item.ProductID)
				}
				return nil, err
			}
		}
		if _, err := s.stock.Commit(ctx, cmd); err != nil {
			if !reserved {
				if _, relErr := s.stock.Release(ctx, cmd); relErr != nil {
					s.logger(ctx, "order.stock_release_failed", map[string]any{
						"orderId": order.ID, "productId": item.ProductID, "error": relErr.Error(),
					})
				}
			}
			s.compensateStock(ctx, order, committed, reserved)
			return nil, err
		}
		committed = append(committed, item)
	}
	return committed, nil
}

// compensateStock undoes committed lines after a failed order insert. When
// the lines came from cart reservations the reservation is re-established so
// the cart's lines stay backed by held stock. Failures are logged; the stock
// event trail records what needs fixing.
func (s *orderService) compensateStock(ctx context.Context, order domain.Order, committed []domain.OrderLineItem, reserved bool) {
	for _, item := range committed {
		cmd := StockAdjustCommand{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			OrderRef:  order.ID,
			Reason:    "order_create_rollback",
		}
		if _, err := s.stock.Restock(ctx, cmd); err != nil {
			s.logger(ctx, "order.stock_compensation_failed", map[string]any{
				"orderId":   order.ID,
				"productId": item.ProductID,
				"quantity":  item.Quantity,
				"error":     err.Error(),
			})
			continue
		}
		if reserved {
			if _, err := s.stock.Reserve(ctx, cmd); err != nil {
				s.logger(ctx, "order.stock_compensation_failed", map[string]any{
					"orderId":   order.ID,
					"productId": item.ProductID,
					"quantity":  item.Quantity,
					"error":     err.Error(),
				})
			}
		}
	}
}

// restoreStock returns each canceled line's quantity to on-hand stock.
// Per-line failures are logged so one bad row never blocks the others.
func (s *orderService) restoreStock(ctx context.Context, order domain.Order) {
	for _, item := range order.Items {
		_, err := s.stock.Restock(ctx, StockAdjustCommand{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UserRef:   order.UserID,
			OrderRef:  order.ID,
			Reason:    "order_canceled",
		})
		if err != nil {
			s.logger(ctx, "order.restock_failed", map[string]any{
				"orderId":   order.ID,
				"productId": item.ProductID,
				"quantity":  item.Quantity,
				"error":     err.Error(),
			})
		}
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
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
			"status": string(event.Status),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// mergeOrderLines validates quantities and collapses duplicate product
// references into single lines.
func mergeOrderLines(lines []OrderLineRequest) ([]OrderLineRequest, error) {
	merged := make([]OrderLineRequest, 0, len(lines))
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: line %d product id is required", ErrOrderInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if at, ok := index[productID]; ok {
			merged[at].Quantity += line.Quantity
			continue
		}
		index[productID] = len(merged)
		merged = append(merged, OrderLineRequest{ProductID: productID, Quantity: line.Quantity})
	}
	return merged, nil
}

func validateShippingAddress(addr domain.Address) error {
	if strings.TrimSpace(addr.FullName) == "" {
		return fmt.Errorf("%w: shipping address full name is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.Line1) == "" {
		return fmt.Errorf("%w: shipping address line is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.City) == "" {
		return fmt.Errorf("%w: shipping address city is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.Country) == "" {
		return fmt.Errorf("%w: shipping address country is required", ErrOrderInvalidInput)
	}
	return nil
}

func normalizePaymentMethod(method domain.PaymentMethod) (domain.PaymentMethod, error) {
	normalized := domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(method))))
	switch normalized {
	case domain.PaymentMethodCOD, domain.PaymentMethodCard:
		return normalized, nil
	case "":
		return "", fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	default:
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, method)
	}
}

func normalizeGiftMessage(isGift bool, message *string) (*string, error) {
	if message == nil {
		return nil, nil
	}
	trimmed := textutil.CleanUserText(*message)
	if trimmed == "" {
		return nil, nil
	}
	if !isGift {
		return nil, fmt.Errorf("%w: gift message requires the gift flag", ErrOrderInvalidInput)
	}
	if len(trimmed) > maxGiftMessageLength {
		return nil, fmt.Errorf("%w: gift message must be %d characters or fewer", ErrOrderInvalidInput, maxGiftMessageLength)
	}
	return &trimmed, nil
}

func productCreator(product domain.Product) string {
	switch {
	case product.Book != nil:
		return product.Book.Author
	case product.CD != nil:
		return product.CD.Artist
	case product.DVD != nil:
		return product.DVD.Director
	default:
		return ""
	}
}

func stampStatusTimestamp(order *domain.Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusReceived:
		order.ReceivedAt = &now
	case domain.OrderStatusConfirmed:
		order.ConfirmedAt = &now
	case domain.OrderStatusPrepared:
		order.PreparedAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusRefunded:
		order.RefundedAt = &now
	case domain.OrderStatusCanceled:
		if order.CanceledAt == nil {
			order.CanceledAt = &now
		}
	}
}

func isKnownOrderStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending,
		domain.OrderStatusReceived,
		domain.OrderStatusConfirmed,
		domain.OrderStatusPrepared,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCanceled,
		domain.OrderStatusRefunded:
		return true
	default:
		return false
	}
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return false
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}
