package services

import (
	"context"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination       = domain.Pagination
	SortOrder        = domain.SortOrder
	Product          = domain.Product
	ProductType      = domain.ProductType
	ProductSummary   = domain.ProductSummary
	Availability     = domain.Availability
	BookDetails      = domain.BookDetails
	CDDetails        = domain.CDDetails
	DVDDetails       = domain.DVDDetails
	ActivityAction   = domain.ActivityAction
	ActivityLogEntry = domain.ActivityLogEntry
	ActivityRecord   = domain.ActivityRecord
	Cart             = domain.Cart
	CartItem         = domain.CartItem
	CartItemView     = domain.CartItemView
	CartView         = domain.CartView
	PriceLine        = domain.PriceLine
	PriceBreakdown   = domain.PriceBreakdown
	PricingConfig    = domain.PricingConfig
	PaymentMethod    = domain.PaymentMethod
	PaymentInfo      = domain.PaymentInfo
	Order            = domain.Order
	OrderStatus      = domain.OrderStatus
	OrderTotals      = domain.OrderTotals
	OrderLineItem    = domain.OrderLineItem
	Address          = domain.Address
	StockLevel       = domain.StockLevel
	StockEvent       = domain.StockEvent

	SystemHealthReport = domain.SystemHealthReport
)

// CatalogService is the moderation surface for the product catalog: CRUD with
// soft deletes, price-ratio validation, and daily rate limits backed by the
// activity log.
type CatalogService interface {
	CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error)
	GetProduct(ctx context.Context, productID string, opts ProductReadOptions) (Product, error)
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error)
	UpdateProduct(ctx context.Context, cmd UpdateProductCommand) (Product, error)
	DeleteProduct(ctx context.Context, cmd DeleteProductCommand) error
	DeleteProducts(ctx context.Context, cmd BulkDeleteProductsCommand) error
	ListHistory(ctx context.Context, userID string, pager Pagination) ([]ActivityRecord, error)
}

// CartService manages mutable cart state while reserving stock at add time.
type CartService interface {
	GetOrCreateCart(ctx context.Context, userID string) (CartView, error)
	// AddItem accumulates quantity onto an existing line for the product, or
	// creates the line; SetItemQuantity replaces a line's quantity outright.
	AddItem(ctx context.Context, cmd AddCartItemCommand) (CartView, error)
	SetItemQuantity(ctx context.Context, cmd SetCartItemQuantityCommand) (CartView, error)
	SetItemTicked(ctx context.Context, cmd SetItemTickedCommand) (CartView, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (CartView, error)
	ClearCart(ctx context.Context, userID string) error
	// TakeTickedItems atomically removes the ticked lines from the cart and
	// returns them; used by checkout so cleared lines keep their reservation.
	TakeTickedItems(ctx context.Context, userID string) ([]CartItem, error)
}

// StockService centralizes stock reservation, commit, and release workflows
// and publishes stock change events.
type StockService interface {
	Reserve(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error)
	Release(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error)
	Commit(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error)
	Restock(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error)
	SetOnHand(ctx context.Context, productID string, onHand int) (StockLevel, error)
	Get(ctx context.Context, productID string) (StockLevel, error)
	ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[StockLevel], error)
}

// CheckoutService freezes the cart's ticked lines into a placed order.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error)
}

// OrderService drives the order lifecycle state machine.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	// HandlePaymentCompleted is the gateway callback: PENDING orders flip to
	// RECEIVED via a conditional write; COD orders only record the payment id.
	HandlePaymentCompleted(ctx context.Context, cmd PaymentCompletedCommand) (Order, error)
	// MarkCodPaid settles a COD order after delivery.
	MarkCodPaid(ctx context.Context, cmd MarkCodPaidCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	// CancelExpiredOrders cancels PENDING orders past their pending deadline,
	// isolating per-order failures, and returns the number canceled.
	CancelExpiredOrders(ctx context.Context) (int, error)
	FindOrdersExpiringSoon(ctx context.Context, within time.Duration) ([]Order, error)
}

// ActivityLogService persists moderation activity and answers the
// day-bucketed counts behind the rate limits. Record failures propagate so a
// mutation is never applied without its log entry.
type ActivityLogService interface {
	Record(ctx context.Context, record ActivityLogRecord) error
	CountDeletesOn(ctx context.Context, userID string, day time.Time) (int, error)
	CountPriceUpdatesOn(ctx context.Context, userID, productID string, day time.Time) (int, error)
	History(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[ActivityLogEntry], error)
}

// CounterService issues sequential identifiers such as order numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// CounterValue carries the raw and formatted output of a counter increment.
type CounterValue struct {
	Value     int64
	Formatted string
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	Prefix       string
	Suffix       string
	PadLength    int
	MaxValue     *int64
	InitialValue *int64
	Formatter    func(now time.Time, seq int64) string
}

// SystemService aggregates utility endpoints (health checks, build info).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher accepts order lifecycle notifications for downstream processing.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// StockEventPublisher accepts stock change notifications for downstream processing.
type StockEventPublisher interface {
	PublishStockEvent(ctx context.Context, event StockEvent) error
}

// PaymentRefundGateway returns a captured card payment to the customer when
// an admin refunds a delivered order.
type PaymentRefundGateway interface {
	RefundPayment(ctx context.Context, cmd RefundPaymentCommand) error
}

// RefundPaymentCommand identifies the payment to return and why.
type RefundPaymentCommand struct {
	OrderID   string
	PaymentID string
	Amount    int64
	Reason    string
}

// OrderEvent describes a lifecycle change published to the event bus.
type OrderEvent struct {
	Type        string
	OrderID     string
	OrderNumber string
	UserID      string
	Status      OrderStatus
	PrevStatus  *OrderStatus
	ActorID     string
	Reason      string
	OccurredAt  time.Time
	Metadata    map[string]any
}

// ImageURLResolver converts stored cover image references into displayable
// URLs. Implementations substitute a placeholder on failure instead of
// returning an error.
type ImageURLResolver interface {
	ResolveImageURL(ctx context.Context, ref string) string
}

// BackgroundJobDispatcher schedules asynchronous processing such as the
// pending-order expiry sweep.
type BackgroundJobDispatcher interface {
	EnqueueOrderExpirySweep(ctx context.Context, payload ExpirySweepPayload) error
	EnqueueExpiryWarning(ctx context.Context, payload ExpiryWarningPayload) error
}

// Command and DTO definitions ------------------------------------------------

type CreateProductCommand struct {
	ActorID string
	Product Product
}

type ProductReadOptions struct {
	// IncludeDeleted lets admin lookups see soft-deleted entries.
	IncludeDeleted bool
}

type ProductListFilter struct {
	Types          []ProductType
	IncludeDeleted bool
	TitleQuery     string
	PriceRange     domain.RangeQuery[int64]
	SortBy         string
	SortOrder      SortOrder
	Pagination     Pagination
}

type UpdateProductCommand struct {
	ActorID         string
	ProductID       string
	Title           *string
	Description     *string
	Price           *int64
	OriginalPrice   *int64
	DiscountPercent *int
	Stock           *int
	CoverImageRef   *string
	Book            *BookDetails
	CD              *CDDetails
	DVD             *DVDDetails
}

type DeleteProductCommand struct {
	ActorID   string
	ProductID string
}

type BulkDeleteProductsCommand struct {
	ActorID    string
	ProductIDs []string
}

type AddCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
	Ticked    *bool
}

type SetCartItemQuantityCommand struct {
	UserID   string
	ItemID   string
	Quantity int
}

type SetItemTickedCommand struct {
	UserID string
	ItemID string
	Ticked bool
}

type RemoveCartItemCommand struct {
	UserID string
	ItemID string
}

type LowStockFilter struct {
	Threshold  int
	Pagination Pagination
}

type StockAdjustCommand struct {
	ProductID string
	Quantity  int
	UserRef   string
	OrderRef  string
	Reason    string
}

// OrderLineRequest names a product and quantity for explicit order creation.
type OrderLineRequest struct {
	ProductID string
	Quantity  int
}

type CreateOrderCommand struct {
	UserID          string
	Lines           []OrderLineRequest
	ShippingAddress Address
	PaymentMethod   PaymentMethod
	IsGift          bool
	GiftMessage     *string
	Discount        int64
	// StockReserved marks lines whose stock was already reserved at
	// cart-add time; creation then commits the reservation instead of
	// re-checking availability.
	StockReserved bool
}

type CheckoutCommand struct {
	UserID          string
	ShippingAddress Address
	PaymentMethod   PaymentMethod
	IsGift          bool
	GiftMessage     *string
}

type OrderReadOptions struct {
	// OwnerID restricts the read to the order's owner; a mismatch is
	// reported as not found so existence never leaks.
	OwnerID *string
}

type OrderListFilter = repositories.OrderListFilter

type PaymentCompletedCommand struct {
	OrderID   string
	PaymentID string
}

type MarkCodPaidCommand struct {
	OrderID string
	ActorID string
}

type CancelOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
	// OwnerID, when set, requires the order to belong to that user.
	OwnerID *string
}

type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	ActorID        string
	Reason         string
	TrackingNumber *string
	Note           *string
}

// ActivityLogRecord defines the payload accepted by the activity log writer.
type ActivityLogRecord struct {
	UserID     string
	ProductID  string
	Action     ActivityAction
	OccurredAt time.Time
}

type ExpirySweepPayload struct {
	RequestedBy string
}

type ExpiryWarningPayload struct {
	WithinHours int
}
