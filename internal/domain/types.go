package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// ProductType discriminates the catalog variants sharing the base product record.
type ProductType string

const (
	// ProductTypeBook marks printed book products.
	ProductTypeBook ProductType = "BOOK"
	// ProductTypeCD marks music CD products.
	ProductTypeCD ProductType = "CD"
	// ProductTypeDVD marks film DVD products.
	ProductTypeDVD ProductType = "DVD"
)

// Availability models the soft-delete state of a catalog entry. Deleted
// products stay persisted so order line snapshots keep resolving.
type Availability string

const (
	// ProductActive marks a product visible on all read paths.
	ProductActive Availability = "active"
	// ProductDeleted marks a soft-deleted product, excluded from reads
	// except explicit admin lookups.
	ProductDeleted Availability = "deleted"
)

// BookDetails carries the book-specific payload of a product.
type BookDetails struct {
	Author    string
	ISBN      string
	Publisher string
	PageCount int
	Genres    []string
	Language  string
}

// CDDetails carries the music-specific payload of a product.
type CDDetails struct {
	Artist      string
	AlbumTitle  string
	TrackList   []string
	Genre       string
	ReleaseYear int
}

// DVDDetails carries the film-specific payload of a product.
type DVDDetails struct {
	Director       string
	RuntimeMinutes int
	Studio         string
	Rating         string
	Subtitles      []string
}

// Product is the catalog entry shared by every variant. Exactly one of the
// Details pointers matching Type is populated; monetary fields are in the
// smallest currency unit.
type Product struct {
	ID              string
	Type            ProductType
	Title           string
	Description     string
	Currency        string
	OriginalPrice   int64
	Price           int64
	DiscountPercent int
	Stock           int
	Availability    Availability
	CoverImageRef   string
	CoverImageURL   string
	SearchKey       string
	Book            *BookDetails
	CD              *CDDetails
	DVD             *DVDDetails
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProductSummary is the trimmed projection used by cart and listing reads.
type ProductSummary struct {
	ID              string
	Type            ProductType
	Title           string
	Price           int64
	OriginalPrice   int64
	DiscountPercent int
	Stock           int
	Availability    Availability
	CoverImageURL   string
}

// ActivityAction enumerates the moderation mutations recorded in the activity log.
type ActivityAction string

const (
	// ActivityActionCreate records a product creation.
	ActivityActionCreate ActivityAction = "create"
	// ActivityActionUpdate records a non-price product update.
	ActivityActionUpdate ActivityAction = "update"
	// ActivityActionUpdatePrice records a price change, counted against the per-product daily cap.
	ActivityActionUpdatePrice ActivityAction = "update_price"
	// ActivityActionDelete records a soft delete, counted against the per-user daily cap.
	ActivityActionDelete ActivityAction = "delete"
	// ActivityActionBulkDelete records a soft delete performed through the bulk endpoint.
	ActivityActionBulkDelete ActivityAction = "bulk_delete"
)

// ActivityLogEntry is an immutable record of a single product mutation.
type ActivityLogEntry struct {
	ID        string
	UserID    string
	ProductID string
	Action    ActivityAction
	CreatedAt time.Time
}

// ActivityRecord joins a log entry with the product title for history views.
type ActivityRecord struct {
	Entry        ActivityLogEntry
	ProductTitle string
}

// Cart aggregates the mutable shopping cart state for a user.
type Cart struct {
	ID        string
	UserID    string
	Currency  string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem stores a single product line within a cart. At most one line per
// product exists; Ticked selects the line for the next checkout.
type CartItem struct {
	ID        string
	ProductID string
	Quantity  int
	Ticked    bool
	AddedAt   time.Time
	UpdatedAt *time.Time
}

// CartItemView decorates a cart line with live catalog display fields. These
// are populated at read time and can drift from the catalog until checkout
// freezes them into an order snapshot.
type CartItemView struct {
	CartItem
	Title           string
	ProductType     ProductType
	UnitPrice       int64
	DiscountPercent int
	CoverImageURL   string
	Available       int
}

// CartView is the cart read model returned to handlers.
type CartView struct {
	Cart
	Lines    []CartItemView
	Estimate *PriceBreakdown
}

// PaymentMethod identifies how an order is settled.
type PaymentMethod string

const (
	// PaymentMethodCOD is cash collected on delivery; the order is RECEIVED
	// immediately but stays unpaid until delivery.
	PaymentMethodCOD PaymentMethod = "COD"
	// PaymentMethodCard is the card gateway; the order stays PENDING until
	// the gateway confirms payment.
	PaymentMethodCard PaymentMethod = "CARD"
)

// PaymentInfo tracks settlement state on an order.
type PaymentInfo struct {
	Method    PaymentMethod
	PaymentID *string
	IsPaid    bool
	PaidAt    *time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates an unpaid gateway order awaiting payment.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusReceived indicates the order is accepted (paid, or COD).
	OrderStatusReceived OrderStatus = "RECEIVED"
	// OrderStatusConfirmed indicates an operator confirmed the order.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusPrepared indicates the order is picked and packed.
	OrderStatusPrepared OrderStatus = "PREPARED"
	// OrderStatusShipped indicates the order was handed to the carrier.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCanceled is terminal; reached by user, admin, or expiry sweep.
	OrderStatusCanceled OrderStatus = "CANCELED"
	// OrderStatusRefunded is terminal; reached only from DELIVERED.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
// Total is computed once at creation and never recomputed.
type OrderTotals struct {
	Subtotal   int64
	Shipping   int64
	Tax        int64
	Discount   int64
	Total      int64
	TotalItems int
}

// OrderLineItem is a frozen snapshot of the product at order-creation time.
// Later catalog changes never retroactively affect a placed order.
type OrderLineItem struct {
	ProductID       string
	ProductType     ProductType
	Title           string
	Author          string
	Quantity        int
	UnitPrice       int64
	DiscountPercent int
}

// Order captures the full order aggregate returned to handlers/services.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	Currency        string
	Items           []OrderLineItem
	ShippingAddress Address
	Payment         PaymentInfo
	Totals          OrderTotals
	IsGift          bool
	GiftMessage     *string
	TrackingNumber  *string
	Notes           []string
	CancelReason    *string
	UpdatedBy       *string
	PendingExpiry   *time.Time
	ReceivedAt      *time.Time
	ConfirmedAt     *time.Time
	PreparedAt      *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CanceledAt      *time.Time
	RefundedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Address represents postal address structures shared by user and order layers.
type Address struct {
	FullName   string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
	Email      string
}

// StockLevel represents current stock metrics tracked per product. Available
// is maintained as OnHand minus Reserved.
type StockLevel struct {
	ProductID string
	OnHand    int
	Reserved  int
	Available int
	UpdatedAt time.Time
}

// StockEvent captures stock adjustments for downstream analytics/audit.
type StockEvent struct {
	Type          string
	ProductID     string
	UserRef       string
	OrderRef      string
	DeltaOnHand   int
	DeltaReserved int
	OnHand        int
	Reserved      int
	OccurredAt    time.Time
	Metadata      map[string]any
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
