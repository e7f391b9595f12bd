package repositories

import (
	"context"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Stock() StockRepository
	Carts() CartRepository
	Orders() OrderRepository
	ActivityLogs() ActivityLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository persists catalog entries. Soft deletes flip availability
// in place so order line snapshots keep resolving.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	Update(ctx context.Context, product domain.Product) error
	// FindByID returns the product regardless of availability; callers decide
	// whether deleted entries are visible.
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) ([]domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
	// SoftDelete marks the product deleted only if it is currently active and
	// reports a conflict otherwise.
	SoftDelete(ctx context.Context, productID string, now time.Time) error
	// SoftDeleteMany atomically marks every listed product deleted; if any id
	// is missing or already deleted the whole batch fails.
	SoftDeleteMany(ctx context.Context, productIDs []string, now time.Time) error
}

// StockRepository tracks per-product stock levels. Every mutation is a
// transactional read-check-write so concurrent callers cannot oversell.
type StockRepository interface {
	// Reserve moves quantity from available into reserved, failing when
	// available < quantity.
	Reserve(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error)
	// Release returns reserved quantity back to availability (cart remove/clear).
	Release(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error)
	// Commit consumes a reservation at order placement, decrementing on-hand.
	Commit(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error)
	// Restock increments on-hand, compensating a committed reservation when a
	// placed order is canceled.
	Restock(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error)
	// SetOnHand seeds or overwrites the on-hand count for a product.
	SetOnHand(ctx context.Context, productID string, onHand int, now time.Time) (domain.StockLevel, error)
	Get(ctx context.Context, productID string) (domain.StockLevel, error)
	ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[domain.StockLevel], error)
}

// LowStockQuery controls pagination and threshold filtering for low stock listings.
type LowStockQuery struct {
	Threshold int
	PageSize  int
	PageToken string
}

// CartRepository owns cart header + items persistence.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error)
}

// OrderRepository persists order aggregates and provides query helpers for
// users and admins. Orders are never deleted.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// UpdateConditional applies mutate inside a transaction only while the
	// order's status equals expectedStatus, reporting a conflict otherwise.
	// This is the compare-and-swap primitive behind payment completion and
	// status transitions.
	UpdateConditional(ctx context.Context, orderID string, expectedStatus domain.OrderStatus, mutate func(order *domain.Order) error) (domain.Order, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID string
	Status []domain.OrderStatus
	// PendingExpiryBefore selects orders whose pending deadline has passed
	// (expiry sweep) or is approaching (warning sweep).
	PendingExpiryBefore *time.Time
	DateRange           domain.RangeQuery[time.Time]
	Pagination          domain.Pagination
}

// ActivityLogRepository persists immutable moderation activity entries and the
// day-bucketed counts that drive rate limiting.
type ActivityLogRepository interface {
	Append(ctx context.Context, entry domain.ActivityLogEntry) error
	// CountByUserBetween counts entries for a user matching any of the given
	// actions within [from, to).
	CountByUserBetween(ctx context.Context, userID string, actions []domain.ActivityAction, from, to time.Time) (int, error)
	// CountByProductBetween additionally scopes the count to one product.
	CountByProductBetween(ctx context.Context, userID, productID string, actions []domain.ActivityAction, from, to time.Time) (int, error)
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.ActivityLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type ProductListFilter struct {
	Types []domain.ProductType
	// IncludeDeleted widens the listing to soft-deleted entries (admin only).
	IncludeDeleted bool
	TitleQuery     string
	PriceRange     domain.RangeQuery[int64]
	SortBy         string
	SortOrder      domain.SortOrder
	Pagination     domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
