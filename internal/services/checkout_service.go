package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutCartNotReady indicates the cart has no ticked lines to place.
	ErrCheckoutCartNotReady = errors.New("checkout: cart not ready")
	// ErrCheckoutInsufficientStock indicates the order could not be covered by stock.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts  CartService
	Orders OrderService
	// CartRepo is used to restore taken lines when order creation fails.
	CartRepo repositories.CartRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts    CartService
	orders   OrderService
	cartRepo repositories.CartRepository
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.CartRepo == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		carts:    deps.Carts,
		orders:   deps.Orders,
		cartRepo: deps.CartRepo,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Checkout freezes the cart's ticked lines into an order. The lines were
// reserved when they entered the cart, so placement commits those
// reservations instead of re-checking availability; the ticked subset leaves
// the cart without releasing stock.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error) {
	if s == nil || s.carts == nil || s.orders == nil {
		return Order{}, ErrCheckoutUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, ErrCheckoutInvalidInput
	}

	taken, err := s.carts.TakeTickedItems(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, ErrCartInvalidInput), errors.Is(err, ErrCartNotFound):
			return Order{}, fmt.Errorf("%w: no items selected for checkout", ErrCheckoutCartNotReady)
		case errors.Is(err, ErrCartConflict):
			return Order{}, fmt.Errorf("%w: cart changed during checkout", ErrCheckoutCartNotReady)
		default:
			return Order{}, ErrCheckoutUnavailable
		}
	}

	lines := make([]OrderLineRequest, 0, len(taken))
	for _, item := range taken {
		lines = append(lines, OrderLineRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := s.orders.CreateOrder(ctx, CreateOrderCommand{
		UserID:          userID,
		Lines:           lines,
		ShippingAddress: cmd.ShippingAddress,
		PaymentMethod:   cmd.PaymentMethod,
		IsGift:          cmd.IsGift,
		GiftMessage:     cmd.GiftMessage,
		StockReserved:   true,
	})
	if err != nil {
		s.restoreCartLines(ctx, userID, taken)
		switch {
		case errors.Is(err, ErrOrderInvalidInput):
			return Order{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		case errors.Is(err, ErrOrderOutOfStock):
			return Order{}, ErrCheckoutInsufficientStock
		case errors.Is(err, ErrOrderNotFound):
			return Order{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		default:
			return Order{}, err
		}
	}

	return order, nil
}

// restoreCartLines puts taken lines back after a failed order creation. The
// reservations behind them were never released (creation compensates its own
// stock mutations), so the restored cart is consistent again.
func (s *checkoutService) restoreCartLines(ctx context.Context, userID string, taken []domain.CartItem) {
	cart, err := s.cartRepo.GetCart(ctx, userID)
	if err != nil {
		s.logger(ctx, "checkout.cart_restore_failed", map[string]any{
			"userID": userID,
			"error":  err.Error(),
		})
		return
	}

	items := append(cloneCartItems(cart.Items), taken...)
	if _, err := s.cartRepo.ReplaceItems(ctx, userID, items); err != nil {
		s.logger(ctx, "checkout.cart_restore_failed", map[string]any{
			"userID": userID,
			"error":  err.Error(),
		})
	}
}
