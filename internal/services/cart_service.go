package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartProductsRequired   = errors.New("cart service: product repository is required")
	errCartStockRequired      = errors.New("cart service: stock service is required")
	errCartClockRequired      = errors.New("cart service: clock is required")
)

// maxCartLineQuantity bounds a single line so one cart cannot pin an entire
// stock row behind a reservation.
const maxCartLineQuantity = 99

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the requested cart or cart line does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// ErrCartOutOfStock indicates the requested quantity exceeds the product's availability.
var ErrCartOutOfStock = errors.New("cart service: out of stock")

// CartServiceDeps wires the repositories, stock workflow, and pricing
// dependencies for cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Products        repositories.ProductRepository
	Stock           StockService
	Pricer          *PriceCalculator
	Images          ImageURLResolver
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
	IDGenerator     func() string
}

type cartService struct {
	repo     repositories.CartRepository
	products repositories.ProductRepository
	stock    StockService
	pricer   *PriceCalculator
	images   ImageURLResolver
	newID    func() string
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}
	if deps.Stock == nil {
		return nil, errCartStockRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	service := &cartService{
		repo:     deps.Repository,
		products: deps.Products,
		stock:    deps.Stock,
		pricer:   deps.Pricer,
		images:   deps.Images,
		newID:    idGen,
		now:      func() time.Time { return deps.Clock().UTC() },
		currency: defaultCurrency,
		logger:   logger,
	}
	return service, nil
}

// GetOrCreateCart loads the active cart for the user, creating a new cart when absent.
func (s *cartService) GetOrCreateCart(ctx context.Context, userID string) (CartView, error) {
	if s == nil || s.repo == nil {
		return CartView{}, ErrCartUnavailable
	}

	uid := strings.TrimSpace(userID)
	if uid == "" {
		return CartView{}, ErrCartInvalidInput
	}

	cart, err := s.loadOrCreate(ctx, uid)
	if err != nil {
		return CartView{}, err
	}
	return s.buildView(ctx, cart)
}

// AddItem adds a quantity of a product to the cart, reserving that quantity
// at add time so a line in the cart is a line that can be bought. A repeated
// add accumulates onto the existing line; replacing a quantity outright goes
// through SetItemQuantity.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (CartView, error) {
	if s == nil || s.repo == nil {
		return CartView{}, ErrCartUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CartView{}, ErrCartInvalidInput
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CartView{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return CartView{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return CartView{}, fmt.Errorf("%w: product %s", ErrCartNotFound, productID)
		}
		return CartView{}, s.translateRepoError(err)
	}
	if product.Availability != domain.ProductActive {
		return CartView{}, fmt.Errorf("%w: product %s is no longer available", ErrCartInvalidInput, productID)
	}

	cart, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return CartView{}, err
	}

	items := cloneCartItems(cart.Items)
	now := s.now()
	idx := indexOfCartLine(items, productID)

	newQuantity := cmd.Quantity
	if idx >= 0 {
		newQuantity += items[idx].Quantity
	}
	if newQuantity > maxCartLineQuantity {
		return CartView{}, fmt.Errorf("%w: quantity must not exceed %d", ErrCartInvalidInput, maxCartLineQuantity)
	}

	// Reserve only the added quantity; an existing line already holds its
	// reservation. A failed reserve leaves both stock and cart untouched.
	if err := s.adjustReservation(ctx, userID, productID, cmd.Quantity); err != nil {
		return CartView{}, err
	}

	if idx >= 0 {
		items[idx].Quantity = newQuantity
		if cmd.Ticked != nil {
			items[idx].Ticked = *cmd.Ticked
		}
		ts := now
		items[idx].UpdatedAt = &ts
	} else {
		ticked := true
		if cmd.Ticked != nil {
			ticked = *cmd.Ticked
		}
		items = append(items, domain.CartItem{
			ID:        strings.TrimSpace(s.newID()),
			ProductID: productID,
			Quantity:  cmd.Quantity,
			Ticked:    ticked,
			AddedAt:   now,
		})
	}

	saved, err := s.repo.ReplaceItems(ctx, userID, items)
	if err != nil {
		s.rollbackReservation(ctx, userID, productID, cmd.Quantity)
		return CartView{}, s.translateRepoError(err)
	}

	return s.buildView(ctx, s.normaliseCart(saved, userID))
}

// SetItemQuantity replaces the quantity on an existing cart line, reserving
// an increase or releasing a decrease.
func (s *cartService) SetItemQuantity(ctx context.Context, cmd SetCartItemQuantityCommand) (CartView, error) {
	if s == nil || s.repo == nil {
		return CartView{}, ErrCartUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if userID == "" || itemID == "" {
		return CartView{}, ErrCartInvalidInput
	}
	if cmd.Quantity <= 0 {
		return CartView{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}
	if cmd.Quantity > maxCartLineQuantity {
		return CartView{}, fmt.Errorf("%w: quantity must not exceed %d", ErrCartInvalidInput, maxCartLineQuantity)
	}

	cart, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return CartView{}, ErrCartNotFound
		}
		return CartView{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, userID)

	items := cloneCartItems(cart.Items)
	idx := indexOfCartItem(items, itemID)
	if idx < 0 {
		return CartView{}, ErrCartNotFound
	}

	line := items[idx]
	delta := cmd.Quantity - line.Quantity

	if delta > 0 {
		// The line must still be purchasable before more stock is held for it.
		product, err := s.products.FindByID(ctx, line.ProductID)
		if err != nil {
			if isRepoNotFound(err) {
				return CartView{}, fmt.Errorf("%w: product %s", ErrCartNotFound, line.ProductID)
			}
			return CartView{}, s.translateRepoError(err)
		}
		if product.Availability != domain.ProductActive {
			return CartView{}, fmt.Errorf("%w: product %s is no longer available", ErrCartInvalidInput, line.ProductID)
		}
	}

	if err := s.adjustReservation(ctx, userID, line.ProductID, delta); err != nil {
		return CartView{}, err
	}

	items[idx].Quantity = cmd.Quantity
	ts := s.now()
	items[idx].UpdatedAt = &ts

	saved, err := s.repo.ReplaceItems(ctx, userID, items)
	if err != nil {
		s.rollbackReservation(ctx, userID, line.ProductID, delta)
		return CartView{}, s.translateRepoError(err)
	}

	return s.buildView(ctx, s.normaliseCart(saved, userID))
}

// SetItemTicked flips the checkout selection flag on one cart line.
func (s *cartService) SetItemTicked(ctx context.Context, cmd SetItemTickedCommand) (CartView, error) {
	if s == nil || s.repo == nil {
		return CartView{}, ErrCartUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if userID == "" || itemID == "" {
		return CartView{}, ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return CartView{}, ErrCartNotFound
		}
		return CartView{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, userID)

	items := cloneCartItems(cart.Items)
	idx := indexOfCartItem(items, itemID)
	if idx < 0 {
		return CartView{}, ErrCartNotFound
	}

	items[idx].Ticked = cmd.Ticked
	ts := s.now()
	items[idx].UpdatedAt = &ts

	saved, err := s.repo.ReplaceItems(ctx, userID, items)
	if err != nil {
		return CartView{}, s.translateRepoError(err)
	}
	return s.buildView(ctx, s.normaliseCart(saved, userID))
}

// RemoveItem deletes a cart line and releases its stock reservation.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (CartView, error) {
	if s == nil || s.repo == nil {
		return CartView{}, ErrCartUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if userID == "" || itemID == "" {
		return CartView{}, ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return CartView{}, ErrCartNotFound
		}
		return CartView{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, userID)

	items := cloneCartItems(cart.Items)
	idx := indexOfCartItem(items, itemID)
	if idx < 0 {
		return CartView{}, ErrCartNotFound
	}
	removed := items[idx]
	items = append(items[:idx], items[idx+1:]...)

	saved, err := s.repo.ReplaceItems(ctx, userID, items)
	if err != nil {
		return CartView{}, s.translateRepoError(err)
	}

	s.releaseLine(ctx, userID, removed)

	return s.buildView(ctx, s.normaliseCart(saved, userID))
}

// ClearCart removes every line and releases all held reservations.
func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	if s == nil || s.repo == nil {
		return ErrCartUnavailable
	}

	uid := strings.TrimSpace(userID)
	if uid == "" {
		return ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, uid)

	if _, err := s.repo.ReplaceItems(ctx, uid, []domain.CartItem{}); err != nil {
		return s.translateRepoError(err)
	}

	for _, item := range cart.Items {
		s.releaseLine(ctx, uid, item)
	}
	return nil
}

// TakeTickedItems atomically removes the ticked lines from the cart and
// returns them. The lines keep their stock reservations; checkout commits
// those reservations when the order is placed.
func (s *cartService) TakeTickedItems(ctx context.Context, userID string) ([]CartItem, error) {
	if s == nil || s.repo == nil {
		return nil, ErrCartUnavailable
	}

	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return nil, ErrCartNotFound
		}
		return nil, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, uid)

	var ticked, remaining []domain.CartItem
	for _, item := range cloneCartItems(cart.Items) {
		if item.Ticked {
			ticked = append(ticked, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	if len(ticked) == 0 {
		return nil, fmt.Errorf("%w: no items selected", ErrCartInvalidInput)
	}
	if remaining == nil {
		remaining = []domain.CartItem{}
	}

	if _, err := s.repo.ReplaceItems(ctx, uid, remaining); err != nil {
		return nil, s.translateRepoError(err)
	}
	return ticked, nil
}

func (s *cartService) loadOrCreate(ctx context.Context, userID string) (domain.Cart, error) {
	cart, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		if !isRepoNotFound(err) {
			return domain.Cart{}, s.translateRepoError(err)
		}
		saved, err := s.repo.UpsertCart(ctx, s.newCart(userID))
		if err != nil {
			return domain.Cart{}, s.translateRepoError(err)
		}
		cart = saved
	}
	return s.normaliseCart(cart, userID), nil
}

func (s *cartService) newCart(userID string) domain.Cart {
	now := s.now()
	return domain.Cart{
		ID:        "crt_" + strings.TrimSpace(s.newID()),
		UserID:    userID,
		Currency:  s.currency,
		Items:     []domain.CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *cartService) normaliseCart(cart domain.Cart, userID string) domain.Cart {
	if cart.ID = strings.TrimSpace(cart.ID); cart.ID == "" {
		cart.ID = "crt_" + strings.TrimSpace(s.newID())
	}
	cart.UserID = strings.TrimSpace(firstNonEmpty(cart.UserID, userID))
	cart.Currency = strings.ToUpper(strings.TrimSpace(firstNonEmpty(cart.Currency, s.currency)))
	if cart.Items == nil {
		cart.Items = []domain.CartItem{}
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = s.now()
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = s.now()
	}
	return cart
}

// adjustReservation reserves a positive delta or releases a negative one.
func (s *cartService) adjustReservation(ctx context.Context, userID, productID string, delta int) error {
	switch {
	case delta > 0:
		_, err := s.stock.Reserve(ctx, StockAdjustCommand{
			ProductID: productID,
			Quantity:  delta,
			UserRef:   userID,
			Reason:    "cart_add",
		})
		if err != nil {
			if errors.Is(err, ErrStockInsufficient) {
				var stockErr *repositories.StockError
				if errors.As(err, &stockErr) && stockErr.Requested > 0 {
					return fmt.Errorf("%w: product %s: %d available, %d requested", ErrCartOutOfStock, productID, stockErr.Available, stockErr.Requested)
				}
				return fmt.Errorf("%w: product %s", ErrCartOutOfStock, productID)
			}
			if errors.Is(err, ErrStockNotFound) {
				return fmt.Errorf("%w: product %s", ErrCartNotFound, productID)
			}
			if errors.Is(err, ErrStockInvalidInput) {
				return ErrCartInvalidInput
			}
			return ErrCartUnavailable
		}
		return nil
	case delta < 0:
		_, err := s.stock.Release(ctx, StockAdjustCommand{
			ProductID: productID,
			Quantity:  -delta,
			UserRef:   userID,
			Reason:    "cart_update",
		})
		if err != nil {
			if errors.Is(err, ErrStockNotFound) {
				return fmt.Errorf("%w: product %s", ErrCartNotFound, productID)
			}
			if errors.Is(err, ErrStockInvalidInput) {
				return ErrCartInvalidInput
			}
			return ErrCartUnavailable
		}
		return nil
	default:
		return nil
	}
}

// rollbackReservation undoes adjustReservation after a failed cart write.
// Failures are logged; a leaked reservation shows up in the stock events and
// can be corrected, whereas surfacing it would mask the original error.
func (s *cartService) rollbackReservation(ctx context.Context, userID, productID string, delta int) {
	var err error
	switch {
	case delta > 0:
		_, err = s.stock.Release(ctx, StockAdjustCommand{ProductID: productID, Quantity: delta, UserRef: userID, Reason: "cart_rollback"})
	case delta < 0:
		_, err = s.stock.Reserve(ctx, StockAdjustCommand{ProductID: productID, Quantity: -delta, UserRef: userID, Reason: "cart_rollback"})
	default:
		return
	}
	if err != nil {
		s.logger(ctx, "cart.reservation_rollback_failed", map[string]any{
			"userID":    userID,
			"productID": productID,
			"delta":     delta,
			"error":     err.Error(),
		})
	}
}

func (s *cartService) releaseLine(ctx context.Context, userID string, item domain.CartItem) {
	if item.Quantity <= 0 {
		return
	}
	_, err := s.stock.Release(ctx, StockAdjustCommand{
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		UserRef:   userID,
		Reason:    "cart_remove",
	})
	if err != nil {
		s.logger(ctx, "cart.release_failed", map[string]any{
			"userID":    userID,
			"productID": item.ProductID,
			"quantity":  item.Quantity,
			"error":     err.Error(),
		})
	}
}

// buildView decorates cart lines with live catalog fields and attaches a
// price estimate over the ticked lines.
func (s *cartService) buildView(ctx context.Context, cart domain.Cart) (CartView, error) {
	view := CartView{Cart: cart, Lines: make([]CartItemView, 0, len(cart.Items))}
	if len(cart.Items) == 0 {
		return view, nil
	}

	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return CartView{}, s.translateRepoError(err)
	}
	byID := make(map[string]domain.Product, len(products))
	for _, product := range products {
		byID[product.ID] = product
	}

	var estimateLines []PriceLine
	for _, item := range cart.Items {
		line := CartItemView{CartItem: item}
		product, ok := byID[item.ProductID]
		if !ok || product.Availability != domain.ProductActive {
			// Product removed from the catalog after it was added; the line
			// stays visible but cannot be bought.
			view.Lines = append(view.Lines, line)
			continue
		}
		line.Title = product.Title
		line.ProductType = product.Type
		line.UnitPrice = product.Price
		line.DiscountPercent = product.DiscountPercent
		line.Available = product.Stock
		if s.images != nil && product.CoverImageRef != "" {
			line.CoverImageURL = s.images.ResolveImageURL(ctx, product.CoverImageRef)
		} else {
			line.CoverImageURL = product.CoverImageURL
		}
		view.Lines = append(view.Lines, line)

		if item.Ticked {
			estimateLines = append(estimateLines, PriceLine{
				Quantity:        item.Quantity,
				UnitPrice:       product.Price,
				DiscountPercent: product.DiscountPercent,
			})
		}
	}

	if s.pricer != nil && len(estimateLines) > 0 {
		breakdown, err := s.pricer.Calculate(PriceCommand{Lines: estimateLines})
		if err != nil {
			s.logger(ctx, "cart.estimate_failed", map[string]any{
				"userID": cart.UserID,
				"error":  err.Error(),
			})
		} else {
			view.Estimate = &breakdown
		}
	}
	return view, nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
		return ErrCartUnavailable
	}
	return ErrCartUnavailable
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func cloneCartItems(items []domain.CartItem) []domain.CartItem {
	if len(items) == 0 {
		return []domain.CartItem{}
	}
	dup := make([]domain.CartItem, len(items))
	copy(dup, items)
	for i := range dup {
		if dup[i].UpdatedAt != nil {
			ts := dup[i].UpdatedAt.UTC()
			dup[i].UpdatedAt = &ts
		}
	}
	return dup
}

func indexOfCartItem(items []domain.CartItem, itemID string) int {
	target := strings.TrimSpace(itemID)
	if target == "" {
		return -1
	}
	for i, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.ID), target) {
			return i
		}
	}
	return -1
}

func indexOfCartLine(items []domain.CartItem, productID string) int {
	target := strings.TrimSpace(productID)
	if target == "" {
		return -1
	}
	for i, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.ProductID), target) {
			return i
		}
	}
	return -1
}
