package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

// stubRepoError implements repositories.RepositoryError for failure injection.
type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "stub repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = stubRepoError{}

type stubCartRepository struct {
	mu           sync.Mutex
	carts        map[string]domain.Cart
	getFn        func(context.Context, string) (domain.Cart, error)
	upsertFn     func(context.Context, domain.Cart) (domain.Cart, error)
	replaceFn    func(context.Context, string, []domain.CartItem) (domain.Cart, error)
	replaceCalls [][]domain.CartItem
}

func newStubCartRepository() *stubCartRepository {
	return &stubCartRepository{carts: make(map[string]domain.Cart)}
}

func (s *stubCartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[userID]
	if !ok {
		return domain.Cart{}, stubRepoError{notFound: true}
	}
	return cart, nil
}

func (s *stubCartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, cart)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cart.UserID] = cart
	return cart, nil
}

func (s *stubCartRepository) ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error) {
	s.mu.Lock()
	s.replaceCalls = append(s.replaceCalls, items)
	s.mu.Unlock()
	if s.replaceFn != nil {
		return s.replaceFn(ctx, userID, items)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cart := s.carts[userID]
	cart.UserID = userID
	cart.Items = items
	s.carts[userID] = cart
	return cart, nil
}

var _ repositories.CartRepository = (*stubCartRepository)(nil)

type stubProductRepository struct {
	products         map[string]domain.Product
	insertFn         func(context.Context, domain.Product) error
	updateFn         func(context.Context, domain.Product) error
	findFn           func(context.Context, string) (domain.Product, error)
	findManyFn       func(context.Context, []string) ([]domain.Product, error)
	listFn           func(context.Context, repositories.ProductListFilter) (domain.CursorPage[domain.Product], error)
	softDeleteFn     func(context.Context, string, time.Time) error
	softDeleteManyFn func(context.Context, []string, time.Time) error
	inserted         []domain.Product
	updated          []domain.Product
	softDeleted      []string
}

func newStubProductRepository(products ...domain.Product) *stubProductRepository {
	repo := &stubProductRepository{products: make(map[string]domain.Product)}
	for _, product := range products {
		repo.products[product.ID] = product
	}
	return repo
}

func (s *stubProductRepository) Insert(ctx context.Context, product domain.Product) error {
	s.inserted = append(s.inserted, product)
	if s.insertFn != nil {
		return s.insertFn(ctx, product)
	}
	s.products[product.ID] = product
	return nil
}

func (s *stubProductRepository) Update(ctx context.Context, product domain.Product) error {
	s.updated = append(s.updated, product)
	if s.updateFn != nil {
		return s.updateFn(ctx, product)
	}
	s.products[product.ID] = product
	return nil
}

func (s *stubProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.findFn != nil {
		return s.findFn(ctx, productID)
	}
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, stubRepoError{notFound: true}
	}
	return product, nil
}

func (s *stubProductRepository) FindByIDs(ctx context.Context, productIDs []string) ([]domain.Product, error) {
	if s.findManyFn != nil {
		return s.findManyFn(ctx, productIDs)
	}
	found := make([]domain.Product, 0, len(productIDs))
	for _, id := range productIDs {
		if product, ok := s.products[id]; ok {
			found = append(found, product)
		}
	}
	return found, nil
}

func (s *stubProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Product]{}, nil
}

func (s *stubProductRepository) SoftDelete(ctx context.Context, productID string, now time.Time) error {
	s.softDeleted = append(s.softDeleted, productID)
	if s.softDeleteFn != nil {
		return s.softDeleteFn(ctx, productID, now)
	}
	product, ok := s.products[productID]
	if !ok || product.Availability != domain.ProductActive {
		return stubRepoError{conflict: true}
	}
	product.Availability = domain.ProductDeleted
	s.products[productID] = product
	return nil
}

func (s *stubProductRepository) SoftDeleteMany(ctx context.Context, productIDs []string, now time.Time) error {
	s.softDeleted = append(s.softDeleted, productIDs...)
	if s.softDeleteManyFn != nil {
		return s.softDeleteManyFn(ctx, productIDs, now)
	}
	for _, id := range productIDs {
		product, ok := s.products[id]
		if !ok || product.Availability != domain.ProductActive {
			return stubRepoError{conflict: true}
		}
		product.Availability = domain.ProductDeleted
		s.products[id] = product
	}
	return nil
}

var _ repositories.ProductRepository = (*stubProductRepository)(nil)

type stubStockService struct {
	mu          sync.Mutex
	reserveFn   func(context.Context, StockAdjustCommand) (StockLevel, error)
	releaseFn   func(context.Context, StockAdjustCommand) (StockLevel, error)
	commitFn    func(context.Context, StockAdjustCommand) (StockLevel, error)
	restockFn   func(context.Context, StockAdjustCommand) (StockLevel, error)
	setOnHandFn func(context.Context, string, int) (StockLevel, error)
	getFn       func(context.Context, string) (StockLevel, error)
	reserves    []StockAdjustCommand
	releases    []StockAdjustCommand
	commits     []StockAdjustCommand
	restocks    []StockAdjustCommand
	setCalls    []StockAdjustCommand
}

func (s *stubStockService) Reserve(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	s.mu.Lock()
	s.reserves = append(s.reserves, cmd)
	s.mu.Unlock()
	if s.reserveFn != nil {
		return s.reserveFn(ctx, cmd)
	}
	return StockLevel{ProductID: cmd.ProductID}, nil
}

func (s *stubStockService) Release(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	s.mu.Lock()
	s.releases = append(s.releases, cmd)
	s.mu.Unlock()
	if s.releaseFn != nil {
		return s.releaseFn(ctx, cmd)
	}
	return StockLevel{ProductID: cmd.ProductID}, nil
}

func (s *stubStockService) Commit(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	s.mu.Lock()
	s.commits = append(s.commits, cmd)
	s.mu.Unlock()
	if s.commitFn != nil {
		return s.commitFn(ctx, cmd)
	}
	return StockLevel{ProductID: cmd.ProductID}, nil
}

func (s *stubStockService) Restock(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	s.mu.Lock()
	s.restocks = append(s.restocks, cmd)
	s.mu.Unlock()
	if s.restockFn != nil {
		return s.restockFn(ctx, cmd)
	}
	return StockLevel{ProductID: cmd.ProductID}, nil
}

func (s *stubStockService) SetOnHand(ctx context.Context, productID string, onHand int) (StockLevel, error) {
	s.mu.Lock()
	s.setCalls = append(s.setCalls, StockAdjustCommand{ProductID: productID, Quantity: onHand})
	s.mu.Unlock()
	if s.setOnHandFn != nil {
		return s.setOnHandFn(ctx, productID, onHand)
	}
	return StockLevel{ProductID: productID, OnHand: onHand, Available: onHand}, nil
}

func (s *stubStockService) Get(ctx context.Context, productID string) (StockLevel, error) {
	if s.getFn != nil {
		return s.getFn(ctx, productID)
	}
	return StockLevel{ProductID: productID}, nil
}

func (s *stubStockService) ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[StockLevel], error) {
	return domain.CursorPage[StockLevel]{}, nil
}

var _ StockService = (*stubStockService)(nil)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestCartService(t *testing.T, repo *stubCartRepository, products *stubProductRepository, stock *stubStockService) CartService {
	t.Helper()
	pricer, err := NewPriceCalculator(domain.DefaultPricingConfig())
	if err != nil {
		t.Fatalf("new price calculator: %v", err)
	}
	svc, err := NewCartService(CartServiceDeps{
		Repository: repo,
		Products:   products,
		Stock:      stock,
		Pricer:     pricer,
		Clock:      fixedClock(time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}
	return svc
}

func activeProduct(id string, price int64) domain.Product {
	return domain.Product{
		ID:           id,
		Type:         domain.ProductTypeBook,
		Title:        "Title " + id,
		Price:        price,
		Availability: domain.ProductActive,
		Stock:        10,
	}
}

func TestCartAddNewLineReservesFullQuantity(t *testing.T) {
	repo := newStubCartRepository()
	products := newStubProductRepository(activeProduct("p1", 1200))
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, products, stock)

	view, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  3,
	})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	if len(stock.reserves) != 1 {
		t.Fatalf("expected one reserve call, got %d", len(stock.reserves))
	}
	if stock.reserves[0].Quantity != 3 || stock.reserves[0].ProductID != "p1" {
		t.Fatalf("unexpected reserve call %+v", stock.reserves[0])
	}
	if len(view.Lines) != 1 {
		t.Fatalf("expected one cart line, got %d", len(view.Lines))
	}
	if !view.Lines[0].Ticked {
		t.Fatalf("new lines should default to ticked")
	}
	if view.Lines[0].UnitPrice != 1200 {
		t.Fatalf("expected live unit price 1200, got %d", view.Lines[0].UnitPrice)
	}
	if view.Estimate == nil {
		t.Fatalf("expected price estimate over ticked lines")
	}
	if view.Estimate.Subtotal != 3600 {
		t.Fatalf("expected estimate subtotal 3600, got %d", view.Estimate.Subtotal)
	}
}

func TestCartQuantityDecreaseReleasesDelta(t *testing.T) {
	repo := newStubCartRepository()
	repo.carts["user-1"] = domain.Cart{
		ID:     "crt_1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "line-1", ProductID: "p1", Quantity: 5, Ticked: true},
		},
	}
	products := newStubProductRepository(activeProduct("p1", 1000))
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, products, stock)

	_, err := svc.SetItemQuantity(context.Background(), SetCartItemQuantityCommand{
		UserID:   "user-1",
		ItemID:   "line-1",
		Quantity: 2,
	})
	if err != nil {
		t.Fatalf("update item: %v", err)
	}

	if len(stock.reserves) != 0 {
		t.Fatalf("expected no reserve calls, got %d", len(stock.reserves))
	}
	if len(stock.releases) != 1 || stock.releases[0].Quantity != 3 {
		t.Fatalf("expected release of 3, got %+v", stock.releases)
	}
}

func TestCartRepeatAddAccumulatesQuantity(t *testing.T) {
	repo := newStubCartRepository()
	products := newStubProductRepository(activeProduct("p1", 1000))
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, products, stock)

	for i := 0; i < 2; i++ {
		if _, err := svc.AddItem(context.Background(), AddCartItemCommand{
			UserID:    "user-1",
			ProductID: "p1",
			Quantity:  2,
		}); err != nil {
			t.Fatalf("add item: %v", err)
		}
	}

	items := repo.carts["user-1"].Items
	if len(items) != 1 || items[0].Quantity != 4 {
		t.Fatalf("expected a single line of 4 after adding 2 twice, got %+v", items)
	}
	if len(stock.reserves) != 2 || stock.reserves[0].Quantity != 2 || stock.reserves[1].Quantity != 2 {
		t.Fatalf("expected two reserves of 2, got %+v", stock.reserves)
	}
}

func TestCartRepeatAddRespectsLineCap(t *testing.T) {
	repo := newStubCartRepository()
	repo.carts["user-1"] = domain.Cart{
		ID:     "crt_1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "line-1", ProductID: "p1", Quantity: 98, Ticked: true},
		},
	}
	products := newStubProductRepository(activeProduct("p1", 1000))
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, products, stock)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  2,
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input when the accumulated quantity exceeds the cap, got %v", err)
	}
	if len(stock.reserves) != 0 {
		t.Fatalf("a rejected add must not reserve, got %+v", stock.reserves)
	}
}

func TestCartSetItemQuantityIncreaseReservesDelta(t *testing.T) {
	repo := newStubCartRepository()
	repo.carts["user-1"] = domain.Cart{
		ID:     "crt_1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "line-1", ProductID: "p1", Quantity: 2, Ticked: true},
		},
	}
	products := newStubProductRepository(activeProduct("p1", 1000))
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, products, stock)

	view, err := svc.SetItemQuantity(context.Background(), SetCartItemQuantityCommand{
		UserID:   "user-1",
		ItemID:   "line-1",
		Quantity: 5,
	})
	if err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	if len(stock.reserves) != 1 || stock.reserves[0].Quantity != 3 {
		t.Fatalf("expected reserve of the delta 3, got %+v", stock.reserves)
	}
	if len(view.Lines) != 1 || view.Lines[0].Quantity != 5 {
		t.Fatalf("expected quantity 5, got %+v", view.Lines)
	}
}

func TestCartSetItemQuantityUnknownLine(t *testing.T) {
	repo := newStubCartRepository()
	repo.carts["user-1"] = domain.Cart{ID: "crt_1", UserID: "user-1"}
	svc := newTestCartService(t, repo, newStubProductRepository(), &stubStockService{})

	_, err := svc.SetItemQuantity(context.Background(), SetCartItemQuantityCommand{
		UserID:   "user-1",
		ItemID:   "line-missing",
		Quantity: 2,
	})
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected not found for an unknown line, got %v", err)
	}
}

func TestCartAddOutOfStockLeavesCartUntouched(t *testing.T) {
	repo := newStubCartRepository()
	products := newStubProductRepository(activeProduct("p1", 1000))
	stock := &stubStockService{
		reserveFn: func(context.Context, StockAdjustCommand) (StockLevel, error) {
			return StockLevel{}, ErrStockInsufficient
		},
	}
	svc := newTestCartService(t, repo, products, stock)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  4,
	})
	if !errors.Is(err, ErrCartOutOfStock) {
		t.Fatalf("expected out of stock error, got %v", err)
	}
	if len(repo.replaceCalls) != 0 {
		t.Fatalf("cart must not be written after a failed reserve")
	}
}

func TestCartAddOutOfStockReportsAvailability(t *testing.T) {
	repo := newStubCartRepository()
	products := newStubProductRepository(activeProduct("p1", 1000))
	stock := &stubStockService{
		reserveFn: func(context.Context, StockAdjustCommand) (StockLevel, error) {
			return StockLevel{}, fmt.Errorf("%w: %w", ErrStockInsufficient, repositories.NewInsufficientStockError("p1", 1, 3))
		},
	}
	svc := newTestCartService(t, repo, products, stock)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  3,
	})
	if !errors.Is(err, ErrCartOutOfStock) {
		t.Fatalf("expected out of stock error, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 available, 3 requested") {
		t.Fatalf("expected available versus requested in the message, got %q", err.Error())
	}
}

func TestCartAddRollsBackReservationOnWriteFailure(t *testing.T) {
	repo := newStubCartRepository()
	repo.replaceFn = func(context.Context, string, []domain.CartItem) (domain.Cart, error) {
		return domain.Cart{}, stubRepoError{unavailable: true}
	}
	products := newStubProductRepository(activeProduct("p1", 1000))
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, products, stock)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  2,
	})
	if !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if len(stock.releases) != 1 || stock.releases[0].Quantity != 2 {
		t.Fatalf("expected reservation rollback release of 2, got %+v", stock.releases)
	}
}

func TestCartAddRejectsExcessiveQuantity(t *testing.T) {
	repo := newStubCartRepository()
	products := newStubProductRepository(activeProduct("p1", 1000))
	svc := newTestCartService(t, repo, products, &stubStockService{})

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  100,
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for quantity over cap, got %v", err)
	}
}

func TestCartRemoveItemReleasesReservation(t *testing.T) {
	repo := newStubCartRepository()
	repo.carts["user-1"] = domain.Cart{
		ID:     "crt_1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "line-1", ProductID: "p1", Quantity: 2, Ticked: true},
			{ID: "line-2", ProductID: "p2", Quantity: 1, Ticked: false},
		},
	}
	products := newStubProductRepository(activeProduct("p1", 1000), activeProduct("p2", 500))
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, products, stock)

	view, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "user-1", ItemID: "line-1"})
	if err != nil {
		t.Fatalf("remove item: %v", err)
	}
	if len(view.Lines) != 1 || view.Lines[0].ID != "line-2" {
		t.Fatalf("expected only line-2 to remain, got %+v", view.Lines)
	}
	if len(stock.releases) != 1 || stock.releases[0].ProductID != "p1" || stock.releases[0].Quantity != 2 {
		t.Fatalf("expected release of p1 x2, got %+v", stock.releases)
	}
}

func TestCartClearReleasesEveryLine(t *testing.T) {
	repo := newStubCartRepository()
	repo.carts["user-1"] = domain.Cart{
		ID:     "crt_1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "line-1", ProductID: "p1", Quantity: 2},
			{ID: "line-2", ProductID: "p2", Quantity: 3},
		},
	}
	products := newStubProductRepository()
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, products, stock)

	if err := svc.ClearCart(context.Background(), "user-1"); err != nil {
		t.Fatalf("clear cart: %v", err)
	}
	if len(stock.releases) != 2 {
		t.Fatalf("expected two releases, got %d", len(stock.releases))
	}
	if got := repo.carts["user-1"].Items; len(got) != 0 {
		t.Fatalf("expected empty cart, got %+v", got)
	}
}

func TestCartTakeTickedItemsKeepsReservations(t *testing.T) {
	repo := newStubCartRepository()
	repo.carts["user-1"] = domain.Cart{
		ID:     "crt_1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "line-1", ProductID: "p1", Quantity: 2, Ticked: true},
			{ID: "line-2", ProductID: "p2", Quantity: 1, Ticked: false},
			{ID: "line-3", ProductID: "p3", Quantity: 4, Ticked: true},
		},
	}
	stock := &stubStockService{}
	svc := newTestCartService(t, repo, newStubProductRepository(), stock)

	taken, err := svc.TakeTickedItems(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("take ticked items: %v", err)
	}
	if len(taken) != 2 {
		t.Fatalf("expected two taken lines, got %d", len(taken))
	}
	if len(stock.releases) != 0 {
		t.Fatalf("taken lines must keep their reservations, got releases %+v", stock.releases)
	}
	remaining := repo.carts["user-1"].Items
	if len(remaining) != 1 || remaining[0].ID != "line-2" {
		t.Fatalf("expected only the unticked line to remain, got %+v", remaining)
	}
}

func TestCartTakeTickedItemsRequiresSelection(t *testing.T) {
	repo := newStubCartRepository()
	repo.carts["user-1"] = domain.Cart{
		ID:     "crt_1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "line-1", ProductID: "p1", Quantity: 2, Ticked: false},
		},
	}
	svc := newTestCartService(t, repo, newStubProductRepository(), &stubStockService{})

	_, err := svc.TakeTickedItems(context.Background(), "user-1")
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input when nothing is ticked, got %v", err)
	}
	if len(repo.replaceCalls) != 0 {
		t.Fatalf("cart must not be written when nothing is ticked")
	}
}

func TestCartGetOrCreateCreatesWhenAbsent(t *testing.T) {
	repo := newStubCartRepository()
	svc := newTestCartService(t, repo, newStubProductRepository(), &stubStockService{})

	view, err := svc.GetOrCreateCart(context.Background(), "user-9")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if view.UserID != "user-9" {
		t.Fatalf("expected cart owned by user-9, got %s", view.UserID)
	}
	if view.Currency != "USD" {
		t.Fatalf("expected default currency USD, got %s", view.Currency)
	}
	if len(view.Lines) != 0 {
		t.Fatalf("expected empty cart, got %d lines", len(view.Lines))
	}
}

func TestCartAddRejectsUnavailableProduct(t *testing.T) {
	deleted := activeProduct("p1", 1000)
	deleted.Availability = domain.ProductDeleted
	repo := newStubCartRepository()
	svc := newTestCartService(t, repo, newStubProductRepository(deleted), &stubStockService{})

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for deleted product, got %v", err)
	}
}
