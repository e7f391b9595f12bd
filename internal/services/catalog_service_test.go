package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
)

type stubActivityService struct {
	mu             sync.Mutex
	recordFn       func(context.Context, ActivityLogRecord) error
	deleteCount    int
	deleteCountErr error
	priceCount     int
	priceCountErr  error
	historyFn      func(context.Context, string, Pagination) (domain.CursorPage[ActivityLogEntry], error)
	records        []ActivityLogRecord
}

func (s *stubActivityService) Record(ctx context.Context, record ActivityLogRecord) error {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	if s.recordFn != nil {
		return s.recordFn(ctx, record)
	}
	return nil
}

func (s *stubActivityService) CountDeletesOn(ctx context.Context, userID string, day time.Time) (int, error) {
	return s.deleteCount, s.deleteCountErr
}

func (s *stubActivityService) CountPriceUpdatesOn(ctx context.Context, userID, productID string, day time.Time) (int, error) {
	return s.priceCount, s.priceCountErr
}

func (s *stubActivityService) History(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[ActivityLogEntry], error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, userID, pager)
	}
	return domain.CursorPage[ActivityLogEntry]{}, nil
}

var _ ActivityLogService = (*stubActivityService)(nil)

type catalogTestEnv struct {
	products *stubProductRepository
	stock    *stubStockService
	activity *stubActivityService
	svc      CatalogService
}

func newCatalogTestEnv(t *testing.T, products *stubProductRepository) *catalogTestEnv {
	t.Helper()
	env := &catalogTestEnv{
		products: products,
		stock:    &stubStockService{},
		activity: &stubActivityService{},
	}
	svc, err := NewCatalogService(CatalogServiceDeps{
		Products:    products,
		Stock:       env.stock,
		Activity:    env.activity,
		Clock:       fixedClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)),
		IDGenerator: func() string { return "prd_TEST01" },
	})
	if err != nil {
		t.Fatalf("new catalog service: %v", err)
	}
	env.svc = svc
	return env
}

func bookProduct(title string, price, originalPrice int64) Product {
	return Product{
		Type:          domain.ProductTypeBook,
		Title:         title,
		Price:         price,
		OriginalPrice: originalPrice,
		Stock:         5,
		Book:          &domain.BookDetails{Author: "A. Writer"},
	}
}

func TestCreateProductSeedsStockAndActivity(t *testing.T) {
	env := newCatalogTestEnv(t, newStubProductRepository())

	created, err := env.svc.CreateProduct(context.Background(), CreateProductCommand{
		ActorID: "admin-1",
		Product: bookProduct("The Go Workbook", 1200, 1500),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	if created.ID != "prd_TEST01" {
		t.Fatalf("unexpected id %s", created.ID)
	}
	if created.Availability != domain.ProductActive {
		t.Fatalf("expected active availability, got %s", created.Availability)
	}
	if created.SearchKey != "the go workbook" {
		t.Fatalf("expected lowercased search key, got %q", created.SearchKey)
	}

	if len(env.stock.setCalls) != 1 || env.stock.setCalls[0].Quantity != 5 {
		t.Fatalf("expected stock seeded with 5, got %+v", env.stock.setCalls)
	}
	if len(env.activity.records) != 1 || env.activity.records[0].Action != domain.ActivityActionCreate {
		t.Fatalf("expected create activity record, got %+v", env.activity.records)
	}
}

func TestCreateProductSanitizesUserText(t *testing.T) {
	env := newCatalogTestEnv(t, newStubProductRepository())

	created, err := env.svc.CreateProduct(context.Background(), CreateProductCommand{
		ActorID: "admin-1",
		Product: bookProduct("<b>Clean</b> Title", 1000, 1000),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if created.Title != "Clean Title" {
		t.Fatalf("expected markup stripped, got %q", created.Title)
	}
}

func TestCreateProductRejectsMismatchedVariant(t *testing.T) {
	env := newCatalogTestEnv(t, newStubProductRepository())

	product := bookProduct("Mixed", 1000, 1000)
	product.CD = &domain.CDDetails{Artist: "Someone"}
	_, err := env.svc.CreateProduct(context.Background(), CreateProductCommand{ActorID: "admin-1", Product: product})
	if !errors.Is(err, ErrCatalogInvalidInput) {
		t.Fatalf("expected invalid input for mixed details, got %v", err)
	}
}

func TestPriceRatioBand(t *testing.T) {
	cases := []struct {
		name          string
		price         int64
		originalPrice int64
		wantErr       bool
	}{
		{name: "below thirty percent", price: 29, originalPrice: 100, wantErr: true},
		{name: "exactly thirty percent", price: 30, originalPrice: 100},
		{name: "exactly one hundred fifty percent", price: 150, originalPrice: 100},
		{name: "above one hundred fifty percent", price: 151, originalPrice: 100, wantErr: true},
		{name: "no original price skips the check", price: 1, originalPrice: 0},
		{name: "zero price against original fails the lower bound", price: 0, originalPrice: 100, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newCatalogTestEnv(t, newStubProductRepository())
			_, err := env.svc.CreateProduct(context.Background(), CreateProductCommand{
				ActorID: "admin-1",
				Product: bookProduct("Priced", tc.price, tc.originalPrice),
			})
			if tc.wantErr {
				if !errors.Is(err, ErrCatalogPriceRatio) {
					t.Fatalf("expected price ratio error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("create product: %v", err)
			}
		})
	}
}

func TestUpdateProductPriceRateLimit(t *testing.T) {
	existing := activeProduct("p1", 1000)
	existing.OriginalPrice = 1000
	env := newCatalogTestEnv(t, newStubProductRepository(existing))
	env.activity.priceCount = 2

	newPrice := int64(1100)
	_, err := env.svc.UpdateProduct(context.Background(), UpdateProductCommand{
		ActorID:   "admin-1",
		ProductID: "p1",
		Price:     &newPrice,
	})
	if !errors.Is(err, ErrCatalogRateLimited) {
		t.Fatalf("expected rate limit at two price updates, got %v", err)
	}

	env.activity.priceCount = 1
	updated, err := env.svc.UpdateProduct(context.Background(), UpdateProductCommand{
		ActorID:   "admin-1",
		ProductID: "p1",
		Price:     &newPrice,
	})
	if err != nil {
		t.Fatalf("update product: %v", err)
	}
	if updated.Price != 1100 {
		t.Fatalf("expected price 1100, got %d", updated.Price)
	}
	last := env.activity.records[len(env.activity.records)-1]
	if last.Action != domain.ActivityActionUpdatePrice {
		t.Fatalf("price change must be logged as update_price, got %s", last.Action)
	}
}

func TestUpdateProductSamePriceIsNotAPriceUpdate(t *testing.T) {
	existing := activeProduct("p1", 1000)
	env := newCatalogTestEnv(t, newStubProductRepository(existing))
	env.activity.priceCount = 2

	samePrice := int64(1000)
	_, err := env.svc.UpdateProduct(context.Background(), UpdateProductCommand{
		ActorID:   "admin-1",
		ProductID: "p1",
		Price:     &samePrice,
	})
	if err != nil {
		t.Fatalf("unchanged price must not hit the cap: %v", err)
	}
	last := env.activity.records[len(env.activity.records)-1]
	if last.Action != domain.ActivityActionUpdate {
		t.Fatalf("expected a plain update record, got %s", last.Action)
	}
}

func TestDeleteProductDailyCap(t *testing.T) {
	env := newCatalogTestEnv(t, newStubProductRepository(activeProduct("p1", 1000)))
	env.activity.deleteCount = 30

	err := env.svc.DeleteProduct(context.Background(), DeleteProductCommand{ActorID: "admin-1", ProductID: "p1"})
	if !errors.Is(err, ErrCatalogRateLimited) {
		t.Fatalf("expected rate limit at thirty deletes, got %v", err)
	}

	env.activity.deleteCount = 29
	if err := env.svc.DeleteProduct(context.Background(), DeleteProductCommand{ActorID: "admin-1", ProductID: "p1"}); err != nil {
		t.Fatalf("delete product: %v", err)
	}
	last := env.activity.records[len(env.activity.records)-1]
	if last.Action != domain.ActivityActionDelete {
		t.Fatalf("expected delete activity record, got %s", last.Action)
	}
}

func TestDeleteProductMissingReadsAsNotFoundBeforeCap(t *testing.T) {
	env := newCatalogTestEnv(t, newStubProductRepository())
	env.activity.deleteCount = 30

	err := env.svc.DeleteProduct(context.Background(), DeleteProductCommand{ActorID: "admin-1", ProductID: "missing"})
	if !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected not found for a missing product even at the cap, got %v", err)
	}

	deleted := activeProduct("p1", 1000)
	deleted.Availability = domain.ProductDeleted
	env = newCatalogTestEnv(t, newStubProductRepository(deleted))
	env.activity.deleteCount = 30

	err = env.svc.DeleteProduct(context.Background(), DeleteProductCommand{ActorID: "admin-1", ProductID: "p1"})
	if !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected not found for an already deleted product, got %v", err)
	}
}

func TestBulkDeleteLimits(t *testing.T) {
	products := make([]domain.Product, 0, 11)
	ids := make([]string, 0, 11)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"} {
		products = append(products, activeProduct(id, 1000))
		ids = append(ids, id)
	}
	env := newCatalogTestEnv(t, newStubProductRepository(products...))

	err := env.svc.DeleteProducts(context.Background(), BulkDeleteProductsCommand{ActorID: "admin-1", ProductIDs: ids})
	if !errors.Is(err, ErrCatalogInvalidInput) {
		t.Fatalf("expected invalid input for more than ten ids, got %v", err)
	}

	env.activity.deleteCount = 25
	err = env.svc.DeleteProducts(context.Background(), BulkDeleteProductsCommand{ActorID: "admin-1", ProductIDs: ids[:6]})
	if !errors.Is(err, ErrCatalogRateLimited) {
		t.Fatalf("expected bulk delete to respect the shared daily cap, got %v", err)
	}

	err = env.svc.DeleteProducts(context.Background(), BulkDeleteProductsCommand{ActorID: "admin-1", ProductIDs: ids[:5]})
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if len(env.activity.records) != 5 {
		t.Fatalf("expected five bulk delete records, got %d", len(env.activity.records))
	}
	for _, record := range env.activity.records {
		if record.Action != domain.ActivityActionBulkDelete {
			t.Fatalf("expected bulk_delete action, got %s", record.Action)
		}
	}
}

func TestBulkDeleteRejectsInactiveIDs(t *testing.T) {
	deleted := activeProduct("p2", 1000)
	deleted.Availability = domain.ProductDeleted
	env := newCatalogTestEnv(t, newStubProductRepository(activeProduct("p1", 1000), deleted))

	err := env.svc.DeleteProducts(context.Background(), BulkDeleteProductsCommand{
		ActorID:    "admin-1",
		ProductIDs: []string{"p1", "p2"},
	})
	if !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected not found when a listed product is already gone, got %v", err)
	}
	if len(env.products.softDeleted) != 0 {
		t.Fatalf("the batch must not be partially applied")
	}
}

func TestGetProductHidesDeletedByDefault(t *testing.T) {
	deleted := activeProduct("p1", 1000)
	deleted.Availability = domain.ProductDeleted
	env := newCatalogTestEnv(t, newStubProductRepository(deleted))

	_, err := env.svc.GetProduct(context.Background(), "p1", ProductReadOptions{})
	if !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected not found for a deleted product, got %v", err)
	}

	found, err := env.svc.GetProduct(context.Background(), "p1", ProductReadOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("admin read of deleted product: %v", err)
	}
	if found.Availability != domain.ProductDeleted {
		t.Fatalf("expected the deleted entry, got %+v", found)
	}
}

func TestListHistoryJoinsProductTitles(t *testing.T) {
	env := newCatalogTestEnv(t, newStubProductRepository(activeProduct("p1", 1000)))
	env.activity.historyFn = func(context.Context, string, Pagination) (domain.CursorPage[ActivityLogEntry], error) {
		return domain.CursorPage[ActivityLogEntry]{Items: []ActivityLogEntry{
			{ID: "act_1", UserID: "admin-1", ProductID: "p1", Action: domain.ActivityActionCreate},
		}}, nil
	}

	records, err := env.svc.ListHistory(context.Background(), "admin-1", Pagination{PageSize: 10})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(records) != 1 || records[0].ProductTitle != "Title p1" {
		t.Fatalf("expected the product title joined in, got %+v", records)
	}
}
