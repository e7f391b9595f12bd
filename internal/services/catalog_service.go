package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/textutil"
	"github.com/bookhaven/api/internal/repositories"
)

const (
	// dailyDeleteCap limits how many products one user may soft-delete per
	// day, across single and bulk calls.
	dailyDeleteCap = 30
	// dailyPriceUpdateCap limits price changes per user per product per day.
	dailyPriceUpdateCap = 2
	// bulkDeleteMaxIDs bounds the id list of a single bulk delete call.
	bulkDeleteMaxIDs = 10

	// Price must stay within 30%..150% of the original price.
	priceRatioMinNum, priceRatioMinDen = 3, 10
	priceRatioMaxNum, priceRatioMaxDen = 3, 2
)

var (
	// ErrCatalogNotFound indicates the product is absent or soft-deleted; the
	// two cases are deliberately indistinguishable.
	ErrCatalogNotFound = errors.New("catalog: product not found")
	// ErrCatalogInvalidInput indicates the caller supplied invalid data to a catalog mutation.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
	// ErrCatalogPriceRatio indicates the price left the allowed band around the original price.
	ErrCatalogPriceRatio = errors.New("catalog: price out of allowed ratio")
	// ErrCatalogRateLimited indicates a daily moderation cap was hit.
	ErrCatalogRateLimited = errors.New("catalog: daily rate limit exceeded")
	// ErrCatalogConflict indicates concurrent mutation of the same product.
	ErrCatalogConflict = errors.New("catalog: conflict")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Products    repositories.ProductRepository
	Stock       StockService
	Activity    ActivityLogService
	Images      ImageURLResolver
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	products repositories.ProductRepository
	stock    StockService
	activity ActivityLogService
	images   ImageURLResolver
	clock    func() time.Time
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
	titler   cases.Caser
}

// NewCatalogService constructs the product moderation service.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}
	if deps.Activity == nil {
		return nil, errors.New("catalog service: activity log is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return "prd_" + ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{
		products: deps.Products,
		stock:    deps.Stock,
		activity: deps.Activity,
		images:   deps.Images,
		clock:    func() time.Time { return clock().UTC() },
		newID:    newID,
		logger:   logger,
		titler:   cases.Lower(language.Und),
	}, nil
}

func (s *catalogService) CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error) {
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return Product{}, fmt.Errorf("%w: actor id is required", ErrCatalogInvalidInput)
	}

	product := cmd.Product
	product.Title = textutil.CleanUserText(product.Title)
	product.Description = textutil.CleanUserText(product.Description)
	if product.Title == "" {
		return Product{}, fmt.Errorf("%w: title is required", ErrCatalogInvalidInput)
	}
	if err := validateVariant(product); err != nil {
		return Product{}, err
	}
	if product.OriginalPrice < 0 || product.Price < 0 {
		return Product{}, fmt.Errorf("%w: prices cannot be negative", ErrCatalogInvalidInput)
	}
	if product.Stock < 0 {
		return Product{}, fmt.Errorf("%w: stock cannot be negative", ErrCatalogInvalidInput)
	}
	if err := validatePriceRatio(product.Price, product.OriginalPrice); err != nil {
		return Product{}, err
	}

	now := s.clock()
	product.ID = s.newID()
	product.Availability = domain.ProductActive
	product.SearchKey = s.titler.String(product.Title)
	product.CreatedAt = now
	product.UpdatedAt = now

	if err := s.products.Insert(ctx, product); err != nil {
		return Product{}, s.translateRepoError(err)
	}

	if s.stock != nil {
		if _, err := s.stock.SetOnHand(ctx, product.ID, product.Stock); err != nil {
			return Product{}, err
		}
	}

	if err := s.activity.Record(ctx, ActivityLogRecord{
		UserID:     actorID,
		ProductID:  product.ID,
		Action:     domain.ActivityActionCreate,
		OccurredAt: now,
	}); err != nil {
		return Product{}, err
	}

	s.logger(ctx, "catalog_product_created", map[string]any{"productId": product.ID, "actorId": actorID, "type": product.Type})
	return s.decorate(ctx, product), nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string, opts ProductReadOptions) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}
	if product.Availability != domain.ProductActive && !opts.IncludeDeleted {
		return Product{}, ErrCatalogNotFound
	}
	return s.decorate(ctx, product), nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error) {
	page, err := s.products.List(ctx, repositories.ProductListFilter{
		Types:          filter.Types,
		IncludeDeleted: filter.IncludeDeleted,
		TitleQuery:     s.titler.String(strings.TrimSpace(filter.TitleQuery)),
		PriceRange:     filter.PriceRange,
		SortBy:         filter.SortBy,
		SortOrder:      filter.SortOrder,
		Pagination:     filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Product]{}, s.translateRepoError(err)
	}
	for idx := range page.Items {
		page.Items[idx] = s.decorate(ctx, page.Items[idx])
	}
	return page, nil
}

func (s *catalogService) UpdateProduct(ctx context.Context, cmd UpdateProductCommand) (Product, error) {
	actorID := strings.TrimSpace(cmd.ActorID)
	productID := strings.TrimSpace(cmd.ProductID)
	if actorID == "" || productID == "" {
		return Product{}, fmt.Errorf("%w: actor and product ids are required", ErrCatalogInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}
	if product.Availability != domain.ProductActive {
		return Product{}, ErrCatalogNotFound
	}

	now := s.clock()
	priceChanged := cmd.Price != nil && *cmd.Price != product.Price

	if priceChanged {
		count, err := s.activity.CountPriceUpdatesOn(ctx, actorID, productID, now)
		if err != nil {
			return Product{}, err
		}
		if count >= dailyPriceUpdateCap {
			return Product{}, fmt.Errorf("%w: at most %d price updates per product per day", ErrCatalogRateLimited, dailyPriceUpdateCap)
		}
	}

	if cmd.Title != nil {
		title := textutil.CleanUserText(*cmd.Title)
		if title == "" {
			return Product{}, fmt.Errorf("%w: title cannot be empty", ErrCatalogInvalidInput)
		}
		product.Title = title
		product.SearchKey = s.titler.String(title)
	}
	if cmd.Description != nil {
		product.Description = textutil.CleanUserText(*cmd.Description)
	}
	if cmd.Price != nil {
		if *cmd.Price < 0 {
			return Product{}, fmt.Errorf("%w: price cannot be negative", ErrCatalogInvalidInput)
		}
		product.Price = *cmd.Price
	}
	if cmd.OriginalPrice != nil {
		if *cmd.OriginalPrice < 0 {
			return Product{}, fmt.Errorf("%w: original price cannot be negative", ErrCatalogInvalidInput)
		}
		product.OriginalPrice = *cmd.OriginalPrice
	}
	if cmd.DiscountPercent != nil {
		if *cmd.DiscountPercent < 0 || *cmd.DiscountPercent > 100 {
			return Product{}, fmt.Errorf("%w: discount percent out of range", ErrCatalogInvalidInput)
		}
		product.DiscountPercent = *cmd.DiscountPercent
	}
	if cmd.CoverImageRef != nil {
		product.CoverImageRef = strings.TrimSpace(*cmd.CoverImageRef)
	}
	if cmd.Book != nil {
		product.Book = cmd.Book
	}
	if cmd.CD != nil {
		product.CD = cmd.CD
	}
	if cmd.DVD != nil {
		product.DVD = cmd.DVD
	}
	if err := validateVariant(product); err != nil {
		return Product{}, err
	}
	if err := validatePriceRatio(product.Price, product.OriginalPrice); err != nil {
		return Product{}, err
	}

	if cmd.Stock != nil {
		if *cmd.Stock < 0 {
			return Product{}, fmt.Errorf("%w: stock cannot be negative", ErrCatalogInvalidInput)
		}
		product.Stock = *cmd.Stock
	}

	product.UpdatedAt = now
	if err := s.products.Update(ctx, product); err != nil {
		return Product{}, s.translateRepoError(err)
	}

	if cmd.Stock != nil && s.stock != nil {
		if _, err := s.stock.SetOnHand(ctx, product.ID, *cmd.Stock); err != nil {
			return Product{}, err
		}
	}

	action := domain.ActivityActionUpdate
	if priceChanged {
		action = domain.ActivityActionUpdatePrice
	}
	if err := s.activity.Record(ctx, ActivityLogRecord{
		UserID:     actorID,
		ProductID:  product.ID,
		Action:     action,
		OccurredAt: now,
	}); err != nil {
		return Product{}, err
	}

	return s.decorate(ctx, product), nil
}

func (s *catalogService) DeleteProduct(ctx context.Context, cmd DeleteProductCommand) error {
	actorID := strings.TrimSpace(cmd.ActorID)
	productID := strings.TrimSpace(cmd.ProductID)
	if actorID == "" || productID == "" {
		return fmt.Errorf("%w: actor and product ids are required", ErrCatalogInvalidInput)
	}

	// Existence first: a missing product reads as not found even when the
	// actor is already at the daily cap.
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return s.translateRepoError(err)
	}
	if product.Availability != domain.ProductActive {
		return ErrCatalogNotFound
	}

	now := s.clock()
	count, err := s.activity.CountDeletesOn(ctx, actorID, now)
	if err != nil {
		return err
	}
	if count >= dailyDeleteCap {
		return fmt.Errorf("%w: at most %d deletes per day", ErrCatalogRateLimited, dailyDeleteCap)
	}

	if err := s.products.SoftDelete(ctx, productID, now); err != nil {
		return s.translateRepoError(err)
	}

	if err := s.activity.Record(ctx, ActivityLogRecord{
		UserID:     actorID,
		ProductID:  productID,
		Action:     domain.ActivityActionDelete,
		OccurredAt: now,
	}); err != nil {
		return err
	}

	s.logger(ctx, "catalog_product_deleted", map[string]any{"productId": productID, "actorId": actorID})
	return nil
}

func (s *catalogService) DeleteProducts(ctx context.Context, cmd BulkDeleteProductsCommand) error {
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return fmt.Errorf("%w: actor id is required", ErrCatalogInvalidInput)
	}
	ids := normalizeIDList(cmd.ProductIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: product id list is empty", ErrCatalogInvalidInput)
	}
	if len(ids) > bulkDeleteMaxIDs {
		return fmt.Errorf("%w: at most %d products per bulk delete", ErrCatalogInvalidInput, bulkDeleteMaxIDs)
	}

	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return s.translateRepoError(err)
	}
	active := make(map[string]struct{}, len(products))
	for _, product := range products {
		if product.Availability == domain.ProductActive {
			active[product.ID] = struct{}{}
		}
	}
	for _, id := range ids {
		if _, ok := active[id]; !ok {
			return ErrCatalogNotFound
		}
	}

	now := s.clock()
	count, err := s.activity.CountDeletesOn(ctx, actorID, now)
	if err != nil {
		return err
	}
	if count+len(ids) > dailyDeleteCap {
		return fmt.Errorf("%w: bulk delete of %d would exceed %d deletes per day", ErrCatalogRateLimited, len(ids), dailyDeleteCap)
	}

	if err := s.products.SoftDeleteMany(ctx, ids, now); err != nil {
		return s.translateRepoError(err)
	}

	for _, id := range ids {
		if err := s.activity.Record(ctx, ActivityLogRecord{
			UserID:     actorID,
			ProductID:  id,
			Action:     domain.ActivityActionBulkDelete,
			OccurredAt: now,
		}); err != nil {
			return err
		}
	}

	s.logger(ctx, "catalog_products_bulk_deleted", map[string]any{"actorId": actorID, "count": len(ids)})
	return nil
}

func (s *catalogService) ListHistory(ctx context.Context, userID string, pager Pagination) ([]ActivityRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrCatalogInvalidInput)
	}
	page, err := s.activity.History(ctx, userID, pager)
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, ErrCatalogNotFound
	}

	ids := make([]string, 0, len(page.Items))
	seen := make(map[string]struct{}, len(page.Items))
	for _, entry := range page.Items {
		if _, ok := seen[entry.ProductID]; ok {
			continue
		}
		seen[entry.ProductID] = struct{}{}
		ids = append(ids, entry.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	titles := make(map[string]string, len(products))
	for _, product := range products {
		titles[product.ID] = product.Title
	}

	records := make([]ActivityRecord, 0, len(page.Items))
	for _, entry := range page.Items {
		records = append(records, ActivityRecord{
			Entry:        entry,
			ProductTitle: titles[entry.ProductID],
		})
	}
	return records, nil
}

// decorate resolves the stored cover reference to a display URL. Resolution
// failures fall back to a placeholder inside the resolver, never an error.
func (s *catalogService) decorate(ctx context.Context, product Product) Product {
	if s.images != nil && product.CoverImageRef != "" {
		product.CoverImageURL = s.images.ResolveImageURL(ctx, product.CoverImageRef)
	}
	return product
}

func (s *catalogService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrCatalogNotFound, repoErr.Error())
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %s", ErrCatalogConflict, repoErr.Error())
		}
	}
	return err
}

// validatePriceRatio enforces 0.3 <= price/originalPrice <= 1.5 using exact
// integer cross-multiplication. A zero price against a positive original is a
// ratio of zero and fails the lower bound.
func validatePriceRatio(price, originalPrice int64) error {
	if originalPrice <= 0 {
		return nil
	}
	if priceRatioMinDen*price < priceRatioMinNum*originalPrice {
		return fmt.Errorf("%w: price below 30%% of original", ErrCatalogPriceRatio)
	}
	if priceRatioMaxDen*price > priceRatioMaxNum*originalPrice {
		return fmt.Errorf("%w: price above 150%% of original", ErrCatalogPriceRatio)
	}
	return nil
}

// validateVariant checks the tagged union: the details payload must match the
// declared product type.
func validateVariant(product Product) error {
	switch product.Type {
	case domain.ProductTypeBook:
		if product.CD != nil || product.DVD != nil {
			return fmt.Errorf("%w: book carries non-book details", ErrCatalogInvalidInput)
		}
	case domain.ProductTypeCD:
		if product.Book != nil || product.DVD != nil {
			return fmt.Errorf("%w: cd carries non-cd details", ErrCatalogInvalidInput)
		}
	case domain.ProductTypeDVD:
		if product.Book != nil || product.CD != nil {
			return fmt.Errorf("%w: dvd carries non-dvd details", ErrCatalogInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown product type %q", ErrCatalogInvalidInput, product.Type)
	}
	return nil
}

func normalizeIDList(ids []string) []string {
	result := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
