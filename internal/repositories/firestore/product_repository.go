package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/bookhaven/api/internal/domain"
	pfirestore "github.com/bookhaven/api/internal/platform/firestore"
	"github.com/bookhaven/api/internal/repositories"
)

const productsCollection = "products"

// findByIDsChunkSize keeps document-id "in" clauses within Firestore limits.
const findByIDsChunkSize = 10

// ProductRepository persists catalog entries. Deletion is always soft so
// order line snapshots keep resolving.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductRepository{provider: provider, base: base}, nil
}

// Insert stores a new product document. The ID must be unique.
func (r *ProductRepository) Insert(ctx context.Context, product domain.Product) error {
	if r == nil || r.base == nil {
		return errors.New("product repository not initialised")
	}
	productID := strings.TrimSpace(product.ID)
	if productID == "" {
		return errors.New("product repository: product id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, productID)
	if err != nil {
		return err
	}
	doc := encodeProductDocument(product)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("products.insert", err)
	}
	return nil
}

// Update replaces the persisted product state with the provided snapshot.
func (r *ProductRepository) Update(ctx context.Context, product domain.Product) error {
	if r == nil || r.base == nil {
		return errors.New("product repository not initialised")
	}
	productID := strings.TrimSpace(product.ID)
	if productID == "" {
		return errors.New("product repository: product id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, productID)
	if err != nil {
		return err
	}
	doc := encodeProductDocument(product)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("products.update", err)
	}
	return nil
}

// FindByID fetches a single product regardless of availability.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProductDocument(productID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindByIDs loads the given products in chunks. Missing IDs are silently
// skipped; callers compare the result against their request.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) ([]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product repository not initialised")
	}

	ids := make([]string, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		ids = append(ids, trimmed)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	products := make([]domain.Product, 0, len(ids))
	for start := 0; start < len(ids); start += findByIDsChunkSize {
		end := start + findByIDsChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where(firestore.DocumentID, "in", chunk)
		})
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			products = append(products, decodeProductDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
		}
	}
	return products, nil
}

// List pages through the catalog applying type, availability, title and price
// filters. Soft-deleted products only appear when IncludeDeleted is set.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	fetchLimit := limit + 1

	sortField, sortDir := productSortSpec(filter.SortBy, filter.SortOrder)

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenValue, tokenID, err := decodeProductListToken(token, sortField)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("product repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenValue, tokenID}
	}

	typeFilters := normaliseProductTypes(filter.Types)
	titlePrefix := strings.ToLower(strings.TrimSpace(filter.TitleQuery))

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if !filter.IncludeDeleted {
			q = q.Where("availability", "==", string(domain.ProductActive))
		}

		if len(typeFilters) == 1 {
			q = q.Where("type", "==", typeFilters[0])
		} else if len(typeFilters) > 1 {
			q = q.Where("type", "in", typeFilters)
		}

		// Prefix match over the lowercased search key.
		if titlePrefix != "" {
			q = q.Where("searchKey", ">=", titlePrefix).
				Where("searchKey", "<", titlePrefix+"")
		}

		if filter.PriceRange.From != nil {
			q = q.Where("price", ">=", *filter.PriceRange.From)
		}
		if filter.PriceRange.To != nil {
			q = q.Where("price", "<=", *filter.PriceRange.To)
		}

		q = q.OrderBy(sortField, sortDir).OrderBy(firestore.DocumentID, sortDir)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		encoded, err := encodeProductListToken(last.Data, last.ID, sortField)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, err
		}
		nextToken = encoded
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeProductDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Product]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// SoftDelete flips an active product to deleted. Deleting an already deleted
// product reports a conflict so callers can treat the retry as idempotent.
func (r *ProductRepository) SoftDelete(ctx context.Context, productID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return errors.New("product repository: product id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return r.softDeleteInTx(ctx, tx, productID, now)
	})
	return pfirestore.WrapError("products.soft_delete", err)
}

// SoftDeleteMany atomically marks every listed product deleted. If any ID is
// missing or already deleted the whole batch fails and nothing is written.
func (r *ProductRepository) SoftDeleteMany(ctx context.Context, productIDs []string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}

	ids := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return errors.New("product repository: at least one product id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, id := range ids {
			if err := r.softDeleteInTx(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	return pfirestore.WrapError("products.soft_delete_many", err)
}

func (r *ProductRepository) softDeleteInTx(ctx context.Context, tx *firestore.Transaction, productID string, now time.Time) error {
	docRef, err := r.base.DocumentRef(ctx, productID)
	if err != nil {
		return err
	}
	snap, err := tx.Get(docRef)
	if err != nil {
		return err
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return fmt.Errorf("decode product %s: %w", productID, err)
	}
	if doc.Availability != string(domain.ProductActive) {
		return status.Errorf(codes.FailedPrecondition, "product %s is already deleted", productID)
	}
	return tx.Update(docRef, []firestore.Update{
		{Path: "availability", Value: string(domain.ProductDeleted)},
		{Path: "updatedAt", Value: now.UTC()},
	})
}

// Documents and codecs ------------------------------------------------------

type productDocument struct {
	Type            string              `firestore:"type"`
	Title           string              `firestore:"title"`
	Description     string              `firestore:"description,omitempty"`
	Currency        string              `firestore:"currency"`
	OriginalPrice   int64               `firestore:"originalPrice"`
	Price           int64               `firestore:"price"`
	DiscountPercent int                 `firestore:"discountPercent"`
	Stock           int                 `firestore:"stock"`
	Availability    string              `firestore:"availability"`
	CoverImageRef   string              `firestore:"coverImageRef,omitempty"`
	CoverImageURL   string              `firestore:"coverImageUrl,omitempty"`
	SearchKey       string              `firestore:"searchKey"`
	Book            *bookDetailDocument `firestore:"book,omitempty"`
	CD              *cdDetailDocument   `firestore:"cd,omitempty"`
	DVD             *dvdDetailDocument  `firestore:"dvd,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type bookDetailDocument struct {
	Author    string   `firestore:"author"`
	ISBN      string   `firestore:"isbn,omitempty"`
	Publisher string   `firestore:"publisher,omitempty"`
	PageCount int      `firestore:"pageCount,omitempty"`
	Genres    []string `firestore:"genres,omitempty"`
	Language  string   `firestore:"language,omitempty"`
}

type cdDetailDocument struct {
	Artist      string   `firestore:"artist"`
	AlbumTitle  string   `firestore:"albumTitle,omitempty"`
	TrackList   []string `firestore:"trackList,omitempty"`
	Genre       string   `firestore:"genre,omitempty"`
	ReleaseYear int      `firestore:"releaseYear,omitempty"`
}

type dvdDetailDocument struct {
	Director       string   `firestore:"director"`
	RuntimeMinutes int      `firestore:"runtimeMinutes,omitempty"`
	Studio         string   `firestore:"studio,omitempty"`
	Rating         string   `firestore:"rating,omitempty"`
	Subtitles      []string `firestore:"subtitles,omitempty"`
}

func encodeProductDocument(product domain.Product) productDocument {
	searchKey := strings.TrimSpace(product.SearchKey)
	if searchKey == "" {
		searchKey = strings.ToLower(strings.TrimSpace(product.Title))
	}
	availability := strings.TrimSpace(string(product.Availability))
	if availability == "" {
		availability = string(domain.ProductActive)
	}

	doc := productDocument{
		Type:            strings.TrimSpace(string(product.Type)),
		Title:           strings.TrimSpace(product.Title),
		Description:     strings.TrimSpace(product.Description),
		Currency:        strings.ToUpper(strings.TrimSpace(product.Currency)),
		OriginalPrice:   product.OriginalPrice,
		Price:           product.Price,
		DiscountPercent: product.DiscountPercent,
		Stock:           product.Stock,
		Availability:    availability,
		CoverImageRef:   strings.TrimSpace(product.CoverImageRef),
		CoverImageURL:   strings.TrimSpace(product.CoverImageURL),
		SearchKey:       searchKey,
		CreatedAt:       product.CreatedAt.UTC(),
		UpdatedAt:       product.UpdatedAt.UTC(),
	}

	if product.Book != nil {
		doc.Book = &bookDetailDocument{
			Author:    strings.TrimSpace(product.Book.Author),
			ISBN:      strings.TrimSpace(product.Book.ISBN),
			Publisher: strings.TrimSpace(product.Book.Publisher),
			PageCount: product.Book.PageCount,
			Genres:    cloneStrings(product.Book.Genres),
			Language:  strings.TrimSpace(product.Book.Language),
		}
	}
	if product.CD != nil {
		doc.CD = &cdDetailDocument{
			Artist:      strings.TrimSpace(product.CD.Artist),
			AlbumTitle:  strings.TrimSpace(product.CD.AlbumTitle),
			TrackList:   cloneStrings(product.CD.TrackList),
			Genre:       strings.TrimSpace(product.CD.Genre),
			ReleaseYear: product.CD.ReleaseYear,
		}
	}
	if product.DVD != nil {
		doc.DVD = &dvdDetailDocument{
			Director:       strings.TrimSpace(product.DVD.Director),
			RuntimeMinutes: product.DVD.RuntimeMinutes,
			Studio:         strings.TrimSpace(product.DVD.Studio),
			Rating:         strings.TrimSpace(product.DVD.Rating),
			Subtitles:      cloneStrings(product.DVD.Subtitles),
		}
	}
	return doc
}

func decodeProductDocument(id string, doc productDocument, createdAt, updatedAt time.Time) domain.Product {
	product := domain.Product{
		ID:              strings.TrimSpace(id),
		Type:            domain.ProductType(strings.TrimSpace(doc.Type)),
		Title:           strings.TrimSpace(doc.Title),
		Description:     strings.TrimSpace(doc.Description),
		Currency:        strings.ToUpper(strings.TrimSpace(doc.Currency)),
		OriginalPrice:   doc.OriginalPrice,
		Price:           doc.Price,
		DiscountPercent: doc.DiscountPercent,
		Stock:           doc.Stock,
		Availability:    domain.Availability(strings.TrimSpace(doc.Availability)),
		CoverImageRef:   strings.TrimSpace(doc.CoverImageRef),
		CoverImageURL:   strings.TrimSpace(doc.CoverImageURL),
		SearchKey:       strings.TrimSpace(doc.SearchKey),
		CreatedAt:       chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:       chooseTime(doc.UpdatedAt, updatedAt),
	}

	if doc.Book != nil {
		product.Book = &domain.BookDetails{
			Author:    strings.TrimSpace(doc.Book.Author),
			ISBN:      strings.TrimSpace(doc.Book.ISBN),
			Publisher: strings.TrimSpace(doc.Book.Publisher),
			PageCount: doc.Book.PageCount,
			Genres:    cloneStrings(doc.Book.Genres),
			Language:  strings.TrimSpace(doc.Book.Language),
		}
	}
	if doc.CD != nil {
		product.CD = &domain.CDDetails{
			Artist:      strings.TrimSpace(doc.CD.Artist),
			AlbumTitle:  strings.TrimSpace(doc.CD.AlbumTitle),
			TrackList:   cloneStrings(doc.CD.TrackList),
			Genre:       strings.TrimSpace(doc.CD.Genre),
			ReleaseYear: doc.CD.ReleaseYear,
		}
	}
	if doc.DVD != nil {
		product.DVD = &domain.DVDDetails{
			Director:       strings.TrimSpace(doc.DVD.Director),
			RuntimeMinutes: doc.DVD.RuntimeMinutes,
			Studio:         strings.TrimSpace(doc.DVD.Studio),
			Rating:         strings.TrimSpace(doc.DVD.Rating),
			Subtitles:      cloneStrings(doc.DVD.Subtitles),
		}
	}
	return product
}

// Sorting and tokens --------------------------------------------------------

const (
	productSortPrice     = "price"
	productSortTitle     = "title"
	productSortCreatedAt = "createdAt"
)

func productSortSpec(sortBy string, order domain.SortOrder) (string, firestore.Direction) {
	field := productSortCreatedAt
	switch strings.ToLower(strings.TrimSpace(sortBy)) {
	case productSortPrice:
		field = productSortPrice
	case productSortTitle:
		field = productSortTitle
	case productSortCreatedAt, "":
	}

	dir := firestore.Desc
	if order == domain.SortAsc {
		dir = firestore.Asc
	}
	return field, dir
}

func encodeProductListToken(doc productDocument, docID, sortField string) (string, error) {
	var value string
	switch sortField {
	case productSortPrice:
		value = fmt.Sprintf("%d", doc.Price)
	case productSortTitle:
		value = doc.Title
	case productSortCreatedAt:
		value = doc.CreatedAt.UTC().Format(time.RFC3339Nano)
	default:
		return "", fmt.Errorf("product repository: unsupported sort field %q", sortField)
	}
	payload := fmt.Sprintf("%s|%s", value, docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)), nil
}

func decodeProductListToken(token, sortField string) (any, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return nil, "", errors.New("invalid token structure")
	}
	switch sortField {
	case productSortPrice:
		var price int64
		if _, err := fmt.Sscanf(parts[0], "%d", &price); err != nil {
			return nil, "", err
		}
		return price, parts[1], nil
	case productSortTitle:
		return parts[0], parts[1], nil
	case productSortCreatedAt:
		ts, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			return nil, "", err
		}
		return ts, parts[1], nil
	}
	return nil, "", fmt.Errorf("unsupported sort field %q", sortField)
}

func normaliseProductTypes(types []domain.ProductType) []string {
	if len(types) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(types))
	seen := make(map[string]struct{})
	for _, t := range types {
		trimmed := strings.ToUpper(strings.TrimSpace(string(t)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return slices.Clone(values)
}

func chooseTime(primary time.Time, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary.UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Time{}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
