package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

const (
	defaultCatalogPageSize = 20
	maxCatalogPageSize     = 100
)

// CatalogHandlers exposes the public, unauthenticated product browsing endpoints.
type CatalogHandlers struct {
	catalog services.CatalogService
	limiter rateLimiter
}

// CatalogOption customises catalog handler construction.
type CatalogOption func(*CatalogHandlers)

// WithCatalogRateLimiter throttles anonymous browsing per client IP.
func WithCatalogRateLimiter(limit int, window time.Duration, clock func() time.Time) CatalogOption {
	return func(h *CatalogHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, clock)
	}
}

// NewCatalogHandlers constructs handlers for the public catalog surface.
func NewCatalogHandlers(catalog services.CatalogService, opts ...CatalogOption) *CatalogHandlers {
	h := &CatalogHandlers{catalog: catalog}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers catalog endpoints under the provided router.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/products", h.listProducts)
	r.Get("/products/{productID}", h.getProduct)
}

type bookDetailsPayload struct {
	Author    string   `json:"author"`
	ISBN      string   `json:"isbn,omitempty"`
	Publisher string   `json:"publisher,omitempty"`
	PageCount int      `json:"pageCount,omitempty"`
	Genres    []string `json:"genres,omitempty"`
	Language  string   `json:"language,omitempty"`
}

type cdDetailsPayload struct {
	Artist      string   `json:"artist"`
	AlbumTitle  string   `json:"albumTitle,omitempty"`
	TrackList   []string `json:"trackList,omitempty"`
	Genre       string   `json:"genre,omitempty"`
	ReleaseYear int      `json:"releaseYear,omitempty"`
}

type dvdDetailsPayload struct {
	Director       string   `json:"director"`
	RuntimeMinutes int      `json:"runtimeMinutes,omitempty"`
	Studio         string   `json:"studio,omitempty"`
	Rating         string   `json:"rating,omitempty"`
	Subtitles      []string `json:"subtitles,omitempty"`
}

type productPayload struct {
	ID              string              `json:"id"`
	Type            string              `json:"type"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Currency        string              `json:"currency"`
	OriginalPrice   int64               `json:"originalPrice"`
	Price           int64               `json:"price"`
	DiscountPercent int                 `json:"discountPercent"`
	Stock           int                 `json:"stock"`
	Availability    string              `json:"availability"`
	CoverImageURL   string              `json:"coverImageUrl,omitempty"`
	Book            *bookDetailsPayload `json:"book,omitempty"`
	CD              *cdDetailsPayload   `json:"cd,omitempty"`
	DVD             *dvdDetailsPayload  `json:"dvd,omitempty"`
	CreatedAt       string              `json:"createdAt,omitempty"`
	UpdatedAt       string              `json:"updatedAt,omitempty"`
}

type productListResponse struct {
	Items         []productPayload `json:"items"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

func buildProductPayload(product services.Product) productPayload {
	payload := productPayload{
		ID:              product.ID,
		Type:            string(product.Type),
		Title:           product.Title,
		Description:     product.Description,
		Currency:        product.Currency,
		OriginalPrice:   product.OriginalPrice,
		Price:           product.Price,
		DiscountPercent: product.DiscountPercent,
		Stock:           product.Stock,
		Availability:    string(product.Availability),
		CoverImageURL:   product.CoverImageURL,
		CreatedAt:       formatTime(product.CreatedAt),
		UpdatedAt:       formatTime(product.UpdatedAt),
	}
	if product.Book != nil {
		payload.Book = &bookDetailsPayload{
			Author:    product.Book.Author,
			ISBN:      product.Book.ISBN,
			Publisher: product.Book.Publisher,
			PageCount: product.Book.PageCount,
			Genres:    append([]string(nil), product.Book.Genres...),
			Language:  product.Book.Language,
		}
	}
	if product.CD != nil {
		payload.CD = &cdDetailsPayload{
			Artist:      product.CD.Artist,
			AlbumTitle:  product.CD.AlbumTitle,
			TrackList:   append([]string(nil), product.CD.TrackList...),
			Genre:       product.CD.Genre,
			ReleaseYear: product.CD.ReleaseYear,
		}
	}
	if product.DVD != nil {
		payload.DVD = &dvdDetailsPayload{
			Director:       product.DVD.Director,
			RuntimeMinutes: product.DVD.RuntimeMinutes,
			Studio:         product.DVD.Studio,
			Rating:         product.DVD.Rating,
			Subtitles:      append([]string(nil), product.DVD.Subtitles...),
		}
	}
	return payload
}

func parseProductTypes(raw string) ([]services.ProductType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var types []services.ProductType
	for _, part := range strings.Split(raw, ",") {
		value := strings.ToUpper(strings.TrimSpace(part))
		if value == "" {
			continue
		}
		switch services.ProductType(value) {
		case domain.ProductTypeBook, domain.ProductTypeCD, domain.ProductTypeDVD:
			types = append(types, services.ProductType(value))
		default:
			return nil, errors.New("type must be one of BOOK, CD, DVD")
		}
	}
	return types, nil
}

func parsePriceBound(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return nil, errors.New(name + " must be a non-negative integer")
	}
	return &value, nil
}

func (h *CatalogHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		return
	}

	types, err := parseProductTypes(r.URL.Query().Get("type"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	priceMin, err := parsePriceBound(r, "priceMin")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	priceMax, err := parsePriceBound(r, "priceMax")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.ProductListFilter{
		Types:      types,
		TitleQuery: strings.TrimSpace(r.URL.Query().Get("q")),
		PriceRange: domain.RangeQuery[int64]{From: priceMin, To: priceMax},
		SortBy:     strings.TrimSpace(r.URL.Query().Get("sortBy")),
		Pagination: parsePagination(r, defaultCatalogPageSize, maxCatalogPageSize),
	}
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("order"))) {
	case "desc":
		filter.SortOrder = domain.SortDesc
	case "", "asc":
		filter.SortOrder = domain.SortAsc
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order must be asc or desc", http.StatusBadRequest))
		return
	}

	page, err := h.catalog.ListProducts(ctx, filter)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	resp := productListResponse{
		Items:         make([]productPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, product := range page.Items {
		resp.Items = append(resp.Items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productID is required", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.GetProduct(ctx, productID, services.ProductReadOptions{})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCatalogNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogPriceRatio):
		httpx.WriteError(ctx, w, httpx.NewError("price_out_of_range", "price is outside the allowed ratio of the original price", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCatalogRateLimited):
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "daily moderation limit reached", http.StatusTooManyRequests))
	case errors.Is(err, services.ErrCatalogConflict):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_conflict", "catalog has changed; refresh and retry", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
	}
}
