package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

const (
	maxAdminRequestBody  = 64 * 1024
	defaultLowStockLimit = 10
)

// AdminHandlers exposes the staff moderation surface: catalog CRUD with the
// daily caps, stock corrections, and order fulfilment transitions.
type AdminHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
	stock   services.StockService
	orders  services.OrderService
}

// NewAdminHandlers constructs admin handlers restricted to staff and admin roles.
func NewAdminHandlers(authn *auth.Authenticator, catalog services.CatalogService, stock services.StockService, orders services.OrderService) *AdminHandlers {
	return &AdminHandlers{
		authn:   authn,
		catalog: catalog,
		stock:   stock,
		orders:  orders,
	}
}

// Routes registers admin endpoints under the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	group.Post("/products", h.createProduct)
	group.Get("/products", h.listProducts)
	group.Get("/products/{productID}", h.getProduct)
	group.Patch("/products/{productID}", h.updateProduct)
	group.Delete("/products/{productID}", h.deleteProduct)
	group.Post("/products/bulk-delete", h.bulkDeleteProducts)
	group.Get("/activity", h.listActivity)
	group.Get("/stock/low", h.listLowStock)
	group.Get("/stock/{productID}", h.getStock)
	group.Put("/stock/{productID}", h.setOnHand)
	group.Get("/orders", h.listOrders)
	group.Post("/orders/{orderID}/status", h.transitionOrder)
	group.Post("/orders/{orderID}/cod-paid", h.markCodPaid)
	group.Post("/orders/{orderID}/cancel", h.cancelOrder)
}

type createProductRequest struct {
	Type            string              `json:"type"`
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Currency        string              `json:"currency"`
	OriginalPrice   int64               `json:"originalPrice"`
	Price           int64               `json:"price"`
	DiscountPercent int                 `json:"discountPercent"`
	Stock           int                 `json:"stock"`
	CoverImageRef   string              `json:"coverImageRef"`
	Book            *bookDetailsPayload `json:"book"`
	CD              *cdDetailsPayload   `json:"cd"`
	DVD             *dvdDetailsPayload  `json:"dvd"`
}

func (req createProductRequest) toDomain() services.Product {
	product := services.Product{
		Type:            services.ProductType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Title:           strings.TrimSpace(req.Title),
		Description:     strings.TrimSpace(req.Description),
		Currency:        strings.ToUpper(strings.TrimSpace(req.Currency)),
		OriginalPrice:   req.OriginalPrice,
		Price:           req.Price,
		DiscountPercent: req.DiscountPercent,
		Stock:           req.Stock,
		CoverImageRef:   strings.TrimSpace(req.CoverImageRef),
	}
	if req.Book != nil {
		product.Book = &domain.BookDetails{
			Author:    strings.TrimSpace(req.Book.Author),
			ISBN:      strings.TrimSpace(req.Book.ISBN),
			Publisher: strings.TrimSpace(req.Book.Publisher),
			PageCount: req.Book.PageCount,
			Genres:    append([]string(nil), req.Book.Genres...),
			Language:  strings.TrimSpace(req.Book.Language),
		}
	}
	if req.CD != nil {
		product.CD = &domain.CDDetails{
			Artist:      strings.TrimSpace(req.CD.Artist),
			AlbumTitle:  strings.TrimSpace(req.CD.AlbumTitle),
			TrackList:   append([]string(nil), req.CD.TrackList...),
			Genre:       strings.TrimSpace(req.CD.Genre),
			ReleaseYear: req.CD.ReleaseYear,
		}
	}
	if req.DVD != nil {
		product.DVD = &domain.DVDDetails{
			Director:       strings.TrimSpace(req.DVD.Director),
			RuntimeMinutes: req.DVD.RuntimeMinutes,
			Studio:         strings.TrimSpace(req.DVD.Studio),
			Rating:         strings.TrimSpace(req.DVD.Rating),
			Subtitles:      append([]string(nil), req.DVD.Subtitles...),
		}
	}
	return product
}

func (h *AdminHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req createProductRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.CreateProduct(ctx, services.CreateProductCommand{
		ActorID: identity.UID,
		Product: req.toDomain(),
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildProductPayload(product))
}

func (h *AdminHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	types, err := parseProductTypes(r.URL.Query().Get("type"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.ProductListFilter{
		Types:          types,
		IncludeDeleted: parseBoolParam(r, "includeDeleted"),
		TitleQuery:     strings.TrimSpace(r.URL.Query().Get("q")),
		SortBy:         strings.TrimSpace(r.URL.Query().Get("sortBy")),
		Pagination:     parsePagination(r, defaultCatalogPageSize, maxCatalogPageSize),
	}
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("order")), "desc") {
		filter.SortOrder = domain.SortDesc
	} else {
		filter.SortOrder = domain.SortAsc
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

func (h *AdminHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
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

	product, err := h.catalog.GetProduct(ctx, productID, services.ProductReadOptions{IncludeDeleted: true})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

func (h *AdminHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productID is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	cmd, err := parseUpdateProductRequest(body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	cmd.ActorID = identity.UID
	cmd.ProductID = productID

	product, err := h.catalog.UpdateProduct(ctx, cmd)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

// parseUpdateProductRequest maps the sparse PATCH body onto pointer fields so
// absent keys leave the stored value untouched.
func parseUpdateProductRequest(data []byte) (services.UpdateProductCommand, error) {
	var cmd services.UpdateProductCommand

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return cmd, errors.New("invalid JSON payload")
	}
	if len(raw) == 0 {
		return cmd, errors.New("no editable fields provided")
	}

	for key, value := range raw {
		if isJSONNull(value) {
			return cmd, fmt.Errorf("%s must not be null", key)
		}
		switch key {
		case "title":
			var title string
			if err := json.Unmarshal(value, &title); err != nil {
				return cmd, errors.New("title must be a string")
			}
			cmd.Title = &title
		case "description":
			var description string
			if err := json.Unmarshal(value, &description); err != nil {
				return cmd, errors.New("description must be a string")
			}
			cmd.Description = &description
		case "price":
			var price int64
			if err := json.Unmarshal(value, &price); err != nil {
				return cmd, errors.New("price must be an integer")
			}
			cmd.Price = &price
		case "originalPrice":
			var original int64
			if err := json.Unmarshal(value, &original); err != nil {
				return cmd, errors.New("originalPrice must be an integer")
			}
			cmd.OriginalPrice = &original
		case "discountPercent":
			var discount int
			if err := json.Unmarshal(value, &discount); err != nil {
				return cmd, errors.New("discountPercent must be an integer")
			}
			cmd.DiscountPercent = &discount
		case "stock":
			var stock int
			if err := json.Unmarshal(value, &stock); err != nil {
				return cmd, errors.New("stock must be an integer")
			}
			cmd.Stock = &stock
		case "coverImageRef":
			var ref string
			if err := json.Unmarshal(value, &ref); err != nil {
				return cmd, errors.New("coverImageRef must be a string")
			}
			cmd.CoverImageRef = &ref
		case "book":
			var details bookDetailsPayload
			if err := json.Unmarshal(value, &details); err != nil {
				return cmd, errors.New("book must be an object")
			}
			cmd.Book = &domain.BookDetails{
				Author:    strings.TrimSpace(details.Author),
				ISBN:      strings.TrimSpace(details.ISBN),
				Publisher: strings.TrimSpace(details.Publisher),
				PageCount: details.PageCount,
				Genres:    append([]string(nil), details.Genres...),
				Language:  strings.TrimSpace(details.Language),
			}
		case "cd":
			var details cdDetailsPayload
			if err := json.Unmarshal(value, &details); err != nil {
				return cmd, errors.New("cd must be an object")
			}
			cmd.CD = &domain.CDDetails{
				Artist:      strings.TrimSpace(details.Artist),
				AlbumTitle:  strings.TrimSpace(details.AlbumTitle),
				TrackList:   append([]string(nil), details.TrackList...),
				Genre:       strings.TrimSpace(details.Genre),
				ReleaseYear: details.ReleaseYear,
			}
		case "dvd":
			var details dvdDetailsPayload
			if err := json.Unmarshal(value, &details); err != nil {
				return cmd, errors.New("dvd must be an object")
			}
			cmd.DVD = &domain.DVDDetails{
				Director:       strings.TrimSpace(details.Director),
				RuntimeMinutes: details.RuntimeMinutes,
				Studio:         strings.TrimSpace(details.Studio),
				Rating:         strings.TrimSpace(details.Rating),
				Subtitles:      append([]string(nil), details.Subtitles...),
			}
		default:
			return cmd, fmt.Errorf("unknown field %q", key)
		}
	}
	return cmd, nil
}

func (h *AdminHandlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productID is required", http.StatusBadRequest))
		return
	}

	if err := h.catalog.DeleteProduct(ctx, services.DeleteProductCommand{
		ActorID:   identity.UID,
		ProductID: productID,
	}); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkDeleteRequest struct {
	ProductIDs []string `json:"productIds"`
}

func (h *AdminHandlers) bulkDeleteProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req bulkDeleteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if len(req.ProductIDs) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productIds is required", http.StatusBadRequest))
		return
	}

	if err := h.catalog.DeleteProducts(ctx, services.BulkDeleteProductsCommand{
		ActorID:    identity.UID,
		ProductIDs: req.ProductIDs,
	}); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activityRecordPayload struct {
	ID           string `json:"id"`
	ProductID    string `json:"productId"`
	ProductTitle string `json:"productTitle,omitempty"`
	Action       string `json:"action"`
	CreatedAt    string `json:"createdAt"`
}

type activityListResponse struct {
	Items []activityRecordPayload `json:"items"`
}

func (h *AdminHandlers) listActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	records, err := h.catalog.ListHistory(ctx, identity.UID, parsePagination(r, defaultCatalogPageSize, maxCatalogPageSize))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	resp := activityListResponse{Items: make([]activityRecordPayload, 0, len(records))}
	for _, record := range records {
		resp.Items = append(resp.Items, activityRecordPayload{
			ID:           record.Entry.ID,
			ProductID:    record.Entry.ProductID,
			ProductTitle: record.ProductTitle,
			Action:       string(record.Entry.Action),
			CreatedAt:    formatTime(record.Entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

type stockLevelPayload struct {
	ProductID string `json:"productId"`
	OnHand    int    `json:"onHand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type stockListResponse struct {
	Items         []stockLevelPayload `json:"items"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

func buildStockLevelPayload(level services.StockLevel) stockLevelPayload {
	return stockLevelPayload{
		ProductID: level.ProductID,
		OnHand:    level.OnHand,
		Reserved:  level.Reserved,
		Available: level.Available,
		UpdatedAt: formatTime(level.UpdatedAt),
	}
}

func (h *AdminHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	threshold := defaultLowStockLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		threshold = value
	}

	page, err := h.stock.ListLowStock(ctx, services.LowStockFilter{
		Threshold:  threshold,
		Pagination: parsePagination(r, defaultCatalogPageSize, maxCatalogPageSize),
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	resp := stockListResponse{
		Items:         make([]stockLevelPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, level := range page.Items {
		resp.Items = append(resp.Items, buildStockLevelPayload(level))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productID is required", http.StatusBadRequest))
		return
	}

	level, err := h.stock.Get(ctx, productID)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStockLevelPayload(level))
}

type setOnHandRequest struct {
	OnHand *int `json:"onHand"`
}

func (h *AdminHandlers) setOnHand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productID is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req setOnHandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if req.OnHand == nil || *req.OnHand < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "onHand must be a non-negative integer", http.StatusBadRequest))
		return
	}

	level, err := h.stock.SetOnHand(ctx, productID, *req.OnHand)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStockLevelPayload(level))
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	statuses, err := parseOrderStatuses(r.URL.Query().Get("status"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID:     strings.TrimSpace(r.URL.Query().Get("userId")),
		Status:     statuses,
		Pagination: parsePagination(r, defaultOrderPageSize, maxOrderPageSize),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := orderListResponse{
		Items:         make([]orderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

type transitionOrderRequest struct {
	Status         string  `json:"status"`
	Reason         string  `json:"reason"`
	TrackingNumber *string `json:"trackingNumber"`
	Note           *string `json:"note"`
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderID is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req transitionOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	target := services.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if target == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:        orderID,
		TargetStatus:   target,
		ActorID:        identity.UID,
		Reason:         strings.TrimSpace(req.Reason),
		TrackingNumber: cloneStringPointer(req.TrackingNumber),
		Note:           cloneStringPointer(req.Note),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) markCodPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderID is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.MarkCodPaid(ctx, services.MarkCodPaidCommand{
		OrderID: orderID,
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderID is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil && !errors.Is(err, errEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func parseBoolParam(r *http.Request, name string) bool {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}

func writeStockError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "stock record not found", http.StatusNotFound))
	case errors.Is(err, services.ErrStockInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrStockInsufficient):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "not enough stock available", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to process stock request", http.StatusInternalServerError))
	}
}
