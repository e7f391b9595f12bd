package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

const maxCartRequestBody = 8 * 1024

// CartHandlers exposes the authenticated shopping cart endpoints. Adding a
// line reserves stock immediately, so most mutations can fail with an
// out-of-stock conflict.
type CartHandlers struct {
	authn *auth.Authenticator
	cart  services.CartService
}

// NewCartHandlers constructs cart handlers guarded by Firebase authentication.
func NewCartHandlers(authn *auth.Authenticator, cart services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		cart:  cart,
	}
}

// Routes registers cart endpoints under the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.getCart)
	group.Delete("/", h.clearCart)
	group.Post("/items", h.addItem)
	group.Patch("/items/{itemID}", h.updateItem)
	group.Delete("/items/{itemID}", h.removeItem)
}

type cartItemPayload struct {
	ID              string `json:"id"`
	ProductID       string `json:"productId"`
	Title           string `json:"title,omitempty"`
	ProductType     string `json:"productType,omitempty"`
	Quantity        int    `json:"quantity"`
	Ticked          bool   `json:"ticked"`
	UnitPrice       int64  `json:"unitPrice"`
	DiscountPercent int    `json:"discountPercent,omitempty"`
	CoverImageURL   string `json:"coverImageUrl,omitempty"`
	Available       int    `json:"available"`
	AddedAt         string `json:"addedAt,omitempty"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
}

type priceBreakdownPayload struct {
	Currency   string `json:"currency"`
	Subtotal   int64  `json:"subtotal"`
	Shipping   int64  `json:"shipping"`
	Tax        int64  `json:"tax"`
	Discount   int64  `json:"discount"`
	Total      int64  `json:"total"`
	TotalItems int    `json:"totalItems"`
}

type cartPayload struct {
	ID         string                 `json:"id"`
	Currency   string                 `json:"currency,omitempty"`
	Items      []cartItemPayload      `json:"items"`
	ItemsCount int                    `json:"itemsCount"`
	Estimate   *priceBreakdownPayload `json:"estimate,omitempty"`
	UpdatedAt  string                 `json:"updatedAt,omitempty"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

func buildPriceBreakdownPayload(breakdown *services.PriceBreakdown) *priceBreakdownPayload {
	if breakdown == nil {
		return nil
	}
	return &priceBreakdownPayload{
		Currency:   breakdown.Currency,
		Subtotal:   breakdown.Subtotal,
		Shipping:   breakdown.Shipping,
		Tax:        breakdown.Tax,
		Discount:   breakdown.Discount,
		Total:      breakdown.Total,
		TotalItems: breakdown.TotalItems,
	}
}

func buildCartPayload(view services.CartView) cartPayload {
	payload := cartPayload{
		ID:        view.ID,
		Currency:  view.Currency,
		Items:     make([]cartItemPayload, 0, len(view.Lines)),
		Estimate:  buildPriceBreakdownPayload(view.Estimate),
		UpdatedAt: formatTime(view.UpdatedAt),
	}
	for _, line := range view.Lines {
		payload.Items = append(payload.Items, cartItemPayload{
			ID:              line.ID,
			ProductID:       line.ProductID,
			Title:           line.Title,
			ProductType:     string(line.ProductType),
			Quantity:        line.Quantity,
			Ticked:          line.Ticked,
			UnitPrice:       line.UnitPrice,
			DiscountPercent: line.DiscountPercent,
			CoverImageURL:   line.CoverImageURL,
			Available:       line.Available,
			AddedAt:         formatTime(line.AddedAt),
			UpdatedAt:       formatTimePtr(line.UpdatedAt),
		})
	}
	payload.ItemsCount = len(payload.Items)
	return payload
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cart == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	view, err := h.cart.GetOrCreateCart(ctx, identity.UID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(view)})
}

type addCartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Ticked    *bool  `json:"ticked"`
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cart == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCartRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req addCartItemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
		return
	}
	if req.Quantity <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must be positive", http.StatusBadRequest))
		return
	}

	view, err := h.cart.AddItem(ctx, services.AddCartItemCommand{
		UserID:    identity.UID,
		ProductID: productID,
		Quantity:  req.Quantity,
		Ticked:    req.Ticked,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(view)})
}

type updateCartItemRequest struct {
	Quantity *int  `json:"quantity"`
	Ticked   *bool `json:"ticked"`
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cart == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "itemID is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxCartRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req updateCartItemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if req.Quantity == nil && req.Ticked == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity or ticked is required", http.StatusBadRequest))
		return
	}
	if req.Quantity != nil && *req.Quantity <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must be positive", http.StatusBadRequest))
		return
	}

	var view services.CartView
	if req.Quantity != nil {
		view, err = h.cart.SetItemQuantity(ctx, services.SetCartItemQuantityCommand{
			UserID:   identity.UID,
			ItemID:   itemID,
			Quantity: *req.Quantity,
		})
		if err != nil {
			writeCartError(ctx, w, err)
			return
		}
	}
	if req.Ticked != nil {
		view, err = h.cart.SetItemTicked(ctx, services.SetItemTickedCommand{
			UserID: identity.UID,
			ItemID: itemID,
			Ticked: *req.Ticked,
		})
		if err != nil {
			writeCartError(ctx, w, err)
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(view)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cart == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "itemID is required", http.StatusBadRequest))
		return
	}

	view, err := h.cart.RemoveItem(ctx, services.RemoveCartItemCommand{
		UserID: identity.UID,
		ItemID: itemID,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(view)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cart == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	if err := h.cart.ClearCart(ctx, identity.UID); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", "cart item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartOutOfStock):
		// The message carries available versus requested when the stock
		// layer knows the quantities.
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has changed; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}
