package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/services"
)

type stubCartService struct {
	getOrCreateFunc func(ctx context.Context, userID string) (services.CartView, error)
	addFunc         func(ctx context.Context, cmd services.AddCartItemCommand) (services.CartView, error)
	setQuantityFunc func(ctx context.Context, cmd services.SetCartItemQuantityCommand) (services.CartView, error)
	setTickedFunc   func(ctx context.Context, cmd services.SetItemTickedCommand) (services.CartView, error)
	removeFunc      func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.CartView, error)
	clearFunc       func(ctx context.Context, userID string) error
	takeTickedFunc  func(ctx context.Context, userID string) ([]services.CartItem, error)
}

func (s *stubCartService) GetOrCreateCart(ctx context.Context, userID string) (services.CartView, error) {
	if s.getOrCreateFunc != nil {
		return s.getOrCreateFunc(ctx, userID)
	}
	return services.CartView{}, nil
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.CartView, error) {
	if s.addFunc != nil {
		return s.addFunc(ctx, cmd)
	}
	return services.CartView{}, nil
}

func (s *stubCartService) SetItemQuantity(ctx context.Context, cmd services.SetCartItemQuantityCommand) (services.CartView, error) {
	if s.setQuantityFunc != nil {
		return s.setQuantityFunc(ctx, cmd)
	}
	return services.CartView{}, nil
}

func (s *stubCartService) SetItemTicked(ctx context.Context, cmd services.SetItemTickedCommand) (services.CartView, error) {
	if s.setTickedFunc != nil {
		return s.setTickedFunc(ctx, cmd)
	}
	return services.CartView{}, nil
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (services.CartView, error) {
	if s.removeFunc != nil {
		return s.removeFunc(ctx, cmd)
	}
	return services.CartView{}, nil
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	if s.clearFunc != nil {
		return s.clearFunc(ctx, userID)
	}
	return nil
}

func (s *stubCartService) TakeTickedItems(ctx context.Context, userID string) ([]services.CartItem, error) {
	if s.takeTickedFunc != nil {
		return s.takeTickedFunc(ctx, userID)
	}
	return nil, nil
}

var _ services.CartService = (*stubCartService)(nil)

func newCartRequest(method, target, body, uid string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func TestCartHandlersGetCartSuccess(t *testing.T) {
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)

	service := &stubCartService{
		getOrCreateFunc: func(_ context.Context, userID string) (services.CartView, error) {
			if userID != "user-7" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return services.CartView{
				Cart: domain.Cart{
					ID:        "crt_7",
					UserID:    "user-7",
					Currency:  "USD",
					UpdatedAt: now,
				},
				Lines: []services.CartItemView{
					{
						CartItem: domain.CartItem{
							ID:        "item-1",
							ProductID: "prd_1",
							Quantity:  2,
							Ticked:    true,
							AddedAt:   now,
						},
						Title:       "Dune",
						ProductType: domain.ProductTypeBook,
						UnitPrice:   1500,
						Available:   3,
					},
				},
				Estimate: &domain.PriceBreakdown{
					Currency:   "USD",
					Subtotal:   3000,
					Shipping:   500,
					Tax:        240,
					Total:      3740,
					TotalItems: 2,
				},
			}, nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := newCartRequest(http.MethodGet, "/cart", "", "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if cacheControl := rr.Header().Get("Cache-Control"); !strings.Contains(cacheControl, "no-store") {
		t.Fatalf("expected Cache-Control no-store, got %q", cacheControl)
	}

	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Cart.ID != "crt_7" {
		t.Fatalf("expected cart id crt_7, got %q", resp.Cart.ID)
	}
	if resp.Cart.ItemsCount != 1 || len(resp.Cart.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", resp.Cart.ItemsCount)
	}
	if resp.Cart.Items[0].Title != "Dune" || !resp.Cart.Items[0].Ticked {
		t.Fatalf("unexpected item %#v", resp.Cart.Items[0])
	}
	if resp.Cart.Estimate == nil || resp.Cart.Estimate.Total != 3740 {
		t.Fatalf("expected estimate total 3740, got %#v", resp.Cart.Estimate)
	}
}

func TestCartHandlersGetCartRequiresAuth(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemValidation(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := newCartRequest(http.MethodPost, "/cart/items", `{"productId":"prd_1","quantity":0}`, "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemOutOfStock(t *testing.T) {
	service := &stubCartService{
		addFunc: func(_ context.Context, cmd services.AddCartItemCommand) (services.CartView, error) {
			if cmd.UserID != "user-7" || cmd.ProductID != "prd_1" || cmd.Quantity != 5 {
				t.Fatalf("unexpected command %#v", cmd)
			}
			return services.CartView{}, fmt.Errorf("%w: product prd_1: 2 available, 5 requested", services.ErrCartOutOfStock)
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := newCartRequest(http.MethodPost, "/cart/items", `{"productId":"prd_1","quantity":5}`, "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, "2 available, 5 requested") {
		t.Fatalf("expected available versus requested in the error body, got %s", body)
	}
}

func TestCartHandlersUpdateItemQuantity(t *testing.T) {
	var got services.SetCartItemQuantityCommand
	service := &stubCartService{
		setQuantityFunc: func(_ context.Context, cmd services.SetCartItemQuantityCommand) (services.CartView, error) {
			got = cmd
			return services.CartView{Cart: domain.Cart{ID: "crt_7"}}, nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := newCartRequest(http.MethodPatch, "/cart/items/item-1", `{"quantity":4}`, "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.UserID != "user-7" || got.ItemID != "item-1" || got.Quantity != 4 {
		t.Fatalf("unexpected command %#v", got)
	}
}

func TestCartHandlersUpdateItemRequiresAField(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := newCartRequest(http.MethodPatch, "/cart/items/item-1", `{}`, "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for an empty update, got %d", rr.Code)
	}
}

func TestCartHandlersSetItemTicked(t *testing.T) {
	var got services.SetItemTickedCommand
	service := &stubCartService{
		setTickedFunc: func(_ context.Context, cmd services.SetItemTickedCommand) (services.CartView, error) {
			got = cmd
			return services.CartView{Cart: domain.Cart{ID: "crt_7"}}, nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := newCartRequest(http.MethodPatch, "/cart/items/item-1", `{"ticked":false}`, "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.UserID != "user-7" || got.ItemID != "item-1" || got.Ticked {
		t.Fatalf("unexpected command %#v", got)
	}
}

func TestCartHandlersRemoveItemNotFound(t *testing.T) {
	service := &stubCartService{
		removeFunc: func(_ context.Context, cmd services.RemoveCartItemCommand) (services.CartView, error) {
			return services.CartView{}, services.ErrCartNotFound
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := newCartRequest(http.MethodDelete, "/cart/items/item-404", "", "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCartHandlersClearCart(t *testing.T) {
	cleared := ""
	service := &stubCartService{
		clearFunc: func(_ context.Context, userID string) error {
			cleared = userID
			return nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := newCartRequest(http.MethodDelete, "/cart", "", "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if cleared != "user-7" {
		t.Fatalf("expected clear for user-7, got %q", cleared)
	}
}
