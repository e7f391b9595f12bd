package handlers

import (
	"context"
	"encoding/json"
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

type stubOrderService struct {
	createFunc           func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error)
	getFunc              func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error)
	listFunc             func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	paymentCompletedFunc func(ctx context.Context, cmd services.PaymentCompletedCommand) (services.Order, error)
	markCodPaidFunc      func(ctx context.Context, cmd services.MarkCodPaidCommand) (services.Order, error)
	cancelFunc           func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
	transitionFunc       func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error)
	cancelExpiredFunc    func(ctx context.Context) (int, error)
	expiringSoonFunc     func(ctx context.Context, within time.Duration) ([]services.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, orderID, opts)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) HandlePaymentCompleted(ctx context.Context, cmd services.PaymentCompletedCommand) (services.Order, error) {
	if s.paymentCompletedFunc != nil {
		return s.paymentCompletedFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) MarkCodPaid(ctx context.Context, cmd services.MarkCodPaidCommand) (services.Order, error) {
	if s.markCodPaidFunc != nil {
		return s.markCodPaidFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFunc != nil {
		return s.transitionFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) CancelExpiredOrders(ctx context.Context) (int, error) {
	if s.cancelExpiredFunc != nil {
		return s.cancelExpiredFunc(ctx)
	}
	return 0, nil
}

func (s *stubOrderService) FindOrdersExpiringSoon(ctx context.Context, within time.Duration) ([]services.Order, error) {
	if s.expiringSoonFunc != nil {
		return s.expiringSoonFunc(ctx, within)
	}
	return nil, nil
}

var _ services.OrderService = (*stubOrderService)(nil)

func newOrderRequest(method, target, body, uid string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func sampleOrder(now time.Time) services.Order {
	paymentID := "pi_123"
	return services.Order{
		ID:          "ord_1",
		OrderNumber: "ORD-202505-0001",
		UserID:      "user-7",
		Status:      domain.OrderStatusReceived,
		Currency:    "USD",
		Items: []domain.OrderLineItem{
			{ProductID: "prd_1", ProductType: domain.ProductTypeBook, Title: "Dune", Quantity: 2, UnitPrice: 1500},
		},
		ShippingAddress: domain.Address{
			FullName:   "Pat Doe",
			Line1:      "1 Main St",
			City:       "Hanoi",
			PostalCode: "10000",
			Country:    "VN",
			Email:      "pat@example.com",
		},
		Payment: domain.PaymentInfo{
			Method:    domain.PaymentMethodCard,
			PaymentID: &paymentID,
			IsPaid:    true,
			PaidAt:    &now,
		},
		Totals: domain.OrderTotals{
			Subtotal:   3000,
			Shipping:   500,
			Tax:        240,
			Total:      3740,
			TotalItems: 2,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderHandlersListOrdersScopedToOwner(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		listFunc: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			if filter.UserID != "user-7" {
				t.Fatalf("expected owner-scoped listing, got %q", filter.UserID)
			}
			if len(filter.Status) != 1 || filter.Status[0] != domain.OrderStatusPending {
				t.Fatalf("unexpected status filter %v", filter.Status)
			}
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder(now)}}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := newOrderRequest(http.MethodGet, "/orders?status=pending", "", "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].OrderNumber != "ORD-202505-0001" {
		t.Fatalf("unexpected items %#v", resp.Items)
	}
	if resp.Items[0].Totals.Total != 3740 {
		t.Fatalf("expected total 3740, got %d", resp.Items[0].Totals.Total)
	}
}

func TestOrderHandlersGetOrderPassesOwner(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getFunc: func(_ context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			if orderID != "ord_1" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			if opts.OwnerID == nil || *opts.OwnerID != "user-7" {
				t.Fatalf("expected owner scope user-7, got %v", opts.OwnerID)
			}
			return sampleOrder(now), nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := newOrderRequest(http.MethodGet, "/orders/ord_1", "", "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.ID != "ord_1" || resp.Order.Payment.Method != "CARD" {
		t.Fatalf("unexpected order payload %#v", resp.Order)
	}
	if resp.Order.ShippingAddress.City != "Hanoi" {
		t.Fatalf("expected shipping city Hanoi, got %q", resp.Order.ShippingAddress.City)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFunc: func(_ context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotFound
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := newOrderRequest(http.MethodGet, "/orders/ord_other", "", "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	var got services.CancelOrderCommand
	service := &stubOrderService{
		cancelFunc: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			got = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusCanceled
			return order, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := newOrderRequest(http.MethodPost, "/orders/ord_1/cancel", `{"reason":"changed my mind"}`, "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.OrderID != "ord_1" || got.ActorID != "user-7" || got.Reason != "changed my mind" {
		t.Fatalf("unexpected command %#v", got)
	}
	if got.OwnerID == nil || *got.OwnerID != "user-7" {
		t.Fatalf("expected owner scope user-7, got %v", got.OwnerID)
	}
}

func TestOrderHandlersCancelInvalidState(t *testing.T) {
	service := &stubOrderService{
		cancelFunc: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := newOrderRequest(http.MethodPost, "/orders/ord_1/cancel", `{}`, "user-7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}
