package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

const (
	maxOrderRequestBody  = 8 * 1024
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderHandlers exposes the authenticated order endpoints for the order's
// owner. Reads are owner-scoped: someone else's order is reported as not
// found, never as forbidden.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.listOrders)
	group.Get("/{orderID}", h.getOrder)
	group.Post("/{orderID}/cancel", h.cancelOrder)
}

type orderLinePayload struct {
	ProductID       string `json:"productId"`
	ProductType     string `json:"productType,omitempty"`
	Title           string `json:"title"`
	Author          string `json:"author,omitempty"`
	Quantity        int    `json:"quantity"`
	UnitPrice       int64  `json:"unitPrice"`
	DiscountPercent int    `json:"discountPercent,omitempty"`
}

type orderPaymentPayload struct {
	Method    string  `json:"method"`
	PaymentID *string `json:"paymentId,omitempty"`
	IsPaid    bool    `json:"isPaid"`
	PaidAt    string  `json:"paidAt,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal   int64 `json:"subtotal"`
	Shipping   int64 `json:"shipping"`
	Tax        int64 `json:"tax"`
	Discount   int64 `json:"discount"`
	Total      int64 `json:"total"`
	TotalItems int   `json:"totalItems"`
}

type orderPayload struct {
	ID              string              `json:"id"`
	OrderNumber     string              `json:"orderNumber"`
	Status          string              `json:"status"`
	Currency        string              `json:"currency"`
	Items           []orderLinePayload  `json:"items"`
	ShippingAddress addressPayload      `json:"shippingAddress"`
	Payment         orderPaymentPayload `json:"payment"`
	Totals          orderTotalsPayload  `json:"totals"`
	IsGift          bool                `json:"isGift,omitempty"`
	GiftMessage     *string             `json:"giftMessage,omitempty"`
	TrackingNumber  *string             `json:"trackingNumber,omitempty"`
	Notes           []string            `json:"notes,omitempty"`
	CancelReason    *string             `json:"cancelReason,omitempty"`
	PendingExpiry   string              `json:"pendingExpiry,omitempty"`
	ReceivedAt      string              `json:"receivedAt,omitempty"`
	ShippedAt       string              `json:"shippedAt,omitempty"`
	DeliveredAt     string              `json:"deliveredAt,omitempty"`
	CanceledAt      string              `json:"canceledAt,omitempty"`
	CreatedAt       string              `json:"createdAt,omitempty"`
	UpdatedAt       string              `json:"updatedAt,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Items:       make([]orderLinePayload, 0, len(order.Items)),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		Payment: orderPaymentPayload{
			Method:    string(order.Payment.Method),
			PaymentID: cloneStringPointer(order.Payment.PaymentID),
			IsPaid:    order.Payment.IsPaid,
			PaidAt:    formatTimePtr(order.Payment.PaidAt),
		},
		Totals: orderTotalsPayload{
			Subtotal:   order.Totals.Subtotal,
			Shipping:   order.Totals.Shipping,
			Tax:        order.Totals.Tax,
			Discount:   order.Totals.Discount,
			Total:      order.Totals.Total,
			TotalItems: order.Totals.TotalItems,
		},
		IsGift:         order.IsGift,
		GiftMessage:    cloneStringPointer(order.GiftMessage),
		TrackingNumber: cloneStringPointer(order.TrackingNumber),
		Notes:          append([]string(nil), order.Notes...),
		CancelReason:   cloneStringPointer(order.CancelReason),
		PendingExpiry:  formatTimePtr(order.PendingExpiry),
		ReceivedAt:     formatTimePtr(order.ReceivedAt),
		ShippedAt:      formatTimePtr(order.ShippedAt),
		DeliveredAt:    formatTimePtr(order.DeliveredAt),
		CanceledAt:     formatTimePtr(order.CanceledAt),
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderLinePayload{
			ProductID:       item.ProductID,
			ProductType:     string(item.ProductType),
			Title:           item.Title,
			Author:          item.Author,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			DiscountPercent: item.DiscountPercent,
		})
	}
	return payload
}

func parseOrderStatuses(raw string) ([]services.OrderStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var statuses []services.OrderStatus
	for _, part := range strings.Split(raw, ",") {
		value := services.OrderStatus(strings.ToUpper(strings.TrimSpace(part)))
		switch value {
		case "":
			continue
		case domain.OrderStatusPending, domain.OrderStatusReceived, domain.OrderStatusConfirmed,
			domain.OrderStatusPrepared, domain.OrderStatusShipped, domain.OrderStatusDelivered,
			domain.OrderStatusCanceled, domain.OrderStatusRefunded:
			statuses = append(statuses, value)
		default:
			return nil, errors.New("unknown order status " + string(value))
		}
	}
	return statuses, nil
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	statuses, err := parseOrderStatuses(r.URL.Query().Get("status"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID:     identity.UID,
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

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	owner := identity.UID
	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{OwnerID: &owner})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
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
	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil && !errors.Is(err, errEmptyBody) {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	owner := identity.UID
	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
		OwnerID: &owner,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", "order status does not allow this operation", http.StatusConflict))
	case errors.Is(err, services.ErrOrderOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "not enough stock available", http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order has changed; refresh and retry", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
