package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/payments"
	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers turns the ticked cart lines into a placed order. COD
// orders come back RECEIVED and need nothing further; CARD orders come back
// PENDING and are paired with a gateway checkout session the client redirects
// to.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	gateway  *payments.Manager
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase
// authentication. The gateway may be nil when card payments are disabled.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, gateway *payments.Manager) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
		gateway:  gateway,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.placeOrder)
}

type checkoutRequest struct {
	PaymentMethod   string         `json:"paymentMethod"`
	ShippingAddress addressPayload `json:"shippingAddress"`
	IsGift          bool           `json:"isGift"`
	GiftMessage     *string        `json:"giftMessage"`
	SuccessURL      string         `json:"successUrl"`
	CancelURL       string         `json:"cancelUrl"`
}

type checkoutPaymentPayload struct {
	SessionID    string `json:"sessionId"`
	Provider     string `json:"provider,omitempty"`
	URL          string `json:"url,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

type checkoutResponse struct {
	Order   orderPayload            `json:"order"`
	Payment *checkoutPaymentPayload `json:"payment,omitempty"`
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	method := services.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.PaymentMethod)))
	switch method {
	case domain.PaymentMethodCOD, domain.PaymentMethodCard:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentMethod must be COD or CARD", http.StatusBadRequest))
		return
	}
	if method == domain.PaymentMethodCard {
		if h.gateway == nil {
			httpx.WriteError(ctx, w, httpx.NewError("card_payments_disabled", "card payments are not available", http.StatusServiceUnavailable))
			return
		}
		if strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.CancelURL) == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "successUrl and cancelUrl are required for card payments", http.StatusBadRequest))
			return
		}
	}

	order, err := h.checkout.Checkout(ctx, services.CheckoutCommand{
		UserID:          identity.UID,
		ShippingAddress: req.ShippingAddress.toDomain(),
		PaymentMethod:   method,
		IsGift:          req.IsGift,
		GiftMessage:     cloneStringPointer(req.GiftMessage),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	resp := checkoutResponse{Order: buildOrderPayload(order)}

	if method == domain.PaymentMethodCard {
		session, err := h.createGatewaySession(ctx, order, req)
		if err != nil {
			// The order stays PENDING; the expiry sweep reclaims its stock
			// if the client never retries the payment.
			httpx.WriteError(ctx, w, httpx.NewError("payment_session_failed", "order placed but payment session could not be created", http.StatusBadGateway))
			return
		}
		resp.Payment = session
	}

	writeJSONResponse(w, http.StatusCreated, resp)
}

func (h *CheckoutHandlers) createGatewaySession(ctx context.Context, order services.Order, req checkoutRequest) (*checkoutPaymentPayload, error) {
	items := make([]payments.CheckoutLineItem, 0, len(order.Items))
	for _, line := range order.Items {
		items = append(items, payments.CheckoutLineItem{
			Name:     line.Title,
			SKU:      line.ProductID,
			Quantity: int64(line.Quantity),
			Amount:   line.UnitPrice,
			Currency: order.Currency,
		})
	}

	session, err := h.gateway.CreateCheckoutSession(ctx,
		payments.PaymentContext{},
		payments.CheckoutSessionRequest{
			Amount:     order.Totals.Total,
			Currency:   order.Currency,
			CustomerID: order.UserID,
			SuccessURL: strings.TrimSpace(req.SuccessURL),
			CancelURL:  strings.TrimSpace(req.CancelURL),
			Metadata: map[string]string{
				"orderId":     order.ID,
				"orderNumber": order.OrderNumber,
			},
			IdempotencyKey: "checkout-" + order.ID,
			Items:          items,
		})
	if err != nil {
		return nil, err
	}

	payload := &checkoutPaymentPayload{
		SessionID:    session.ID,
		Provider:     session.Provider,
		URL:          session.RedirectURL,
		ClientSecret: session.ClientSecret,
	}
	if !session.ExpiresAt.IsZero() {
		payload.ExpiresAt = formatTime(session.ExpiresAt)
	}
	return payload, nil
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutCartNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_ready", "no ticked items to check out", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to place the order", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
