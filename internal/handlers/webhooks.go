package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

const maxWebhookBody = 256 * 1024

// WebhookHandlers receives payment gateway callbacks. Stripe events are
// verified against the endpoint signing secret before any order state is
// touched; the payment-completed transition itself is a conditional write,
// so redelivered events settle as harmless conflicts.
type WebhookHandlers struct {
	orders        services.OrderService
	signingSecret string
	logger        func(event string, fields map[string]any)
}

// WebhookOption customises webhook handler construction.
type WebhookOption func(*WebhookHandlers)

// WithWebhookLogger wires structured logging for webhook processing.
func WithWebhookLogger(logger func(event string, fields map[string]any)) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs gateway webhook handlers.
func NewWebhookHandlers(orders services.OrderService, signingSecret string, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		orders:        orders,
		signingSecret: strings.TrimSpace(signingSecret),
		logger:        func(string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripeEvent)
}

type webhookAckResponse struct {
	Received bool `json:"received"`
}

func (h *WebhookHandlers) handleStripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.signingSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unconfigured", "webhook signing secret is not configured", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return
	}

	// Signature verification only; the SDK's API version pin moves faster
	// than the account's webhook configuration.
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.signingSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger("webhooks.stripe_signature_invalid", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	orderID, paymentID, err := extractStripePayment(event)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	}
	if orderID == "" {
		// Event type we don't act on; acknowledge so Stripe stops retrying.
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		return
	}

	if _, err := h.orders.HandlePaymentCompleted(ctx, services.PaymentCompletedCommand{
		OrderID:   orderID,
		PaymentID: paymentID,
	}); err != nil {
		switch {
		case errors.Is(err, services.ErrOrderConflict), errors.Is(err, services.ErrOrderInvalidState):
			// Duplicate delivery after the order already advanced.
			h.logger("webhooks.stripe_event_stale", map[string]any{"orderId": orderID, "type": string(event.Type)})
			writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
			return
		case errors.Is(err, services.ErrOrderNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		default:
			h.logger("webhooks.stripe_event_failed", map[string]any{"orderId": orderID, "error": err.Error()})
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process event", http.StatusInternalServerError))
			return
		}
	}

	h.logger("webhooks.stripe_payment_completed", map[string]any{"orderId": orderID, "type": string(event.Type)})
	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
}

// extractStripePayment pulls the order reference and payment identifier from
// the event types that signal a captured payment. Other event types return an
// empty order id so the caller can acknowledge without acting.
func extractStripePayment(event stripe.Event) (orderID, paymentID string, err error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", "", errors.New("malformed checkout session payload")
		}
		orderID = strings.TrimSpace(session.Metadata["orderId"])
		if orderID == "" {
			return "", "", errors.New("checkout session missing orderId metadata")
		}
		paymentID = session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			paymentID = session.PaymentIntent.ID
		}
		return orderID, paymentID, nil
	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return "", "", errors.New("malformed payment intent payload")
		}
		orderID = strings.TrimSpace(intent.Metadata["orderId"])
		if orderID == "" {
			// Intents created through checkout sessions carry the metadata on
			// the session instead; wait for the session event.
			return "", "", nil
		}
		return orderID, intent.ID, nil
	default:
		return "", "", nil
	}
}
