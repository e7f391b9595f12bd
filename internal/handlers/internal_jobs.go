package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

const (
	maxInternalRequestBody  = 8 * 1024
	defaultWarningWindowHrs = 1
)

// InternalHandlers serves the scheduler-only surface behind the internal
// authentication middleware. Cloud Scheduler posts here to run the pending
// order expiry sweep and to warn about orders approaching their deadline.
type InternalHandlers struct {
	orders     services.OrderService
	dispatcher services.BackgroundJobDispatcher
}

// NewInternalHandlers constructs handlers for internal job triggers.
func NewInternalHandlers(orders services.OrderService, dispatcher services.BackgroundJobDispatcher) *InternalHandlers {
	return &InternalHandlers{
		orders:     orders,
		dispatcher: dispatcher,
	}
}

// Routes registers internal endpoints under the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/order-expiry-sweep", h.runExpirySweep)
	r.Post("/jobs/order-expiry-warnings", h.runExpiryWarnings)
}

type expirySweepResponse struct {
	Canceled int `json:"canceled"`
}

func (h *InternalHandlers) runExpirySweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	canceled, err := h.orders.CancelExpiredOrders(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", "expiry sweep failed", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, expirySweepResponse{Canceled: canceled})
}

type expiryWarningsRequest struct {
	WithinHours int `json:"withinHours"`
}

type expiryWarningsResponse struct {
	OrderIDs []string `json:"orderIds"`
	Count    int      `json:"count"`
	Enqueued bool     `json:"enqueued"`
}

func (h *InternalHandlers) runExpiryWarnings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	req := expiryWarningsRequest{WithinHours: defaultWarningWindowHrs}
	body, err := readLimitedBody(r, maxInternalRequestBody)
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
	if req.WithinHours <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "withinHours must be positive", http.StatusBadRequest))
		return
	}

	orders, err := h.orders.FindOrdersExpiringSoon(ctx, time.Duration(req.WithinHours)*time.Hour)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("warning_scan_failed", "failed to scan expiring orders", http.StatusInternalServerError))
		return
	}

	resp := expiryWarningsResponse{OrderIDs: make([]string, 0, len(orders))}
	for _, order := range orders {
		resp.OrderIDs = append(resp.OrderIDs, order.ID)
	}
	resp.Count = len(resp.OrderIDs)

	if h.dispatcher != nil && resp.Count > 0 {
		if err := h.dispatcher.EnqueueExpiryWarning(ctx, services.ExpiryWarningPayload{WithinHours: req.WithinHours}); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("enqueue_failed", "failed to enqueue expiry warnings", http.StatusInternalServerError))
			return
		}
		resp.Enqueued = true
	}

	writeJSONResponse(w, http.StatusOK, resp)
}
