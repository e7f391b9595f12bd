package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/bookhaven/api/internal/domain"
	pfirestore "github.com/bookhaven/api/internal/platform/firestore"
	"github.com/bookhaven/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order aggregates. Orders are append-and-mutate
// only, never deleted; conditional updates give services a status CAS.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert stores a new order document. The ID must be unique.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	doc := encodeOrderDocument(order)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the persisted order state with the provided snapshot.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	doc := encodeOrderDocument(order)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(orderID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// List pages orders newest-first with user, status, pending-expiry and
// creation-date filters.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	fetchLimit := limit + 1

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	userID := strings.TrimSpace(filter.UserID)
	statusFilters := normaliseOrderStatuses(filter.Status)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID != "" {
			q = q.Where("userId", "==", userID)
		}

		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			q = q.Where("status", "in", statusFilters)
		}

		if filter.PendingExpiryBefore != nil {
			q = q.Where("pendingExpiry", "<=", filter.PendingExpiryBefore.UTC()).
				OrderBy("pendingExpiry", firestore.Asc).
				OrderBy(firestore.DocumentID, firestore.Asc)
		} else {
			if filter.DateRange.From != nil {
				q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
			}
			if filter.DateRange.To != nil {
				q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
			}
			q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		}

		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		cursor := last.Data.CreatedAt
		if filter.PendingExpiryBefore != nil && last.Data.PendingExpiry != nil {
			cursor = *last.Data.PendingExpiry
		}
		nextToken = encodeOrderListToken(cursor, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeOrderDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// UpdateConditional applies mutate inside a transaction only while the
// order's status equals expectedStatus. A status mismatch surfaces as a
// conflict so racing callers lose cleanly instead of overwriting each other.
func (r *OrderRepository) UpdateConditional(ctx context.Context, orderID string, expectedStatus domain.OrderStatus, mutate func(order *domain.Order) error) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if mutate == nil {
		return domain.Order{}, errors.New("order repository: mutate function is required")
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		order := decodeOrderDocument(orderID, doc, snap.CreateTime, snap.UpdateTime)
		if order.Status != expectedStatus {
			return status.Errorf(codes.FailedPrecondition, "order %s is %s, expected %s", orderID, order.Status, expectedStatus)
		}

		if err := mutate(&order); err != nil {
			return err
		}
		order.ID = orderID

		if err := tx.Set(docRef, encodeOrderDocument(order)); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update_conditional", err)
	}
	return updated, nil
}

// Documents and codecs ------------------------------------------------------

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	UserID          string              `firestore:"userId"`
	Status          string              `firestore:"status"`
	Currency        string              `firestore:"currency"`
	Items           []orderLineDocument `firestore:"items"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	Payment         paymentDocument     `firestore:"payment"`
	Totals          orderTotalsDocument `firestore:"totals"`
	IsGift          bool                `firestore:"isGift"`
	GiftMessage     *string             `firestore:"giftMessage,omitempty"`
	TrackingNumber  *string             `firestore:"trackingNumber,omitempty"`
	Notes           []string            `firestore:"notes,omitempty"`
	CancelReason    *string             `firestore:"cancelReason,omitempty"`
	UpdatedBy       *string             `firestore:"updatedBy,omitempty"`
	PendingExpiry   *time.Time          `firestore:"pendingExpiry,omitempty"`
	ReceivedAt      *time.Time          `firestore:"receivedAt,omitempty"`
	ConfirmedAt     *time.Time          `firestore:"confirmedAt,omitempty"`
	PreparedAt      *time.Time          `firestore:"preparedAt,omitempty"`
	ShippedAt       *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CanceledAt      *time.Time          `firestore:"canceledAt,omitempty"`
	RefundedAt      *time.Time          `firestore:"refundedAt,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type orderLineDocument struct {
	ProductID       string `firestore:"productId"`
	ProductType     string `firestore:"productType"`
	Title           string `firestore:"title"`
	Author          string `firestore:"author,omitempty"`
	Quantity        int    `firestore:"qty"`
	UnitPrice       int64  `firestore:"unitPrice"`
	DiscountPercent int    `firestore:"discountPercent"`
}

type addressDocument struct {
	FullName   string  `firestore:"fullName"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode,omitempty"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
	Email      string  `firestore:"email,omitempty"`
}

type paymentDocument struct {
	Method    string     `firestore:"method"`
	PaymentID *string    `firestore:"paymentId,omitempty"`
	IsPaid    bool       `firestore:"isPaid"`
	PaidAt    *time.Time `firestore:"paidAt,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal   int64 `firestore:"subtotal"`
	Shipping   int64 `firestore:"shipping"`
	Tax        int64 `firestore:"tax"`
	Discount   int64 `firestore:"discount"`
	Total      int64 `firestore:"total"`
	TotalItems int   `firestore:"totalItems"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	lines := make([]orderLineDocument, len(order.Items))
	for i, item := range order.Items {
		lines[i] = orderLineDocument{
			ProductID:       strings.TrimSpace(item.ProductID),
			ProductType:     strings.TrimSpace(string(item.ProductType)),
			Title:           item.Title,
			Author:          item.Author,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			DiscountPercent: item.DiscountPercent,
		}
	}

	return orderDocument{
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:       lines,
		ShippingAddress: addressDocument{
			FullName:   strings.TrimSpace(order.ShippingAddress.FullName),
			Line1:      strings.TrimSpace(order.ShippingAddress.Line1),
			Line2:      normalizeStringPointer(order.ShippingAddress.Line2),
			City:       strings.TrimSpace(order.ShippingAddress.City),
			State:      normalizeStringPointer(order.ShippingAddress.State),
			PostalCode: strings.TrimSpace(order.ShippingAddress.PostalCode),
			Country:    strings.TrimSpace(order.ShippingAddress.Country),
			Phone:      normalizeStringPointer(order.ShippingAddress.Phone),
			Email:      strings.TrimSpace(order.ShippingAddress.Email),
		},
		Payment: paymentDocument{
			Method:    strings.TrimSpace(string(order.Payment.Method)),
			PaymentID: normalizeStringPointer(order.Payment.PaymentID),
			IsPaid:    order.Payment.IsPaid,
			PaidAt:    normalizeTimePointer(order.Payment.PaidAt),
		},
		Totals: orderTotalsDocument{
			Subtotal:   order.Totals.Subtotal,
			Shipping:   order.Totals.Shipping,
			Tax:        order.Totals.Tax,
			Discount:   order.Totals.Discount,
			Total:      order.Totals.Total,
			TotalItems: order.Totals.TotalItems,
		},
		IsGift:         order.IsGift,
		GiftMessage:    normalizeStringPointer(order.GiftMessage),
		TrackingNumber: normalizeStringPointer(order.TrackingNumber),
		Notes:          cloneStrings(order.Notes),
		CancelReason:   normalizeStringPointer(order.CancelReason),
		UpdatedBy:      normalizeStringPointer(order.UpdatedBy),
		PendingExpiry:  normalizeTimePointer(order.PendingExpiry),
		ReceivedAt:     normalizeTimePointer(order.ReceivedAt),
		ConfirmedAt:    normalizeTimePointer(order.ConfirmedAt),
		PreparedAt:     normalizeTimePointer(order.PreparedAt),
		ShippedAt:      normalizeTimePointer(order.ShippedAt),
		DeliveredAt:    normalizeTimePointer(order.DeliveredAt),
		CanceledAt:     normalizeTimePointer(order.CanceledAt),
		RefundedAt:     normalizeTimePointer(order.RefundedAt),
		CreatedAt:      order.CreatedAt.UTC(),
		UpdatedAt:      order.UpdatedAt.UTC(),
	}
}

func decodeOrderDocument(id string, doc orderDocument, createdAt, updatedAt time.Time) domain.Order {
	items := make([]domain.OrderLineItem, len(doc.Items))
	for i, line := range doc.Items {
		items[i] = domain.OrderLineItem{
			ProductID:       strings.TrimSpace(line.ProductID),
			ProductType:     domain.ProductType(strings.TrimSpace(line.ProductType)),
			Title:           line.Title,
			Author:          line.Author,
			Quantity:        line.Quantity,
			UnitPrice:       line.UnitPrice,
			DiscountPercent: line.DiscountPercent,
		}
	}

	return domain.Order{
		ID:          strings.TrimSpace(id),
		OrderNumber: strings.TrimSpace(doc.OrderNumber),
		UserID:      strings.TrimSpace(doc.UserID),
		Status:      domain.OrderStatus(strings.TrimSpace(doc.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Items:       items,
		ShippingAddress: domain.Address{
			FullName:   strings.TrimSpace(doc.ShippingAddress.FullName),
			Line1:      strings.TrimSpace(doc.ShippingAddress.Line1),
			Line2:      normalizeStringPointer(doc.ShippingAddress.Line2),
			City:       strings.TrimSpace(doc.ShippingAddress.City),
			State:      normalizeStringPointer(doc.ShippingAddress.State),
			PostalCode: strings.TrimSpace(doc.ShippingAddress.PostalCode),
			Country:    strings.TrimSpace(doc.ShippingAddress.Country),
			Phone:      normalizeStringPointer(doc.ShippingAddress.Phone),
			Email:      strings.TrimSpace(doc.ShippingAddress.Email),
		},
		Payment: domain.PaymentInfo{
			Method:    domain.PaymentMethod(strings.TrimSpace(doc.Payment.Method)),
			PaymentID: normalizeStringPointer(doc.Payment.PaymentID),
			IsPaid:    doc.Payment.IsPaid,
			PaidAt:    normalizeTimePointer(doc.Payment.PaidAt),
		},
		Totals: domain.OrderTotals{
			Subtotal:   doc.Totals.Subtotal,
			Shipping:   doc.Totals.Shipping,
			Tax:        doc.Totals.Tax,
			Discount:   doc.Totals.Discount,
			Total:      doc.Totals.Total,
			TotalItems: doc.Totals.TotalItems,
		},
		IsGift:         doc.IsGift,
		GiftMessage:    normalizeStringPointer(doc.GiftMessage),
		TrackingNumber: normalizeStringPointer(doc.TrackingNumber),
		Notes:          cloneStrings(doc.Notes),
		CancelReason:   normalizeStringPointer(doc.CancelReason),
		UpdatedBy:      normalizeStringPointer(doc.UpdatedBy),
		PendingExpiry:  normalizeTimePointer(doc.PendingExpiry),
		ReceivedAt:     normalizeTimePointer(doc.ReceivedAt),
		ConfirmedAt:    normalizeTimePointer(doc.ConfirmedAt),
		PreparedAt:     normalizeTimePointer(doc.PreparedAt),
		ShippedAt:      normalizeTimePointer(doc.ShippedAt),
		DeliveredAt:    normalizeTimePointer(doc.DeliveredAt),
		CanceledAt:     normalizeTimePointer(doc.CanceledAt),
		RefundedAt:     normalizeTimePointer(doc.RefundedAt),
		CreatedAt:      chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:      chooseTime(doc.UpdatedAt, updatedAt),
	}
}

func normalizeStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	ts := value.UTC()
	return &ts
}

func normaliseOrderStatuses(statuses []domain.OrderStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(statuses))
	seen := make(map[string]struct{})
	for _, s := range statuses {
		trimmed := strings.ToUpper(strings.TrimSpace(string(s)))
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

func encodeOrderListToken(cursor time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", cursor.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeOrderListToken(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
