package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/bookhaven/api/internal/domain"
	pfirestore "github.com/bookhaven/api/internal/platform/firestore"
	"github.com/bookhaven/api/internal/repositories"
)

const stockCollection = "stock"

// StockRepository persists per-product stock levels. Every mutation runs as a
// Firestore transaction so concurrent carts and checkouts cannot oversell.
type StockRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[stockLevelDocument]
}

// NewStockRepository constructs a Firestore-backed stock repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[stockLevelDocument](provider, stockCollection, nil, nil)
	return &StockRepository{provider: provider, base: base}, nil
}

// Reserve moves quantity from available into reserved.
func (r *StockRepository) Reserve(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	return r.mutate(ctx, "stock.reserve", productID, quantity, now, func(doc *stockLevelDocument, qty int) error {
		if doc.Available < qty {
			return repositories.NewInsufficientStockError(doc.ProductID, doc.Available, qty)
		}
		doc.Reserved += qty
		return nil
	})
}

// Release returns reserved quantity back to availability.
func (r *StockRepository) Release(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	return r.mutate(ctx, "stock.release", productID, quantity, now, func(doc *stockLevelDocument, qty int) error {
		if doc.Reserved < qty {
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("reserved quantity for %s is insufficient", doc.ProductID), nil)
		}
		doc.Reserved -= qty
		return nil
	})
}

// Commit consumes a reservation at order placement, decrementing on-hand.
func (r *StockRepository) Commit(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	return r.mutate(ctx, "stock.commit", productID, quantity, now, func(doc *stockLevelDocument, qty int) error {
		if doc.Reserved < qty {
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("reserved quantity for %s is insufficient", doc.ProductID), nil)
		}
		if doc.OnHand < qty {
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("onHand for %s cannot drop below zero", doc.ProductID), nil)
		}
		doc.Reserved -= qty
		doc.OnHand -= qty
		return nil
	})
}

// Restock increments on-hand, compensating a committed reservation.
func (r *StockRepository) Restock(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	return r.mutate(ctx, "stock.restock", productID, quantity, now, func(doc *stockLevelDocument, qty int) error {
		doc.OnHand += qty
		return nil
	})
}

// SetOnHand seeds or overwrites the on-hand count for a product. Unlike the
// other mutations a missing document is created rather than rejected.
func (r *StockRepository) SetOnHand(ctx context.Context, productID string, onHand int, now time.Time) (domain.StockLevel, error) {
	if r == nil || r.provider == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	pid := strings.TrimSpace(productID)
	if pid == "" {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound, "stock set: product id is required", nil)
	}
	if onHand < 0 {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorInvalidQuantity, "stock set: onHand must be >= 0", nil)
	}

	var updated domain.StockLevel
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stockRef, err := r.base.DocumentRef(ctx, pid)
		if err != nil {
			return err
		}
		var doc stockLevelDocument
		snap, err := tx.Get(stockRef)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			doc = stockLevelDocument{}
		} else if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode stock %s: %w", pid, err)
		}
		if doc.Reserved > onHand {
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("onHand for %s cannot drop below reserved", pid), nil)
		}
		doc.ProductID = pid
		doc.OnHand = onHand
		doc.UpdatedAt = now.UTC()
		doc.recalculate()
		if err := tx.Set(stockRef, doc); err != nil {
			return err
		}
		updated = doc.toDomain(pid)
		return nil
	})
	if err != nil {
		return domain.StockLevel{}, wrapStockError("stock.set", err)
	}
	return updated, nil
}

// Get loads the current stock level for a product.
func (r *StockRepository) Get(ctx context.Context, productID string) (domain.StockLevel, error) {
	if r == nil || r.base == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	pid := strings.TrimSpace(productID)
	if pid == "" {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound, "stock get: product id is required", nil)
	}

	doc, err := r.base.Get(ctx, pid)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound, fmt.Sprintf("stock %s not found", pid), err)
		}
		return domain.StockLevel{}, wrapStockError("stock.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListLowStock pages through products at or below the availability threshold.
func (r *StockRepository) ListLowStock(ctx context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.StockLevel], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.StockLevel]{}, errors.New("stock repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	threshold := query.Threshold
	if threshold <= 0 {
		threshold = 5
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.StockLevel]{}, wrapStockError("stock.lowStock", err)
	}

	firestoreQuery := client.Collection(stockCollection).Query.
		Where("available", "<=", threshold).
		OrderBy("available", firestore.Asc).
		OrderBy("productId", firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.PageToken); token != "" {
		decoded, err := decodeStockPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.StockLevel]{}, wrapStockError("stock.lowStock", err)
		}
		firestoreQuery = firestoreQuery.StartAfter(decoded.Available, decoded.ProductID)
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var levels []domain.StockLevel
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.StockLevel]{}, wrapStockError("stock.lowStock", err)
		}
		var doc stockLevelDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.StockLevel]{}, fmt.Errorf("decode stock %s: %w", snap.Ref.ID, err)
		}
		levels = append(levels, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(levels) > pageSize
	if hasMore {
		levels = levels[:pageSize]
	}
	var nextToken string
	if hasMore && len(levels) > 0 {
		last := levels[len(levels)-1]
		encoded, err := encodeStockPageToken(stockPageToken{ProductID: last.ProductID, Available: last.Available})
		if err != nil {
			return domain.CursorPage[domain.StockLevel]{}, wrapStockError("stock.lowStock", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.StockLevel]{
		Items:         levels,
		NextPageToken: nextToken,
	}, nil
}

// mutate is the shared read-check-write loop behind Reserve/Release/Commit/Restock.
func (r *StockRepository) mutate(ctx context.Context, op, productID string, quantity int, now time.Time, apply func(doc *stockLevelDocument, qty int) error) (domain.StockLevel, error) {
	if r == nil || r.provider == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	pid := strings.TrimSpace(productID)
	if pid == "" {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound, fmt.Sprintf("%s: product id is required", op), nil)
	}
	if quantity <= 0 {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("%s: quantity must be > 0", op), nil)
	}

	var updated domain.StockLevel
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stockRef, err := r.base.DocumentRef(ctx, pid)
		if err != nil {
			return err
		}
		snap, err := tx.Get(stockRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorNotFound, fmt.Sprintf("stock %s not found", pid), err)
			}
			return err
		}
		var doc stockLevelDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode stock %s: %w", pid, err)
		}
		doc.ProductID = pid
		if err := apply(&doc, quantity); err != nil {
			return err
		}
		doc.UpdatedAt = now.UTC()
		doc.recalculate()
		if err := tx.Set(stockRef, doc); err != nil {
			return err
		}
		updated = doc.toDomain(pid)
		return nil
	})
	if err != nil {
		return domain.StockLevel{}, wrapStockError(op, err)
	}
	return updated, nil
}

// Helper structures ---------------------------------------------------------

type stockLevelDocument struct {
	ProductID string    `firestore:"productId"`
	OnHand    int       `firestore:"onHand"`
	Reserved  int       `firestore:"reserved"`
	Available int       `firestore:"available"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (s *stockLevelDocument) recalculate() {
	s.Available = s.OnHand - s.Reserved
}

func (s stockLevelDocument) toDomain(id string) domain.StockLevel {
	return domain.StockLevel{
		ProductID: id,
		OnHand:    s.OnHand,
		Reserved:  s.Reserved,
		Available: s.Available,
		UpdatedAt: s.UpdatedAt,
	}
}

type stockPageToken struct {
	ProductID string
	Available int
}

func encodeStockPageToken(token stockPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode stock page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeStockPageToken(encoded string) (*stockPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode stock page token: %w", err)
	}
	var token stockPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode stock page token json: %w", err)
	}
	return &token, nil
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.StockRepository = (*StockRepository)(nil)
