package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/bookhaven/api/internal/domain"
	pfirestore "github.com/bookhaven/api/internal/platform/firestore"
	"github.com/bookhaven/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists carts within Firestore. Documents are keyed by the
// owning user ID; a user has at most one cart.
type CartRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		provider: provider,
		base:     base,
	}, nil
}

// UpsertCart persists the full cart using the user ID as document identifier.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	now := time.Now().UTC()
	updatedAt := cart.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = now
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	doc := cartDocument{
		CartID:    strings.TrimSpace(cart.ID),
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:     encodeCartItems(cart.Items),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}

	result, err := r.base.Set(ctx, userID, doc)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(userID, result.UpdateTime), nil
}

// GetCart loads the cart for the given user ID.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID, doc.UpdateTime), nil
}

// ReplaceItems swaps the cart's item list atomically. The header fields are
// left untouched so currency and creation time survive a cleared cart.
func (r *CartRepository) ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	now := time.Now().UTC()
	var updated domain.Cart
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef, err := r.base.DocumentRef(ctx, uid)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc cartDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode cart %s: %w", uid, err)
		}

		doc.Items = encodeCartItems(items)
		doc.UpdatedAt = now
		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		updated = doc.toDomain(uid, now)
		return nil
	})
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.replace_items", err)
	}
	return updated, nil
}

// Documents and codecs ------------------------------------------------------

type cartDocument struct {
	CartID    string             `firestore:"cartId,omitempty"`
	Currency  string             `firestore:"currency"`
	Items     []cartItemDocument `firestore:"items"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID        string     `firestore:"id"`
	ProductID string     `firestore:"productId"`
	Quantity  int        `firestore:"qty"`
	Ticked    bool       `firestore:"ticked"`
	AddedAt   time.Time  `firestore:"addedAt"`
	UpdatedAt *time.Time `firestore:"updatedAt,omitempty"`
}

func encodeCartItems(items []domain.CartItem) []cartItemDocument {
	docs := make([]cartItemDocument, len(items))
	for i, item := range items {
		docs[i] = cartItemDocument{
			ID:        strings.TrimSpace(item.ID),
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			Ticked:    item.Ticked,
			AddedAt:   item.AddedAt.UTC(),
			UpdatedAt: normalizeTimePointer(item.UpdatedAt),
		}
	}
	return docs
}

func (d cartDocument) toDomain(userID string, updateTime time.Time) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			ID:        strings.TrimSpace(item.ID),
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			Ticked:    item.Ticked,
			AddedAt:   item.AddedAt,
			UpdatedAt: normalizeTimePointer(item.UpdatedAt),
		}
	}

	cartID := strings.TrimSpace(d.CartID)
	if cartID == "" {
		cartID = userID
	}

	return domain.Cart{
		ID:        cartID,
		UserID:    userID,
		Currency:  strings.ToUpper(strings.TrimSpace(d.Currency)),
		Items:     items,
		CreatedAt: chooseTime(d.CreatedAt, updateTime),
		UpdatedAt: chooseTime(d.UpdatedAt, updateTime),
	}
}

var _ repositories.CartRepository = (*CartRepository)(nil)
