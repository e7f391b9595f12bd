package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/bookhaven/api/internal/domain"
	pfirestore "github.com/bookhaven/api/internal/platform/firestore"
	"github.com/bookhaven/api/internal/repositories"
)

const activityLogsCollection = "activityLogs"

// ActivityLogRepository persists immutable moderation activity entries. The
// day-bucketed counts it serves drive the moderation rate limits.
type ActivityLogRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[activityLogDocument]
}

// NewActivityLogRepository constructs a Firestore-backed activity log repository.
func NewActivityLogRepository(provider *pfirestore.Provider) (*ActivityLogRepository, error) {
	if provider == nil {
		return nil, errors.New("activity log repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[activityLogDocument](provider, activityLogsCollection, nil, nil)
	return &ActivityLogRepository{provider: provider, base: base}, nil
}

// Append stores a new immutable log entry. Entries are never updated.
func (r *ActivityLogRepository) Append(ctx context.Context, entry domain.ActivityLogEntry) error {
	if r == nil || r.base == nil {
		return errors.New("activity log repository not initialised")
	}
	entryID := strings.TrimSpace(entry.ID)
	if entryID == "" {
		return errors.New("activity log repository: entry id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, entryID)
	if err != nil {
		return err
	}
	doc := activityLogDocument{
		UserID:    strings.TrimSpace(entry.UserID),
		ProductID: strings.TrimSpace(entry.ProductID),
		Action:    strings.TrimSpace(string(entry.Action)),
		CreatedAt: entry.CreatedAt.UTC(),
	}
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("activity_logs.append", err)
	}
	return nil
}

// CountByUserBetween counts entries for a user matching any of the given
// actions within [from, to).
func (r *ActivityLogRepository) CountByUserBetween(ctx context.Context, userID string, actions []domain.ActivityAction, from, to time.Time) (int, error) {
	return r.count(ctx, userID, "", actions, from, to)
}

// CountByProductBetween additionally scopes the count to one product.
func (r *ActivityLogRepository) CountByProductBetween(ctx context.Context, userID, productID string, actions []domain.ActivityAction, from, to time.Time) (int, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, errors.New("activity log repository: product id is required")
	}
	return r.count(ctx, userID, productID, actions, from, to)
}

func (r *ActivityLogRepository) count(ctx context.Context, userID, productID string, actions []domain.ActivityAction, from, to time.Time) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("activity log repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("activity log repository: user id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("activity_logs.count", err)
	}

	query := client.Collection(activityLogsCollection).Query.
		Where("userId", "==", userID).
		Where("createdAt", ">=", from.UTC()).
		Where("createdAt", "<", to.UTC())
	if productID != "" {
		query = query.Where("productId", "==", productID)
	}
	if names := normaliseActions(actions); len(names) == 1 {
		query = query.Where("action", "==", names[0])
	} else if len(names) > 1 {
		query = query.Where("action", "in", names)
	}

	// Keys-only scan; the per-day counts behind rate limiting stay small.
	iter := query.Select().Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, pfirestore.WrapError("activity_logs.count", err)
		}
		count++
	}
	return count, nil
}

// ListByUser pages a user's activity entries newest-first.
func (r *ActivityLogRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.ActivityLogEntry], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.ActivityLogEntry]{}, errors.New("activity log repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[domain.ActivityLogEntry]{}, errors.New("activity log repository: user id is required")
	}

	limit := pager.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	fetchLimit := limit + 1

	var startAfter []any
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.ActivityLogEntry]{}, fmt.Errorf("activity log repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", userID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.ActivityLogEntry]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		nextToken = encodeOrderListToken(last.Data.CreatedAt, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.ActivityLogEntry, 0, len(docs))
	for _, doc := range docs {
		items = append(items, domain.ActivityLogEntry{
			ID:        doc.ID,
			UserID:    strings.TrimSpace(doc.Data.UserID),
			ProductID: strings.TrimSpace(doc.Data.ProductID),
			Action:    domain.ActivityAction(strings.TrimSpace(doc.Data.Action)),
			CreatedAt: chooseTime(doc.Data.CreatedAt, doc.CreateTime),
		})
	}

	return domain.CursorPage[domain.ActivityLogEntry]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type activityLogDocument struct {
	UserID    string    `firestore:"userId"`
	ProductID string    `firestore:"productId,omitempty"`
	Action    string    `firestore:"action"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func normaliseActions(actions []domain.ActivityAction) []string {
	if len(actions) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(actions))
	seen := make(map[string]struct{})
	for _, action := range actions {
		trimmed := strings.TrimSpace(string(action))
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

var _ repositories.ActivityLogRepository = (*ActivityLogRepository)(nil)
